/*
Package log provides structured logging for Crawlpoint using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	dispatcherLog := log.WithComponent("dispatcher")
	dispatcherLog.Info().Str("run_id", run.ID).Msg("run claimed")

Note that this global process logger is unrelated to the per-run log pipeline
in pkg/logs, which stores and fans out container output to API subscribers.
*/
package log
