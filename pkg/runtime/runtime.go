package runtime

import (
	"context"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// StopGracePeriod is how long a container gets between SIGTERM and SIGKILL.
const StopGracePeriod = 10 * time.Second

// SigtermExitCode is the conventional exit code of a process terminated by
// SIGTERM (128 + 15). Timed-out runs surface it.
const SigtermExitCode = 143

// Spec describes one container execution.
type Spec struct {
	// RunID names the container; one container per run attempt.
	RunID string
	// Image is the actor's container image reference.
	Image string
	// Env is the full environment block, KEY=VALUE.
	Env []string
	// MemoryMbytes caps container memory. Zero means no limit.
	MemoryMbytes int
	// StorageDir, when set, is bind-mounted into the container at the same
	// path for local storage emulation.
	StorageDir string
}

// LogSink receives container output line by line as it streams.
type LogSink func(level types.LogLevel, message string)

// ContainerRuntime executes actor containers.
type ContainerRuntime interface {
	// Execute pulls the image, runs the container to completion and returns
	// its exit code. Output lines stream to sink as they appear. Cancelling
	// ctx stops the container (SIGTERM, then SIGKILL after the grace
	// period); Execute still returns the resulting exit code.
	Execute(ctx context.Context, spec *Spec, sink LogSink) (int, error)

	// Stop terminates the named run's container if it is still running.
	Stop(ctx context.Context, runID string) error

	// Close releases the runtime connection.
	Close() error
}
