/*
Package orchestrator drives runs through their state machine.

Creation allocates the three storage handles, writes the INPUT blob and
inserts the run as READY. A dispatch loop wakes on run:new notifications or
a one second tick, claims the oldest READY run with a skip-locked read (the
primitive guaranteeing at most one driver per run) and launches a driver
task, bounded by MaxConcurrentRuns.

The driver mints a per-run token, injects the environment contract, streams
container output into the log pipeline and races execution against the
run's deadline. Exit code 0 maps to SUCCEEDED, 143 to TIMED-OUT, anything
else to FAILED with the last stderr line in the status message. Aborts
mutate the row; the driver notices on its next poll and stops the
container, which also covers drivers living in other replicas.

A janitor scan fails RUNNING rows whose deadline plus grace has passed with
statusMessage "orphaned"; that is the sole garbage-collection rule.
*/
package orchestrator
