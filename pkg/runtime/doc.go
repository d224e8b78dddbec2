/*
Package runtime executes actor containers via containerd.

One container per run attempt, named run-<runId>. Output streams line by
line to the caller's sink: stderr as ERROR, stdout classified by its leading
level token. Stopping is SIGTERM followed by SIGKILL after a 10 second
grace; a run killed for exceeding its timeout surfaces exit code 143.

FakeRuntime provides a scripted implementation for tests.
*/
package runtime
