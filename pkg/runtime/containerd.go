package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/crawlpoint/crawlpoint/pkg/log"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for run containers
	DefaultNamespace = "crawlpoint"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements ContainerRuntime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func containerID(runID string) string {
	return "run-" + runID
}

// Execute runs the container for one run attempt to completion, streaming
// its output to sink. stderr lines arrive as ERROR; stdout lines are
// classified by their leading level token.
func (r *ContainerdRuntime) Execute(ctx context.Context, spec *Spec, sink LogSink) (int, error) {
	nsCtx := namespaces.WithNamespace(ctx, r.namespace)
	// Cleanup must proceed after ctx cancellation.
	cleanupCtx := namespaces.WithNamespace(context.Background(), r.namespace)

	image, err := r.client.Pull(nsCtx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return 0, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.MemoryMbytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMbytes)<<20))
	}
	if spec.StorageDir != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Source:      spec.StorageDir,
				Destination: spec.StorageDir,
				Type:        "bind",
				Options:     []string{"rw", "bind"},
			},
		}))
	}

	id := containerID(spec.RunID)
	container, err := r.client.NewContainer(
		nsCtx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			r.logger.Warn().Err(err).Str("container", id).Msg("failed to delete container")
		}
	}()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdoutW, stderrW)))
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(cleanupCtx); err != nil {
			r.logger.Warn().Err(err).Str("container", id).Msg("failed to delete task")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutR, func(line string) {
			sink(classifyStdout(line), line)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrR, func(line string) {
			sink(types.LogLevelError, line)
		})
	}()

	statusC, err := task.Wait(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(nsCtx); err != nil {
		return 0, fmt.Errorf("failed to start task: %w", err)
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		// Timeout or abort. SIGTERM, wait out the grace period, SIGKILL.
		if err := task.Kill(cleanupCtx, syscall.SIGTERM); err != nil {
			r.logger.Warn().Err(err).Str("container", id).Msg("failed to signal task")
		}
		select {
		case status = <-statusC:
		case <-time.After(StopGracePeriod):
			if err := task.Kill(cleanupCtx, syscall.SIGKILL); err != nil {
				r.logger.Warn().Err(err).Str("container", id).Msg("failed to force kill task")
			}
			status = <-statusC
		}
	}

	// Close the write ends so the scanners drain and exit.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	code, _, err := status.Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read exit status: %w", err)
	}
	return int(code), nil
}

// Stop terminates the run's container if it is still running.
func (r *ContainerdRuntime) Stop(ctx context.Context, runID string) error {
	nsCtx := namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(nsCtx, containerID(runID))
	if err != nil {
		// Already gone.
		return nil
	}
	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return nil
	}

	if err := task.Kill(nsCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}
	statusC, err := task.Wait(nsCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-time.After(StopGracePeriod):
		if err := task.Kill(nsCtx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}
	return nil
}

func scanLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}

// classifyStdout maps a stdout line to a level by its leading token.
func classifyStdout(line string) types.LogLevel {
	switch {
	case hasPrefix(line, "ERROR"):
		return types.LogLevelError
	case hasPrefix(line, "WARN"):
		return types.LogLevelWarn
	case hasPrefix(line, "DEBUG"):
		return types.LogLevelDebug
	default:
		return types.LogLevelInfo
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

var _ ContainerRuntime = (*ContainerdRuntime)(nil)
