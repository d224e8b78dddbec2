package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// FakeRuntime is a scripted ContainerRuntime for tests. Each execution
// emits the configured lines, waits out Delay (or ctx cancellation) and
// returns ExitCode.
type FakeRuntime struct {
	mu sync.Mutex

	// ExitCode is returned by Execute when the context survives.
	ExitCode int
	// CancelExitCode is returned by Execute when ctx is cancelled mid-run.
	// Defaults to SigtermExitCode; scripting 0 or 137 models containers
	// that trap or ignore the stop signal.
	CancelExitCode int
	// Delay simulates container runtime before exit.
	Delay time.Duration
	// Lines are emitted to the sink before waiting.
	Lines []string

	executed []*Spec
	stopped  []string
}

// NewFakeRuntime creates a fake that exits 0 immediately.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{CancelExitCode: SigtermExitCode}
}

func (f *FakeRuntime) Execute(ctx context.Context, spec *Spec, sink LogSink) (int, error) {
	f.mu.Lock()
	f.executed = append(f.executed, spec)
	lines := f.Lines
	delay := f.Delay
	code := f.ExitCode
	cancelCode := f.CancelExitCode
	f.mu.Unlock()

	for _, line := range lines {
		sink(types.LogLevelInfo, line)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return cancelCode, nil
		}
	} else if ctx.Err() != nil {
		return cancelCode, nil
	}
	return code, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
	return nil
}

func (f *FakeRuntime) Close() error { return nil }

// Executed returns the specs passed to Execute, in order.
func (f *FakeRuntime) Executed() []*Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Spec, len(f.executed))
	copy(out, f.executed)
	return out
}

// Stopped returns the run ids passed to Stop.
func (f *FakeRuntime) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
}

var _ ContainerRuntime = (*FakeRuntime)(nil)
