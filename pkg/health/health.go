package health

import (
	"context"
	"sync"
	"time"
)

// Result represents the outcome of one dependency check.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
	Duration  time.Duration `json:"-"`
}

// Checker probes one backing service.
type Checker interface {
	// Name identifies the dependency in health output.
	Name() string

	// Check probes the dependency.
	Check(ctx context.Context) Result
}

// CheckTimeout bounds a single dependency probe.
const CheckTimeout = 5 * time.Second

// PingChecker adapts a ping function into a Checker.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker wraps a dependency's ping method.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	if err := c.ping(ctx); err != nil {
		return Result{Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}

// Registry runs a fixed set of dependency checks.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// CheckAll probes every registered dependency and reports whether all are
// healthy.
func (r *Registry) CheckAll(ctx context.Context) (map[string]Result, bool) {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	healthy := true
	for _, c := range checkers {
		res := c.Check(ctx)
		results[c.Name()] = res
		if !res.Healthy {
			healthy = false
		}
	}
	return results, healthy
}
