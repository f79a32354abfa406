// Package watchdog runs registered health checks on a fixed tick,
// aggregates them into a single daemon state, and publishes
// state-transition signals on the bus. Steady state is silent: a
// HEALTH_* signal fires only when the aggregate state changes.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
)

// Check result statuses.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Aggregate daemon states.
const (
	StateHealthy   = "HEALTHY"
	StateDegraded  = "DEGRADED"
	StateUnhealthy = "UNHEALTHY"
)

// CheckResult is one check's outcome.
type CheckResult struct {
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// CheckFunc probes one dependency. It must respect ctx; checks that
// overrun the configured timeout are recorded as failures regardless.
type CheckFunc func(ctx context.Context) CheckResult

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// MemoryStats is a snapshot of process memory usage.
type MemoryStats struct {
	AllocBytes  uint64 `json:"allocBytes"`
	SysBytes    uint64 `json:"sysBytes"`
	HeapObjects uint64 `json:"heapObjects"`
	NumGC       uint32 `json:"numGC"`
	Goroutines  int    `json:"goroutines"`
}

// Report is a point-in-time health snapshot.
type Report struct {
	State  string                 `json:"state"`
	Uptime string                 `json:"uptime"`
	Memory MemoryStats            `json:"memory"`
	Checks map[string]CheckResult `json:"checks"`
}

// Watchdog is the supervisor loop. Checks registered before Start run
// every tick; panics and overruns are contained per check.
type Watchdog struct {
	logger       *slog.Logger
	bus          *bus.Bus
	interval     time.Duration
	checkTimeout time.Duration
	startedAt    time.Time

	mu      sync.Mutex
	checks  []*check
	results map[string]CheckResult
	state   string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watchdog ticking every interval, allowing each check
// checkTimeout to answer.
func New(logger *slog.Logger, b *bus.Bus, interval, checkTimeout time.Duration) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if checkTimeout <= 0 {
		checkTimeout = 10 * time.Second
	}
	return &Watchdog{
		logger:       logger,
		bus:          b,
		interval:     interval,
		checkTimeout: checkTimeout,
		results:      make(map[string]CheckResult),
		state:        StateHealthy,
	}
}

// RegisterCheck adds a named check. Critical checks pull the aggregate
// state to UNHEALTHY when they fail; non-critical failures and warns
// only degrade it.
func (w *Watchdog) RegisterCheck(name string, fn CheckFunc, critical bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks = append(w.checks, &check{name: name, fn: fn, critical: critical})
}

// Start launches the tick loop. Calling Start on a running watchdog is
// a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
	w.logger.Info("watchdog started",
		"interval", w.interval.String(),
		"checks", len(w.checks),
	)
}

// Stop halts the tick loop and waits for it to exit. Calling Stop on a
// stopped watchdog is a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs every check concurrently, records results, and fires a
// transition signal when the aggregate state changed.
func (w *Watchdog) tick(ctx context.Context) {
	w.mu.Lock()
	checks := make([]*check, len(w.checks))
	copy(checks, w.checks)
	w.mu.Unlock()

	type outcome struct {
		name     string
		critical bool
		result   CheckResult
	}
	results := make([]outcome, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c *check) {
			defer wg.Done()
			results[i] = outcome{name: c.name, critical: c.critical, result: w.runCheck(ctx, c)}
		}(i, c)
	}
	wg.Wait()

	newState := StateHealthy
	var problems []string
	for _, o := range results {
		switch o.result.Status {
		case StatusFail:
			if o.critical {
				newState = StateUnhealthy
			} else if newState != StateUnhealthy {
				newState = StateDegraded
			}
			problems = append(problems, o.name+": "+o.result.Detail)
		case StatusWarn:
			if newState == StateHealthy {
				newState = StateDegraded
			}
			problems = append(problems, o.name+": "+o.result.Detail)
		}
	}
	sort.Strings(problems)
	detail := strings.Join(problems, "; ")

	w.mu.Lock()
	for _, o := range results {
		w.results[o.name] = o.result
	}
	previous := w.state
	w.state = newState
	w.mu.Unlock()

	if newState == previous {
		return
	}

	w.logger.Info("health state changed",
		"previous", previous,
		"state", newState,
		"detail", detail,
	)
	w.bus.Fire(bus.Signal{
		Type:   transitionSignal(newState),
		Source: "watchdog",
		Payload: map[string]any{
			"previous": previous,
			"detail":   detail,
		},
	})
}

func transitionSignal(state string) bus.Type {
	switch state {
	case StateUnhealthy:
		return bus.TypeHealthUnhealthy
	case StateDegraded:
		return bus.TypeHealthDegraded
	default:
		return bus.TypeHealthRecovered
	}
}

// runCheck executes one check with a bounded wait. A check that
// ignores its context still cannot stall the tick.
func (w *Watchdog) runCheck(ctx context.Context, c *check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, w.checkTimeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- CheckResult{Status: StatusFail, Detail: fmt.Sprintf("check panic: %v", r)}
			}
		}()
		resCh <- c.fn(ctx)
	}()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res = CheckResult{Status: StatusFail, Detail: "check timed out"}
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	res.CheckedAt = time.Now().UTC()
	return res
}

// Status returns the current aggregate state, uptime, memory usage,
// and each check's most recent result.
func (w *Watchdog) Status() Report {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.mu.Lock()
	defer w.mu.Unlock()

	checks := make(map[string]CheckResult, len(w.results))
	for name, res := range w.results {
		checks[name] = res
	}
	uptime := time.Duration(0)
	if !w.startedAt.IsZero() {
		uptime = time.Since(w.startedAt)
	}
	return Report{
		State:  w.state,
		Uptime: uptime.Round(time.Second).String(),
		Memory: MemoryStats{
			AllocBytes:  m.Alloc,
			SysBytes:    m.Sys,
			HeapObjects: m.HeapObjects,
			NumGC:       m.NumGC,
			Goroutines:  runtime.NumGoroutine(),
		},
		Checks: checks,
	}
}
