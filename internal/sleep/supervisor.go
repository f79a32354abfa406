// Package sleep implements the phased background consolidation cycle:
// consolidation, errorAnalysis, pruning, and selfImprovement run in
// order, each reducing recent interaction history into distilled
// memory, reclaimed storage, or an owner-facing proposal. One cycle
// runs at a time; a failed phase aborts the rest of the cycle.
package sleep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/config"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/provider"
	"github.com/kenobot/kenobot/internal/usage"
	"github.com/kenobot/kenobot/internal/watchdog"
)

// ErrAlreadyRunning is returned by Run while a cycle is in flight.
var ErrAlreadyRunning = errors.New("sleep cycle already running")

// Cycle statuses.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// State is the supervisor's externally visible condition.
type State struct {
	Status        string                    `json:"status"`
	LastRun       time.Time                 `json:"lastRun"`
	CurrentPhase  string                    `json:"currentPhase,omitempty"`
	Error         string                    `json:"error,omitempty"`
	PhaseCounters map[string]map[string]int `json:"phaseCounters,omitempty"`
}

// Config controls cycle cadence and retention.
type Config struct {
	// Period is the minimum spacing between cycles (default 24h).
	Period time.Duration
	// TargetHour gates cycles to one local hour of the day; -1
	// disables the gate.
	TargetHour int
	// RetentionDays bounds how long transient conversations survive
	// (default 14).
	RetentionDays int
	// DataDir anchors proposal files under <DataDir>/sleep/proposals.
	DataDir string
	// UpdateRepo is an "owner/name" GitHub repository probed for newer
	// releases during selfImprovement; empty disables the probe.
	UpdateRepo string
	// Pricing prices provider calls made by phases.
	Pricing map[string]config.ModelPricing
}

// Deps holds injected dependencies for the supervisor. Using a struct
// keeps construction stable as phases evolve. Provider, Usage, Health,
// and Releases are optional; phases fall back to cheaper behavior
// without them.
type Deps struct {
	Logger        *slog.Logger
	Bus           *bus.Bus
	Conversations *memory.ConversationStore
	LongTerm      *memory.LongTermStore
	Usage         *usage.Store
	Provider      provider.Client
	Health        func() watchdog.Report
	Releases      ReleaseChecker
}

type phase struct {
	name string
	run  func(ctx context.Context) (map[string]int, error)
}

// Supervisor owns the cycle state machine and the hourly trigger loop.
type Supervisor struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	running   bool
	state     State
	loopOn    bool
	cancel    context.CancelFunc
	done      chan struct{}
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New creates a supervisor. Zero config fields take defaults.
func New(cfg Config, deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 14
	}
	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		state: State{Status: StatusIdle},
	}
}

// Start launches the hourly trigger loop. Calling Start on a running
// supervisor is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.loopOn {
		s.mu.Unlock()
		return
	}
	s.loopOn = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.deps.Logger.Info("sleep supervisor started",
		"period", s.cfg.Period.String(),
		"target_hour", s.cfg.TargetHour,
	)
}

// Stop halts the trigger loop and waits for any in-flight cycle.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.loopOn {
		s.mu.Unlock()
		return
	}
	s.loopOn = false
	cancel, done, runCancel := s.cancel, s.done, s.runCancel
	s.mu.Unlock()

	cancel()
	<-done
	if runCancel != nil {
		runCancel()
	}
	s.runWG.Wait()
	s.deps.Logger.Info("sleep supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.ShouldRun(now) {
				continue
			}
			if err := s.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.deps.Logger.Warn("sleep cycle failed", "error", err)
			}
		}
	}
}

// ShouldRun reports whether a cycle is due: never run, or a full
// period has elapsed, subject to the target-hour gate.
func (s *Supervisor) ShouldRun(now time.Time) bool {
	s.mu.Lock()
	last := s.state.LastRun
	running := s.running
	s.mu.Unlock()

	if running {
		return false
	}
	if s.cfg.TargetHour >= 0 && now.Hour() != s.cfg.TargetHour {
		return false
	}
	if last.IsZero() {
		return true
	}
	return !now.Before(last.Add(s.cfg.Period))
}

// TriggerAsync starts a cycle in the background unless one is already
// in flight, reporting whether a new cycle was started.
func (s *Supervisor) TriggerAsync() bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return false
	}
	go func() {
		if err := s.Run(context.Background()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.deps.Logger.Warn("sleep cycle failed", "error", err)
		}
	}()
	return true
}

// Run executes one full cycle. A second Run while one is in flight
// returns [ErrAlreadyRunning]; there is no queueing. The first phase
// failure marks the cycle failed and skips the remaining phases.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runWG.Add(1)
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.state.Status = StatusRunning
	s.state.Error = ""
	s.state.PhaseCounters = make(map[string]map[string]int)
	s.mu.Unlock()

	defer s.runWG.Done()
	defer cancel()

	started := time.Now()
	s.deps.Logger.Info("sleep cycle starting")

	var failed error
	for _, p := range s.phases() {
		s.mu.Lock()
		s.state.CurrentPhase = p.name
		s.mu.Unlock()

		counters, err := p.run(runCtx)
		if err != nil {
			failed = fmt.Errorf("%s: %w", p.name, err)
			break
		}
		s.mu.Lock()
		s.state.PhaseCounters[p.name] = counters
		s.mu.Unlock()
		s.deps.Logger.Info("sleep phase complete", "phase", p.name, "counters", counters)
	}

	s.mu.Lock()
	s.state.CurrentPhase = ""
	s.state.LastRun = time.Now().UTC()
	if failed != nil {
		s.state.Status = StatusFailed
		s.state.Error = failed.Error()
	} else {
		s.state.Status = StatusSuccess
	}
	s.running = false
	s.mu.Unlock()

	if failed != nil {
		s.deps.Logger.Error("sleep cycle failed",
			"error", failed,
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
		return failed
	}
	s.deps.Logger.Info("sleep cycle complete",
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// Status returns a copy of the cycle state.
func (s *Supervisor) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if s.state.PhaseCounters != nil {
		st.PhaseCounters = make(map[string]map[string]int, len(s.state.PhaseCounters))
		for name, counters := range s.state.PhaseCounters {
			inner := make(map[string]int, len(counters))
			for k, v := range counters {
				inner[k] = v
			}
			st.PhaseCounters[name] = inner
		}
	}
	return st
}

func (s *Supervisor) phases() []phase {
	return []phase{
		{"consolidation", s.consolidate},
		{"errorAnalysis", s.analyzeErrors},
		{"pruning", s.prune},
		{"selfImprovement", s.improve},
	}
}
