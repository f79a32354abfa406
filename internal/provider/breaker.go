package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState names the three circuit states.
type BreakerState string

const (
	// StateClosed passes every call through.
	StateClosed BreakerState = "CLOSED"
	// StateOpen fails every call fast without touching the provider.
	StateOpen BreakerState = "OPEN"
	// StateHalfOpen admits a single probe call after the cooldown.
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// ErrOpen is returned for calls rejected while the circuit is open.
var ErrOpen = errors.New("provider circuit open")

// BreakerStatus is a snapshot for health checks and the stats API.
type BreakerStatus struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
}

// Breaker wraps a Client with a three-state circuit. Transitions:
// CLOSED opens after threshold consecutive failures; OPEN moves to
// HALF_OPEN once the cooldown elapses; the HALF_OPEN probe's outcome
// decides between CLOSED and a fresh OPEN.
type Breaker struct {
	client    Client
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker wraps client. threshold must be at least 1; cooldown at
// least a millisecond.
func NewBreaker(client Client, threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		client:    client,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		state:     StateClosed,
	}
}

// Chat forwards to the wrapped client unless the circuit rejects the
// call. Rejections return ErrOpen without invoking the provider.
func (b *Breaker) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	reply, err := b.client.Chat(ctx, req)
	b.observe(ctx, err)
	return reply, err
}

// Status reports the current state, applying the OPEN to HALF_OPEN
// transition when the cooldown has elapsed so pollers see the same
// state a caller would.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(time.Now())
	return BreakerStatus{State: b.state, Failures: b.failures}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked(time.Now())

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			// One probe at a time; everyone else waits out the verdict.
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return ErrOpen
	}
}

func (b *Breaker) observe(ctx context.Context, err error) {
	// Caller cancellation is not a provider fault.
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		b.mu.Lock()
		if b.state == StateHalfOpen {
			b.probing = false
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.threshold {
				b.openLocked()
			}
		case StateHalfOpen:
			b.openLocked()
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.logger.Info("provider circuit closed")
	}
}

// openLocked trips the circuit. Caller holds b.mu.
func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.probing = false
	b.logger.Warn("provider circuit opened",
		"failures", b.failures,
		"cooldown", b.cooldown)
}

// maybeHalfOpenLocked applies the time-based OPEN to HALF_OPEN
// transition. Caller holds b.mu.
func (b *Breaker) maybeHalfOpenLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
		b.logger.Info("provider circuit half-open")
	}
}
