// Package bus provides the typed publish/subscribe fabric every KenoBot
// component communicates over. Dispatch is synchronous: Fire runs the
// middleware pipeline to completion, then invokes subscribers in
// registration order before returning. The bus is nil-safe: firing on a
// nil *Bus is a no-op, so optional components do not need guard checks.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives a dispatched signal. Handlers run synchronously on
// the firing goroutine; a handler that blocks delays every subscriber
// behind it.
type Handler func(Signal)

// Middleware observes a signal before dispatch. It may set the trace id
// and must leave everything else alone. Returning false inhibits the
// signal: no later middleware runs and no handler is invoked.
type Middleware func(*Signal) bool

// Stats is a snapshot of bus counters. Fired counts every Fire and Emit
// call; Inhibited counts the subset suppressed by middleware.
type Stats struct {
	Fired     uint64          `json:"fired"`
	Inhibited uint64          `json:"inhibited"`
	ByType    map[Type]uint64 `json:"byType"`
}

type subscription struct {
	id    uint64
	fn    Handler
	once  bool
	fired atomic.Bool
}

// Bus carries signals between components. Construct with New; a zero
// Bus is not usable.
type Bus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   map[Type][]*subscription
	middleware []Middleware
	nextID     uint64

	statsMu sync.Mutex
	stats   Stats

	auditMu sync.Mutex
	audit   *AuditTrail
}

// New creates a bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[Type][]*subscription),
		stats:    Stats{ByType: make(map[Type]uint64)},
	}
}

// On registers a handler for signals of type t. There is no bound on
// handler count. The returned cancel func removes the registration and
// is safe to call more than once.
func (b *Bus) On(t Type, fn Handler) (cancel func()) {
	return b.subscribe(t, fn, false)
}

// Once registers a handler that is invoked for at most one signal of
// type t, then removed. The returned cancel func removes it early.
func (b *Bus) Once(t Type, fn Handler) (cancel func()) {
	return b.subscribe(t, fn, true)
}

func (b *Bus) subscribe(t Type, fn Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn, once: once}
	b.handlers[t] = append(b.handlers[t], sub)
	id := sub.id
	return func() { b.remove(t, id) }
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, s := range subs {
		if s.id == id {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Use appends a middleware to the pipeline. Middleware runs in the
// order registered, before any handler sees the signal.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// SubscriberCount returns the number of handlers registered for t.
func (b *Bus) SubscriberCount(t Type) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// Fire constructs the final form of sig (minting a trace id and a
// timestamp when absent), runs the middleware pipeline, and dispatches
// to every handler registered for sig.Type at call time, in
// registration order. It returns the dispatched signal and true, or
// the signal and false when middleware inhibited delivery. A handler
// added during dispatch does not receive the current signal. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Fire(sig Signal) (Signal, bool) {
	if b == nil {
		return sig, false
	}
	fillDefaults(&sig, time.Now())
	b.count(sig.Type, false)

	for _, mw := range b.middlewareSnapshot() {
		if !b.runMiddleware(mw, &sig) {
			b.count(sig.Type, true)
			return sig, false
		}
	}

	b.record(sig)
	b.dispatch(sig)
	return sig, true
}

// Emit dispatches sig without running middleware. It exists for strict
// paths that must not loop through tracing or inhibition, such as the
// scheduler injecting messages. Prefer Fire. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Emit(sig Signal) Signal {
	if b == nil {
		return sig
	}
	fillDefaults(&sig, time.Now())
	b.count(sig.Type, false)
	b.record(sig)
	b.dispatch(sig)
	return sig
}

// runMiddleware invokes mw and recovers a panic. A panicking middleware
// is logged and treated as non-inhibiting.
func (b *Bus) runMiddleware(mw Middleware, sig *Signal) (deliver bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus middleware panicked",
				"type", sig.Type,
				"source", sig.Source,
				"panic", r)
			deliver = true
		}
	}()
	return mw(sig)
}

func (b *Bus) dispatch(sig Signal) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[sig.Type]))
	copy(subs, b.handlers[sig.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
		}
		b.invoke(s, sig)
		if s.once {
			b.remove(sig.Type, s.id)
		}
	}
}

// invoke runs one handler, converting a panic into a logged ERROR
// signal. When the failing signal is itself an ERROR the conversion is
// suppressed so a broken ERROR handler cannot recurse.
func (b *Bus) invoke(s *subscription, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal handler panicked",
				"type", sig.Type,
				"source", sig.Source,
				"trace_id", sig.TraceID,
				"panic", r)
			if sig.Type != TypeError {
				b.Fire(Signal{
					Type:    TypeError,
					Source:  "bus",
					TraceID: sig.TraceID,
					Payload: map[string]any{
						"error":      fmt.Sprint(r),
						"origin":     "handler panic",
						"signalType": string(sig.Type),
					},
				})
			}
		}
	}()
	s.fn(sig)
}

func (b *Bus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	return mws
}

func (b *Bus) count(t Type, inhibited bool) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if inhibited {
		b.stats.Inhibited++
		return
	}
	b.stats.Fired++
	b.stats.ByType[t]++
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	out := Stats{
		Fired:     b.stats.Fired,
		Inhibited: b.stats.Inhibited,
		ByType:    make(map[Type]uint64, len(b.stats.ByType)),
	}
	for t, n := range b.stats.ByType {
		out.ByType[t] = n
	}
	return out
}

// EnableAudit attaches an append-only JSONL audit trail at path. Every
// signal that reaches dispatch is recorded. Call once during wiring,
// before the bus carries traffic.
func (b *Bus) EnableAudit(path string) error {
	trail, err := NewAuditTrail(path, b.logger)
	if err != nil {
		return err
	}
	b.auditMu.Lock()
	b.audit = trail
	b.auditMu.Unlock()
	return nil
}

// AuditTrail returns the attached audit trail, or nil when auditing is
// disabled.
func (b *Bus) AuditTrail() *AuditTrail {
	if b == nil {
		return nil
	}
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	return b.audit
}

func (b *Bus) record(sig Signal) {
	if trail := b.AuditTrail(); trail != nil {
		trail.Record(sig)
	}
}

// Close releases the audit trail, if any. The bus itself holds no other
// resources.
func (b *Bus) Close() error {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	if b.audit == nil {
		return nil
	}
	err := b.audit.Close()
	b.audit = nil
	return err
}
