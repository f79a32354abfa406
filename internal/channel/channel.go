// Package channel connects chat transports to the bus. Each adapter
// implements Channel; the Registry subscribes to OUTGOING_MESSAGE and
// hands every signal to exactly the adapter whose name matches the
// signal's channel field. The correlator channels "api" and "webhook"
// belong to the HTTP server and are never registered here.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
)

// sendTimeout bounds one outbound delivery.
const sendTimeout = 30 * time.Second

// reservedNames are claimed by the request/response correlator.
var reservedNames = []string{"api", "webhook"}

// Channel is a chat transport adapter. Start brings the transport up,
// Send delivers one message to a chat, Stop tears the transport down.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
}

// Allowed reports whether userID may talk through a channel restricted
// to the given user list. An empty list allows everyone.
func Allowed(userID string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, userID)
}

// Registry routes outgoing messages to adapters by channel name.
type Registry struct {
	logger *slog.Logger
	bus    *bus.Bus

	mu          sync.Mutex
	channels    map[string]Channel
	started     bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger, b *bus.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		bus:      b,
		channels: make(map[string]Channel),
	}
}

// Register adds an adapter. Names must be unique and must not collide
// with the correlator's reserved names.
func (r *Registry) Register(ch Channel) error {
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("channel has no name")
	}
	if slices.Contains(reservedNames, name) {
		return fmt.Errorf("channel name %q is reserved for the correlator", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("register %q: registry already started", name)
	}
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = ch
	return nil
}

// Size returns the number of registered adapters.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Start brings every adapter up and subscribes to outgoing messages.
// On failure the already-started adapters are stopped again.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	var started []Channel
	for _, ch := range channels {
		if err := ch.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					r.logger.Warn("channel stop during rollback failed",
						"channel", started[i].Name(),
						"error", stopErr)
				}
			}
			return fmt.Errorf("start channel %q: %w", ch.Name(), err)
		}
		started = append(started, ch)
	}

	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.unsubscribe = r.bus.On(bus.TypeOutgoingMessage, r.handleOutgoing)
	r.started = true
	r.mu.Unlock()

	r.logger.Info("channel registry started", "channels", len(channels))
	return nil
}

// Stop unsubscribes, waits for in-flight sends, and stops the adapters.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	cancel := r.cancel
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	unsubscribe()
	cancel()
	r.wg.Wait()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Stop(ctx); err != nil {
			r.logger.Warn("channel stop failed", "channel", ch.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// handleOutgoing delivers one OUTGOING_MESSAGE to the adapter named by
// its channel field. Correlator channels are skipped; the server holds
// those replies. Delivery runs in its own goroutine so a slow
// transport never blocks bus dispatch.
func (r *Registry) handleOutgoing(sig bus.Signal) {
	name := sig.Str("channel")
	if name == "" || slices.Contains(reservedNames, name) {
		return
	}

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("no adapter for outgoing channel", "channel", name)
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()

	chatID := sig.Str("chatId")
	text := sig.Str("text")
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := ch.Send(ctx, chatID, text); err != nil {
			r.logger.Error("channel send failed",
				"channel", name,
				"chat_id", chatID,
				"error", err)
		}
	}()
}
