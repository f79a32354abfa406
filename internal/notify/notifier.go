// Package notify fans significant bus signals out to the owner: health
// transitions, ad-hoc notifications, and approval requests become an
// OUTGOING_MESSAGE on the owner's chat, with an optional email copy.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
)

// sinkTimeout bounds one delivery to the optional sink.
const sinkTimeout = 30 * time.Second

// Config selects where owner notifications go.
type Config struct {
	// OwnerChatID and OwnerChannel address the owner's conversation.
	// Leaving either empty disables the notifier.
	OwnerChatID  string
	OwnerChannel string
	// Cooldown suppresses repeats of the same signal type (default 5m).
	Cooldown time.Duration
}

// Sink is an extra delivery target beyond the owner chat.
type Sink interface {
	Deliver(ctx context.Context, subject, body string) error
}

// Notifier subscribes to notification-worthy signal types and forwards
// them to the owner. Repeats of one type inside the cooldown are
// dropped; distinct types never suppress each other, so a recovery is
// always delivered even right after the failure that preceded it.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus
	sink   Sink

	now func() time.Time

	mu       sync.Mutex
	started  bool
	lastSent map[bus.Type]time.Time
	cancels  []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a notifier. sink may be nil.
func New(cfg Config, logger *slog.Logger, b *bus.Bus, sink Sink) *Notifier {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		bus:      b,
		sink:     sink,
		now:      time.Now,
		lastSent: make(map[bus.Type]time.Time),
	}
}

// Start subscribes to the watched signal types. With no owner chat
// configured the notifier logs once and stays inert.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	if n.cfg.OwnerChatID == "" || n.cfg.OwnerChannel == "" {
		n.logger.Info("notifier disabled, no owner chat configured")
		return
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	for _, t := range []bus.Type{
		bus.TypeHealthDegraded,
		bus.TypeHealthUnhealthy,
		bus.TypeHealthRecovered,
		bus.TypeNotification,
		bus.TypeApprovalProposed,
	} {
		n.cancels = append(n.cancels, n.bus.On(t, n.handle))
	}
	n.started = true
	n.logger.Info("notifier started",
		"owner_chat", n.cfg.OwnerChatID,
		"owner_channel", n.cfg.OwnerChannel,
		"cooldown", n.cfg.Cooldown)
}

// Stop unsubscribes and waits for in-flight sink deliveries.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	cancels := n.cancels
	n.cancels = nil
	cancel := n.cancel
	n.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	cancel()
	n.wg.Wait()
}

func (n *Notifier) handle(sig bus.Signal) {
	subject, body := formatSignal(sig)
	if body == "" {
		return
	}

	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	now := n.now()
	if last, ok := n.lastSent[sig.Type]; ok && now.Sub(last) < n.cfg.Cooldown {
		n.mu.Unlock()
		n.logger.Debug("notification suppressed by cooldown", "type", sig.Type)
		return
	}
	n.lastSent[sig.Type] = now
	n.mu.Unlock()

	n.bus.Fire(bus.Signal{
		Type:   bus.TypeOutgoingMessage,
		Source: "notify",
		Payload: map[string]any{
			"text":    body,
			"chatId":  n.cfg.OwnerChatID,
			"channel": n.cfg.OwnerChannel,
		},
	})

	if n.sink == nil {
		return
	}
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	ctx := n.ctx
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		defer cancel()
		if err := n.sink.Deliver(ctx, subject, body); err != nil {
			n.logger.Warn("notification sink delivery failed",
				"subject", subject,
				"error", err)
		}
	}()
}

// formatSignal turns a signal into an email subject and an owner-facing
// body. An empty body means the signal carries nothing worth relaying.
func formatSignal(sig bus.Signal) (subject, body string) {
	switch sig.Type {
	case bus.TypeHealthDegraded:
		return "KenoBot health degraded", healthText("Health degraded", sig)
	case bus.TypeHealthUnhealthy:
		return "KenoBot unhealthy", healthText("Health checks failing", sig)
	case bus.TypeHealthRecovered:
		return "KenoBot recovered", healthText("Health recovered", sig)
	case bus.TypeNotification:
		title := sig.Str("title")
		message := sig.Str("message")
		if message == "" {
			message = sig.Str("text")
		}
		switch {
		case title == "" && message == "":
			return "", ""
		case title == "":
			return "KenoBot notification", message
		case message == "":
			return title, title
		default:
			return title, title + ": " + message
		}
	case bus.TypeApprovalProposed:
		title := sig.Str("title")
		if title == "" {
			title = "proposal"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Approval requested: %s", title)
		if summary := sig.Str("summary"); summary != "" {
			b.WriteString("\n")
			b.WriteString(summary)
		}
		if path := sig.Str("path"); path != "" {
			fmt.Fprintf(&b, "\nProposal: %s", path)
		}
		return "KenoBot approval requested: " + title, b.String()
	}
	return "", ""
}

func healthText(lead string, sig bus.Signal) string {
	text := lead
	if detail := sig.Str("detail"); detail != "" {
		text += ": " + detail
	}
	if previous := sig.Str("previous"); previous != "" {
		text += " (was " + previous + ")"
	}
	return text
}
