package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []string // "subject|body"
	err       error
}

func (f *fakeSink) Deliver(_ context.Context, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, subject+"|"+body)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type notifyEnv struct {
	n    *Notifier
	bus  *bus.Bus
	sink *fakeSink

	mu  sync.Mutex
	out []bus.Signal
}

func setupNotifier(t *testing.T, mutate func(*Config)) *notifyEnv {
	t.Helper()
	env := &notifyEnv{
		bus:  bus.New(testLogger()),
		sink: &fakeSink{},
	}
	env.bus.On(bus.TypeOutgoingMessage, func(sig bus.Signal) {
		env.mu.Lock()
		env.out = append(env.out, sig)
		env.mu.Unlock()
	})

	cfg := Config{
		OwnerChatID:  "relay-owner",
		OwnerChannel: "relay",
		Cooldown:     time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.n = New(cfg, testLogger(), env.bus, env.sink)
	env.n.Start()
	t.Cleanup(env.n.Stop)
	return env
}

func (e *notifyEnv) outgoing() []bus.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]bus.Signal, len(e.out))
	copy(out, e.out)
	return out
}

func TestNotifierForwardsHealthTransition(t *testing.T) {
	env := setupNotifier(t, nil)

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeHealthUnhealthy,
		Source:  "watchdog",
		Payload: map[string]any{"detail": "provider: breaker open", "previous": "healthy"},
	})

	out := env.outgoing()
	if len(out) != 1 {
		t.Fatalf("outgoing signals = %d, want 1", len(out))
	}
	sig := out[0]
	if got := sig.Str("chatId"); got != "relay-owner" {
		t.Errorf("chatId = %q, want relay-owner", got)
	}
	if got := sig.Str("channel"); got != "relay" {
		t.Errorf("channel = %q, want relay", got)
	}
	text := sig.Str("text")
	if !strings.Contains(text, "breaker open") {
		t.Errorf("text = %q, want check detail included", text)
	}
	if !strings.Contains(text, "was healthy") {
		t.Errorf("text = %q, want previous state included", text)
	}

	env.n.Stop() // waits for the sink goroutine
	if env.sink.count() != 1 {
		t.Fatalf("sink deliveries = %d, want 1", env.sink.count())
	}
	env.sink.mu.Lock()
	delivered := env.sink.delivered[0]
	env.sink.mu.Unlock()
	if !strings.HasPrefix(delivered, "KenoBot unhealthy|") {
		t.Errorf("sink delivery = %q, want unhealthy subject", delivered)
	}
}

func TestNotifierCooldownSuppressesRepeats(t *testing.T) {
	env := setupNotifier(t, nil)

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	env.n.now = func() time.Time { return now }

	unhealthy := bus.Signal{
		Type:    bus.TypeHealthUnhealthy,
		Source:  "watchdog",
		Payload: map[string]any{"detail": "memory: rss high"},
	}
	env.bus.Fire(unhealthy)
	env.bus.Fire(unhealthy)
	if got := len(env.outgoing()); got != 1 {
		t.Fatalf("outgoing after repeat = %d, want 1", got)
	}

	// Past the cooldown the same type goes through again.
	now = now.Add(2 * time.Minute)
	env.bus.Fire(unhealthy)
	if got := len(env.outgoing()); got != 2 {
		t.Fatalf("outgoing after cooldown = %d, want 2", got)
	}
}

func TestNotifierDistinctTypesNotSuppressed(t *testing.T) {
	env := setupNotifier(t, nil)

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeHealthUnhealthy,
		Source:  "watchdog",
		Payload: map[string]any{"detail": "provider: breaker open"},
	})
	env.bus.Fire(bus.Signal{
		Type:    bus.TypeHealthRecovered,
		Source:  "watchdog",
		Payload: map[string]any{"previous": "unhealthy"},
	})

	out := env.outgoing()
	if len(out) != 2 {
		t.Fatalf("outgoing = %d, want both transitions delivered", len(out))
	}
	if !strings.Contains(out[1].Str("text"), "recovered") {
		t.Errorf("second text = %q, want recovery notice", out[1].Str("text"))
	}
}

func TestNotifierApprovalProposed(t *testing.T) {
	env := setupNotifier(t, nil)

	env.bus.Fire(bus.Signal{
		Type:   bus.TypeApprovalProposed,
		Source: "sleep",
		Payload: map[string]any{
			"title":   "Sleep cycle report 2026-05-04",
			"path":    "/data/sleep/proposals/20260504T050000Z.md",
			"summary": "today $0.1200; health healthy",
		},
	})

	out := env.outgoing()
	if len(out) != 1 {
		t.Fatalf("outgoing = %d, want 1", len(out))
	}
	text := out[0].Str("text")
	for _, want := range []string{"Sleep cycle report 2026-05-04", "today $0.1200", "20260504T050000Z.md"} {
		if !strings.Contains(text, want) {
			t.Errorf("text = %q, want %q included", text, want)
		}
	}
}

func TestNotifierNotificationFallbacks(t *testing.T) {
	env := setupNotifier(t, nil)

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeNotification,
		Source:  "scheduler",
		Payload: map[string]any{"text": "backup finished"},
	})
	env.bus.Fire(bus.Signal{
		Type:    bus.TypeNotification,
		Source:  "scheduler",
		Payload: map[string]any{},
	})

	out := env.outgoing()
	if len(out) != 1 {
		t.Fatalf("outgoing = %d, want 1 (empty notification dropped)", len(out))
	}
	if got := out[0].Str("text"); got != "backup finished" {
		t.Errorf("text = %q, want backup finished", got)
	}
}

func TestNotifierDisabledWithoutOwner(t *testing.T) {
	env := setupNotifier(t, func(cfg *Config) { cfg.OwnerChatID = "" })

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeHealthUnhealthy,
		Source:  "watchdog",
		Payload: map[string]any{"detail": "anything"},
	})
	if got := len(env.outgoing()); got != 0 {
		t.Fatalf("outgoing = %d, want 0 when disabled", got)
	}
}

func TestNotifierSinkErrorDoesNotBlockOwnerMessage(t *testing.T) {
	env := setupNotifier(t, nil)
	env.sink.err = errors.New("smtp down")

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeHealthDegraded,
		Source:  "watchdog",
		Payload: map[string]any{"detail": "memory: rss high"},
	})

	if got := len(env.outgoing()); got != 1 {
		t.Fatalf("outgoing = %d, want 1 despite sink failure", got)
	}
}

func TestNotifierStopIsIdempotent(t *testing.T) {
	env := setupNotifier(t, nil)
	env.n.Stop()
	env.n.Stop()

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeHealthUnhealthy,
		Source:  "watchdog",
		Payload: map[string]any{"detail": "late"},
	})
	if got := len(env.outgoing()); got != 0 {
		t.Fatalf("outgoing after stop = %d, want 0", got)
	}
}
