package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	name     string
	startErr error

	mu       sync.Mutex
	started  bool
	stopped  bool
	sent     []string // "chatID|text"
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeChannel) Send(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
	return nil
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 2s")
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		allowed []string
		want    bool
	}{
		{"empty list allows everyone", "anyone", nil, true},
		{"listed user", "kenobi", []string{"kenobi", "yoda"}, true},
		{"unlisted user", "grievous", []string{"kenobi", "yoda"}, false},
		{"empty user against list", "", []string{"kenobi"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.userID, tt.allowed); got != tt.want {
				t.Errorf("Allowed(%q, %v) = %v, want %v", tt.userID, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestRegistryRoutesByChannelName(t *testing.T) {
	b := bus.New(testLogger())
	reg := NewRegistry(testLogger(), b)
	first := &fakeChannel{name: "relay"}
	second := &fakeChannel{name: "pager"}
	for _, ch := range []Channel{first, second} {
		if err := reg.Register(ch); err != nil {
			t.Fatalf("Register(%s) error = %v", ch.Name(), err)
		}
	}
	if err := reg.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { reg.Stop(context.Background()) })

	b.Fire(bus.Signal{
		Type:   bus.TypeOutgoingMessage,
		Source: "agent",
		Payload: map[string]any{
			"text":    "hello there",
			"chatId":  "relay-42",
			"channel": "relay",
		},
	})

	waitFor(t, func() bool { return first.sendCount() == 1 })
	first.mu.Lock()
	got := first.sent[0]
	first.mu.Unlock()
	if got != "relay-42|hello there" {
		t.Errorf("delivered = %q, want relay-42|hello there", got)
	}
	if second.sendCount() != 0 {
		t.Errorf("second channel got %d sends, want 0", second.sendCount())
	}
}

func TestRegistrySkipsCorrelatorChannels(t *testing.T) {
	b := bus.New(testLogger())
	reg := NewRegistry(testLogger(), b)
	ch := &fakeChannel{name: "relay"}
	if err := reg.Register(ch); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { reg.Stop(context.Background()) })

	for _, name := range []string{"api", "webhook", "ghost", ""} {
		b.Fire(bus.Signal{
			Type:    bus.TypeOutgoingMessage,
			Source:  "agent",
			Payload: map[string]any{"text": "x", "chatId": "y", "channel": name},
		})
	}

	// Give any stray delivery a moment to land.
	time.Sleep(50 * time.Millisecond)
	if got := ch.sendCount(); got != 0 {
		t.Errorf("sends = %d, want 0 for correlator and unknown channels", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(testLogger(), bus.New(testLogger()))
	if err := reg.Register(&fakeChannel{name: "relay"}); err != nil {
		t.Fatalf("Register(relay) error = %v", err)
	}

	tests := []struct {
		name string
		ch   Channel
	}{
		{"duplicate", &fakeChannel{name: "relay"}},
		{"reserved api", &fakeChannel{name: "api"}},
		{"reserved webhook", &fakeChannel{name: "webhook"}},
		{"empty name", &fakeChannel{name: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.ch); err == nil {
				t.Errorf("Register(%q) accepted, want error", tt.ch.Name())
			}
		})
	}

	if got := reg.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}

func TestRegistryStartRollsBackOnFailure(t *testing.T) {
	reg := NewRegistry(testLogger(), bus.New(testLogger()))
	boom := errors.New("transport down")

	// Register enough channels that at least one starts before the
	// failing one regardless of map order.
	var healthy []*fakeChannel
	for i := 0; i < 4; i++ {
		ch := &fakeChannel{name: fmt.Sprintf("ch%d", i)}
		healthy = append(healthy, ch)
		if err := reg.Register(ch); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if err := reg.Register(&fakeChannel{name: "broken", startErr: boom}); err != nil {
		t.Fatalf("Register(broken) error = %v", err)
	}

	err := reg.Start(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
	for _, ch := range healthy {
		ch.mu.Lock()
		started, stopped := ch.started, ch.stopped
		ch.mu.Unlock()
		if started && !stopped {
			t.Errorf("channel %s left running after failed start", ch.name)
		}
	}
}

func TestRegistryStopPreventsFurtherDelivery(t *testing.T) {
	b := bus.New(testLogger())
	reg := NewRegistry(testLogger(), b)
	ch := &fakeChannel{name: "relay"}
	if err := reg.Register(ch); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := reg.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	ch.mu.Lock()
	stopped := ch.stopped
	ch.mu.Unlock()
	if !stopped {
		t.Error("adapter not stopped")
	}

	b.Fire(bus.Signal{
		Type:    bus.TypeOutgoingMessage,
		Source:  "agent",
		Payload: map[string]any{"text": "late", "chatId": "relay-1", "channel": "relay"},
	})
	time.Sleep(50 * time.Millisecond)
	if got := ch.sendCount(); got != 0 {
		t.Errorf("sends after stop = %d, want 0", got)
	}
}
