package agent

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/provider"
	"github.com/kenobot/kenobot/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClient struct {
	mu      sync.Mutex
	text    string
	delay   time.Duration
	inUse   atomic.Int32
	overlap atomic.Bool
	calls   int
}

func (c *fixedClient) Chat(_ context.Context, _ provider.ChatRequest) (*provider.ChatReply, error) {
	if c.inUse.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inUse.Add(-1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &provider.ChatReply{Text: c.text, Model: "gpt-4o-mini", InputTokens: 10, OutputTokens: 5}, nil
}

type failingClient struct{}

func (failingClient) Chat(_ context.Context, _ provider.ChatRequest) (*provider.ChatReply, error) {
	return nil, errors.New("upstream down")
}

type responderEnv struct {
	resp  *Responder
	bus   *bus.Bus
	convs *memory.ConversationStore
	us    *usage.Store
	out   chan bus.Signal
	errs  chan bus.Signal
}

func setupResponder(t *testing.T, client provider.Client, mutate func(*Config, *Deps)) *responderEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	convs, err := memory.NewConversationStore(db)
	if err != nil {
		t.Fatalf("NewConversationStore: %v", err)
	}
	us, err := usage.NewStore(db)
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	b := bus.New(testLogger())

	env := &responderEnv{
		bus:   b,
		convs: convs,
		us:    us,
		out:   make(chan bus.Signal, 8),
		errs:  make(chan bus.Signal, 8),
	}
	b.On(bus.TypeOutgoingMessage, func(sig bus.Signal) { env.out <- sig })
	b.On(bus.TypeError, func(sig bus.Signal) { env.errs <- sig })

	cfg := Config{}
	deps := Deps{
		Logger:        testLogger(),
		Bus:           b,
		Conversations: convs,
		Provider:      client,
		Usage:         us,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	env.resp = New(cfg, deps)
	env.resp.Start()
	t.Cleanup(env.resp.Stop)
	return env
}

func awaitSignal(t *testing.T, ch chan bus.Signal) bus.Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no signal within 2s")
		return bus.Signal{}
	}
}

func fireIncoming(env *responderEnv, source, chatID, channel, text string) {
	env.bus.Fire(bus.Signal{
		Type:   bus.TypeIncomingMessage,
		Source: source,
		Payload: map[string]any{
			"text":    text,
			"chatId":  chatID,
			"userId":  source,
			"channel": channel,
		},
	})
}

func TestRespondHappyPath(t *testing.T) {
	client := &fixedClient{text: "General Kenobi!"}
	env := setupResponder(t, client, nil)

	fireIncoming(env, "api", "api-abc", "api", "Hello there!")

	reply := awaitSignal(t, env.out)
	if got := reply.Str("text"); got != "General Kenobi!" {
		t.Errorf("reply text = %q, want %q", got, "General Kenobi!")
	}
	if reply.Str("chatId") != "api-abc" || reply.Str("channel") != "api" {
		t.Errorf("reply addressed to %s/%s, want api-abc/api",
			reply.Str("chatId"), reply.Str("channel"))
	}

	ctx := context.Background()
	msgs, err := env.convs.Messages(ctx, "api-abc", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("history = %+v, want user then assistant", msgs)
	}

	byOrigin, err := env.us.SummaryByOrigin(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByOrigin: %v", err)
	}
	if sum, ok := byOrigin[usage.OriginChat]; !ok || sum.TotalRecords != 1 {
		t.Errorf("chat usage = %+v, want one record", byOrigin)
	}

	tasks := env.resp.Registry().Active()
	if len(tasks) != 0 {
		t.Errorf("Active() = %+v, want none after the turn finished", tasks)
	}
}

func TestProviderErrorStillReplies(t *testing.T) {
	env := setupResponder(t, failingClient{}, nil)

	fireIncoming(env, "webhook", "webhook-7", "webhook", "Hello there!")

	reply := awaitSignal(t, env.out)
	if got := reply.Str("text"); got != apologyReply {
		t.Errorf("reply = %q, want apology", got)
	}
	if reply.Str("chatId") != "webhook-7" || reply.Str("channel") != "webhook" {
		t.Errorf("apology addressed to %s/%s, want webhook-7/webhook",
			reply.Str("chatId"), reply.Str("channel"))
	}

	errSig := awaitSignal(t, env.errs)
	if errSig.Str("origin") != "provider" {
		t.Errorf("error origin = %q, want provider", errSig.Str("origin"))
	}

	select {
	case extra := <-env.out:
		t.Errorf("second OUTGOING_MESSAGE fired: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBudgetExhaustedReplies(t *testing.T) {
	client := &fixedClient{text: "should not be reached"}
	env := setupResponder(t, client, func(_ *Config, deps *Deps) {
		deps.Budget = usage.NewBudget(deps.Usage, 0.5)
	})

	// Spend past the limit before the turn.
	err := env.us.Record(context.Background(), usage.Record{
		ChatID: "api-abc", Model: "gpt-4o", CostUSD: 1.0, Origin: usage.OriginChat,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	fireIncoming(env, "api", "api-abc", "api", "Hello there!")

	reply := awaitSignal(t, env.out)
	if got := reply.Str("text"); got != budgetReply {
		t.Errorf("reply = %q, want budget apology", got)
	}
	errSig := awaitSignal(t, env.errs)
	if errSig.Str("origin") != "budget" {
		t.Errorf("error origin = %q, want budget", errSig.Str("origin"))
	}
	if client.calls != 0 {
		t.Errorf("provider called %d times past the budget, want 0", client.calls)
	}
}

func TestSameChatTurnsSerialized(t *testing.T) {
	client := &fixedClient{text: "ok", delay: 30 * time.Millisecond}
	env := setupResponder(t, client, nil)

	fireIncoming(env, "api", "api-abc", "api", "first")
	fireIncoming(env, "api", "api-abc", "api", "second")

	awaitSignal(t, env.out)
	awaitSignal(t, env.out)

	if client.overlap.Load() {
		t.Error("turns for the same chat overlapped")
	}
	if client.calls != 2 {
		t.Errorf("provider calls = %d, want 2", client.calls)
	}
}

func TestScheduledMessagesMeteredSeparately(t *testing.T) {
	client := &fixedClient{text: "done"}
	env := setupResponder(t, client, nil)

	fireIncoming(env, "scheduler", "api-abc", "api", "run the morning brief")
	awaitSignal(t, env.out)

	byOrigin, err := env.us.SummaryByOrigin(context.Background(),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByOrigin: %v", err)
	}
	if sum, ok := byOrigin[usage.OriginScheduled]; !ok || sum.TotalRecords != 1 {
		t.Errorf("scheduled usage = %+v, want one record", byOrigin)
	}
}

func TestIgnoresIncompletePayload(t *testing.T) {
	client := &fixedClient{text: "ok"}
	env := setupResponder(t, client, nil)

	env.bus.Fire(bus.Signal{
		Type:    bus.TypeIncomingMessage,
		Source:  "api",
		Payload: map[string]any{"chatId": "api-abc", "channel": "api"},
	})

	select {
	case sig := <-env.out:
		t.Errorf("reply to empty message: %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoTurnsAfterStop(t *testing.T) {
	client := &fixedClient{text: "ok"}
	env := setupResponder(t, client, nil)

	env.resp.Stop()
	fireIncoming(env, "api", "api-abc", "api", "Hello there!")

	select {
	case sig := <-env.out:
		t.Errorf("reply after Stop: %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}
