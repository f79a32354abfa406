// Package agent implements the reference bus participant: it answers
// INCOMING_MESSAGE signals by calling the language-model provider with
// recent conversation history and firing exactly one OUTGOING_MESSAGE
// back on the same chatId and channel. Provider failures still produce
// a reply, so synchronous HTTP callers get an apology instead of a
// timeout.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/config"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/provider"
	"github.com/kenobot/kenobot/internal/usage"
)

const defaultSystemPrompt = "You are KenoBot, a personal assistant. " +
	"Be concise, direct, and helpful. Use the conversation history for context."

const (
	// apologyReply is sent when the provider call fails so the caller
	// is not left waiting for a timeout.
	apologyReply = "Sorry, I ran into a problem handling that. Please try again in a moment."
	// budgetReply is sent when the daily spend limit is exhausted.
	budgetReply = "I've hit today's spending limit and can't reach the model right now. I'll be able to respond again tomorrow."
)

// Config tunes the responder.
type Config struct {
	// HistoryLimit is how many recent messages feed each provider call
	// (default 20).
	HistoryLimit int
	// SystemPrompt overrides the default persona.
	SystemPrompt string
	// Pricing prices provider replies for the usage store.
	Pricing map[string]config.ModelPricing
}

// Deps holds the responder's collaborators. Usage and Budget are
// optional; without them calls are neither metered nor capped.
type Deps struct {
	Logger        *slog.Logger
	Bus           *bus.Bus
	Conversations *memory.ConversationStore
	Provider      provider.Client
	Usage         *usage.Store
	Budget        *usage.Budget
	Registry      *Registry
}

// Responder subscribes to INCOMING_MESSAGE and produces replies. Turns
// for the same chat run one at a time; different chats run
// concurrently.
type Responder struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	chatLocks   map[string]*sync.Mutex
}

// New creates a responder. Zero config fields take defaults.
func New(cfg Config, deps Deps) *Responder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(0)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Responder{
		cfg:       cfg,
		deps:      deps,
		chatLocks: make(map[string]*sync.Mutex),
	}
}

// Registry exposes the turn registry for the tasks API.
func (a *Responder) Registry() *Registry {
	return a.deps.Registry
}

// Start subscribes to the bus. Idempotent.
func (a *Responder) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.unsubscribe = a.deps.Bus.On(bus.TypeIncomingMessage, a.handleIncoming)
	a.deps.Logger.Info("agent responder started", "history_limit", a.cfg.HistoryLimit)
}

// Stop unsubscribes, cancels in-flight turns, and waits for them.
func (a *Responder) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	unsubscribe, cancel := a.unsubscribe, a.cancel
	a.mu.Unlock()

	unsubscribe()
	cancel()
	a.wg.Wait()
	a.deps.Logger.Info("agent responder stopped")
}

// handleIncoming runs on the bus dispatch goroutine; the turn itself
// runs in the background so firing callers are not blocked on the
// provider.
func (a *Responder) handleIncoming(sig bus.Signal) {
	text := sig.Str("text")
	chatID := sig.Str("chatId")
	channel := sig.Str("channel")
	if text == "" || chatID == "" {
		a.deps.Logger.Warn("incoming message missing text or chatId",
			"source", sig.Source,
			"trace_id", sig.TraceID,
		)
		return
	}

	// A dispatch already in flight when Stop runs must not Add to a
	// waited-on group.
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.respond(sig.Source, chatID, channel, text)
	}()
}

func (a *Responder) respond(source, chatID, channel, text string) {
	lock := a.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	ctx := a.ctx
	taskID := a.deps.Registry.Begin(chatID, channel)
	a.deps.Registry.Event(taskID, "received", source)

	if _, err := a.deps.Conversations.AppendMessage(ctx, chatID, "user", text); err != nil {
		a.deps.Logger.Error("record user message failed", "chat_id", chatID, "error", err)
	}

	a.deps.Bus.Fire(bus.Signal{
		Type:    bus.TypeThinkingStart,
		Source:  "agent",
		Payload: map[string]any{"chatId": chatID, "channel": channel},
	})
	a.deps.Registry.Event(taskID, "thinking", "")

	if a.deps.Budget != nil {
		if err := a.deps.Budget.Check(ctx); err != nil {
			a.failTurn(taskID, chatID, channel, "budget", err, budgetReply)
			return
		}
	}

	history, err := a.deps.Conversations.Messages(ctx, chatID, a.cfg.HistoryLimit)
	if err != nil {
		a.failTurn(taskID, chatID, channel, "history", err, apologyReply)
		return
	}

	msgs := make([]provider.Message, 0, len(history)+1)
	msgs = append(msgs, provider.Message{Role: "system", Content: a.cfg.SystemPrompt})
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := a.deps.Provider.Chat(ctx, provider.ChatRequest{Messages: msgs})
	if err != nil {
		a.failTurn(taskID, chatID, channel, "provider", err, apologyReply)
		return
	}
	a.deps.Registry.Event(taskID, "provider_reply", reply.Model)

	a.recordUsage(ctx, source, chatID, reply)

	if _, err := a.deps.Conversations.AppendMessage(ctx, chatID, "assistant", reply.Text); err != nil {
		a.deps.Logger.Error("record assistant message failed", "chat_id", chatID, "error", err)
	}

	a.deps.Bus.Fire(bus.Signal{
		Type:    bus.TypeOutgoingMessage,
		Source:  "agent",
		Payload: map[string]any{"text": reply.Text, "chatId": chatID, "channel": channel},
	})
	a.deps.Registry.Event(taskID, "reply_sent", "")
	a.deps.Registry.Finish(taskID, false)
}

// failTurn reports the error on the bus and still delivers a reply, so
// the incoming message gets its outgoing pair.
func (a *Responder) failTurn(taskID, chatID, channel, origin string, err error, reply string) {
	a.deps.Logger.Error("agent turn failed",
		"chat_id", chatID,
		"origin", origin,
		"error", err,
	)
	a.deps.Registry.Event(taskID, "error", err.Error())

	a.deps.Bus.Fire(bus.Signal{
		Type:    bus.TypeError,
		Source:  "agent",
		Payload: map[string]any{"origin": origin, "error": err.Error(), "chatId": chatID},
	})
	a.deps.Bus.Fire(bus.Signal{
		Type:    bus.TypeOutgoingMessage,
		Source:  "agent",
		Payload: map[string]any{"text": reply, "chatId": chatID, "channel": channel},
	})
	a.deps.Registry.Finish(taskID, true)
}

func (a *Responder) recordUsage(ctx context.Context, source, chatID string, reply *provider.ChatReply) {
	if a.deps.Usage == nil {
		return
	}
	origin := usage.OriginChat
	if source == "scheduler" {
		origin = usage.OriginScheduled
	}
	cost := usage.ComputeCost(reply.Model, reply.InputTokens, reply.OutputTokens, a.cfg.Pricing)
	err := a.deps.Usage.Record(ctx, usage.Record{
		ChatID:       chatID,
		Model:        reply.Model,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		CostUSD:      cost,
		Origin:       origin,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.deps.Logger.Warn("usage record failed", "error", err)
	}
}

func (a *Responder) chatLock(chatID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		a.chatLocks[chatID] = lock
	}
	return lock
}
