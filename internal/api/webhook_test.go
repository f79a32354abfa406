package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kenobot/kenobot/internal/bus"
)

func hmacHex(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal webhook body: %v (body %q)", err, w.Body.String())
	}
	return body
}

func TestWebhookRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	scriptReplies(env.bus, map[string]string{"Hello there!": "General Kenobi!"})

	var mu sync.Mutex
	var incoming []bus.Signal
	env.bus.On(bus.TypeIncomingMessage, func(sig bus.Signal) {
		mu.Lock()
		incoming = append(incoming, sig)
		mu.Unlock()
	})

	w := env.postWebhook(t, `{"message":"Hello there!","chat_id":"obiwan"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	body := webhookBody(t, w)
	if body["response"] != "General Kenobi!" {
		t.Errorf("response = %q, want %q", body["response"], "General Kenobi!")
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(incoming) != 1 {
		t.Fatalf("incoming signals = %d, want 1", len(incoming))
	}
	sig := incoming[0]
	if got := sig.Str("chatId"); got != "webhook-obiwan" {
		t.Errorf("chatId = %q, want webhook-obiwan", got)
	}
	if got := sig.Str("channel"); got != "webhook" {
		t.Errorf("channel = %q, want webhook", got)
	}
	if got := sig.Str("userId"); got != "webhook" {
		t.Errorf("userId = %q, want webhook", got)
	}
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := `{"message":"Hello there!"}`

	cases := []struct {
		name   string
		header string
	}{
		{"absent", ""},
		{"wrong key", "sha256=" + hmacHex([]byte("wrong"), []byte(payload))},
		{"uppercase hex", "sha256=" + strings.ToUpper(hmacHex([]byte(testSecret), []byte(payload)))},
		{"no prefix", hmacHex([]byte(testSecret), []byte(payload))},
		{"garbage", "sha256=zz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
			if tc.header != "" {
				req.Header.Set("X-Webhook-Signature", tc.header)
			}
			w := httptest.NewRecorder()
			env.srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			body := webhookBody(t, w)
			if body["error"] != "invalid signature" {
				t.Errorf("error = %q, want %q", body["error"], "invalid signature")
			}
			if body["status"] != "error" {
				t.Errorf("status = %q, want error", body["status"])
			}
		})
	}
}

func TestWebhookNoSecretConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) { cfg.WebhookSecret = "" })

	payload := `{"message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "sha256="+hmacHex(nil, []byte(payload)))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"not json", `{nope`, "invalid JSON"},
		{"message absent", `{"chat_id":"x"}`, "message is required"},
		{"message not a string", `{"message":42}`, "message is required"},
		{"message empty", `{"message":""}`, "message is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.postWebhook(t, tc.payload)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := webhookBody(t, w)
			if body["error"] != tc.wantErr {
				t.Errorf("error = %q, want %q", body["error"], tc.wantErr)
			}
		})
	}
}

func TestWebhookTimeoutLeavesNothingPending(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.WebhookTimeout = 40 * time.Millisecond
	})
	// Nothing answers on the bus.

	w := env.postWebhook(t, `{"message":"anyone home?"}`)
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", w.Code)
	}
	body := webhookBody(t, w)
	if body["error"] != "timeout" {
		t.Errorf("error = %q, want timeout", body["error"])
	}
	if n := env.srv.pending.size(); n != 0 {
		t.Errorf("pending size = %d, want 0", n)
	}
}

func TestWebhookLateReplyDropped(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.WebhookTimeout = 30 * time.Millisecond
	})

	var captured bus.Signal
	var mu sync.Mutex
	env.bus.On(bus.TypeIncomingMessage, func(sig bus.Signal) {
		mu.Lock()
		captured = sig
		mu.Unlock()
	})

	w := env.postWebhook(t, `{"message":"slow","chat_id":"laggy"}`)
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", w.Code)
	}

	// The reply shows up after the caller gave up; it must be dropped
	// without disturbing the table.
	mu.Lock()
	chatID := captured.Str("chatId")
	mu.Unlock()
	env.bus.Fire(bus.Signal{
		Type:    bus.TypeOutgoingMessage,
		Source:  "agent",
		Payload: map[string]any{"text": "too late", "chatId": chatID, "channel": "webhook"},
	})
	if n := env.srv.pending.size(); n != 0 {
		t.Errorf("pending size = %d, want 0", n)
	}
}

func TestWebhookTransientChatGetsUUID(t *testing.T) {
	env := newTestEnv(t, nil)
	scriptReplies(env.bus, nil)

	var mu sync.Mutex
	var chatID string
	env.bus.On(bus.TypeIncomingMessage, func(sig bus.Signal) {
		mu.Lock()
		chatID = sig.Str("chatId")
		mu.Unlock()
	})

	w := env.postWebhook(t, `{"message":"one-shot"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, err := uuid.Parse(chatID); err != nil {
		t.Errorf("chatId = %q, want bare UUID", chatID)
	}
	if strings.HasPrefix(chatID, "webhook-") {
		t.Errorf("chatId = %q, want no channel prefix", chatID)
	}
}

func TestWebhookSingleFlightPerChat(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.WebhookTimeout = 500 * time.Millisecond
	})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.postWebhook(t, `{"message":"first","chat_id":"dup"}`)
	}()
	waitFor(t, func() bool { return env.srv.pending.size() == 1 })

	w := env.postWebhook(t, `{"message":"second","chat_id":"dup"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("duplicate status = %d, want 500", w.Code)
	}
	body := webhookBody(t, w)
	if body["error"] != "request already in flight" {
		t.Errorf("error = %q, want in-flight notice", body["error"])
	}

	// Unblock the first caller.
	env.bus.Fire(bus.Signal{
		Type:    bus.TypeOutgoingMessage,
		Source:  "agent",
		Payload: map[string]any{"text": "done", "chatId": "webhook-dup", "channel": "webhook"},
	})
	first := <-done
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}
}
