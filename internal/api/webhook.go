package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kenobot/kenobot/internal/bus"
)

const maxWebhookBody = 1 << 20

// webhookRequest is the signed webhook payload. Message stays untyped
// so a non-string value can be rejected explicitly rather than as a
// generic decode error.
type webhookRequest struct {
	Message any    `json:"message"`
	ChatID  string `json:"chat_id"`
}

// handleWebhook verifies the body signature, fires the message at the
// agent, and holds the connection until the reply or the timeout. The
// webhook speaks a flat JSON dialect, not the REST envelope.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.writeWebhookError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.validSignature(body, r.Header.Get("X-Webhook-Signature")) {
		s.writeWebhookError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeWebhookError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	message, ok := req.Message.(string)
	if !ok || message == "" {
		s.writeWebhookError(w, http.StatusBadRequest, "message is required")
		return
	}

	// A caller-supplied chat_id maps to a persistent conversation;
	// without one each call gets a throwaway chat that the sleep cycle
	// prunes later.
	chatID := uuid.NewString()
	if req.ChatID != "" {
		chatID = "webhook-" + req.ChatID
	}

	pr, err := s.pending.add(chatID, "webhook")
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.writeWebhookError(w, http.StatusInternalServerError, "request already in flight")
			return
		}
		s.writeWebhookError(w, http.StatusInternalServerError, "server shutting down")
		return
	}
	defer s.pending.remove(pr.id)

	s.deps.Bus.Fire(bus.Signal{
		Type:   bus.TypeIncomingMessage,
		Source: "webhook",
		Payload: map[string]any{
			"text":    message,
			"chatId":  chatID,
			"userId":  "webhook",
			"channel": "webhook",
		},
	})

	timer := time.NewTimer(s.cfg.WebhookTimeout)
	defer timer.Stop()
	select {
	case text := <-pr.reply:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		writeJSON(w, map[string]string{"response": text, "status": "ok"}, s.logger)
	case <-timer.C:
		s.writeWebhookError(w, http.StatusRequestTimeout, "timeout")
	case <-s.pending.shutdown:
		s.writeWebhookError(w, http.StatusInternalServerError, "server shutting down")
	case <-r.Context().Done():
	}
}

// validSignature recomputes the body HMAC and compares it against the
// X-Webhook-Signature header in constant time. The header must be the
// exact lowercase form "sha256=<hex>"; with no secret configured every
// signature is invalid.
func (s *Server) validSignature(body []byte, header string) bool {
	if s.cfg.WebhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}

func (s *Server) writeWebhookError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message, "status": "error"}, s.logger)
}
