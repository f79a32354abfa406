package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/usage"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// chatKey maps a conversation id from an API path onto its store key.
// The REST surface owns the api- namespace, so bare ids are prefixed;
// ids already namespaced by a channel pass through verbatim, which
// keeps every conversation the daemon holds addressable.
func chatKey(id string) string {
	for _, prefix := range []string{"api-", "webhook-", "relay-"} {
		if strings.HasPrefix(id, prefix) {
			return id
		}
	}
	return "api-" + id
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Conversations.List(r.Context())
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	})
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, codeInvalidBody, "request body is not valid JSON", "", false)
			return
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	conv, err := s.deps.Conversations.Create(r.Context(), chatKey(id))
	if err != nil {
		s.internalError(w, "create conversation", err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]string{"id": conv.ID})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.Get(r.Context(), chatKey(r.PathValue("id")))
	if errors.Is(err, memory.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, codeNotFound, "conversation not found", "", false)
		return
	}
	if err != nil {
		s.internalError(w, "get conversation", err)
		return
	}
	s.writeData(w, http.StatusOK, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Conversations.Delete(r.Context(), chatKey(r.PathValue("id")))
	if errors.Is(err, memory.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, codeNotFound, "conversation not found", "", false)
		return
	}
	if err != nil {
		s.internalError(w, "delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	id := chatKey(r.PathValue("id"))
	if _, err := s.deps.Conversations.Get(r.Context(), id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, codeNotFound, "conversation not found", "", false)
			return
		}
		s.internalError(w, "get conversation", err)
		return
	}

	limit := defaultMessageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxMessageLimit)
		}
	}
	msgs, err := s.deps.Conversations.Messages(r.Context(), id, limit)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// handleSendMessage is the synchronous chat route. It fires the
// message at the agent and parks until the reply, enforcing the
// single-flight rule per conversation and the daily budget up front.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidBody, "request body is not valid JSON", "", false)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, http.StatusBadRequest, codeMissingField, "content is required", "", false)
		return
	}

	if s.deps.Budget != nil {
		if err := s.deps.Budget.Check(r.Context()); err != nil {
			var limitErr *usage.LimitError
			if errors.As(err, &limitErr) {
				hint := fmt.Sprintf("spent $%.4f of $%.2f today", limitErr.SpentUSD, limitErr.LimitUSD)
				s.writeError(w, http.StatusTooManyRequests, codeBudgetExceeded, "daily budget exhausted", hint, true)
				return
			}
			s.internalError(w, "budget check", err)
			return
		}
	}

	chatID := chatKey(r.PathValue("id"))
	pr, err := s.pending.add(chatID, "api")
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.writeError(w, http.StatusConflict, codeConflict,
				"a message for this conversation is already being processed", "", false)
			return
		}
		s.writeError(w, http.StatusInternalServerError, codeInternalError, "server shutting down", "", false)
		return
	}
	defer s.pending.remove(pr.id)

	s.deps.Bus.Fire(bus.Signal{
		Type:   bus.TypeIncomingMessage,
		Source: "api",
		Payload: map[string]any{
			"text":    req.Content,
			"chatId":  chatID,
			"userId":  "api",
			"channel": "api",
		},
	})

	timer := time.NewTimer(s.cfg.APITimeout)
	defer timer.Stop()
	select {
	case text := <-pr.reply:
		s.writeData(w, http.StatusOK, map[string]string{
			"response":       text,
			"conversationId": chatID,
		})
	case <-timer.C:
		s.writeError(w, http.StatusGatewayTimeout, codeGatewayTimeout,
			"the agent did not answer in time", "the message may still be processed", true)
	case <-s.pending.shutdown:
		s.writeError(w, http.StatusInternalServerError, codeInternalError, "server shutting down", "", false)
	case <-r.Context().Done():
	}
}
