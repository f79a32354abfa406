package api

import (
	"net/http"
	"strconv"
)

const (
	defaultRecentDays = 3
	maxRecentDays     = 30
)

func (s *Server) handleMemoryOverview(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "long-term memory", s.deps.LongTerm != nil) {
		return
	}
	overview, err := s.deps.LongTerm.Overview(r.Context())
	if err != nil {
		s.internalError(w, "memory overview", err)
		return
	}
	s.writeData(w, http.StatusOK, overview)
}

func (s *Server) handleMemoryRecent(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "long-term memory", s.deps.LongTerm != nil) {
		return
	}
	days := defaultRecentDays
	if d := r.URL.Query().Get("days"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
			days = min(parsed, maxRecentDays)
		}
	}
	entries, err := s.deps.LongTerm.RecentEntries(r.Context(), days)
	if err != nil {
		s.internalError(w, "recent memory entries", err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"days":    days,
	})
}

func (s *Server) handleMemoryWorking(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "long-term memory", s.deps.LongTerm != nil) {
		return
	}
	sessionID := r.PathValue("sessionId")
	items, err := s.deps.LongTerm.Working(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, "working memory", err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"items":     items,
		"count":     len(items),
	})
}

func (s *Server) handleMemoryPatterns(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "long-term memory", s.deps.LongTerm != nil) {
		return
	}
	patterns, err := s.deps.LongTerm.Patterns(r.Context())
	if err != nil {
		s.internalError(w, "memory patterns", err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"count":    len(patterns),
	})
}
