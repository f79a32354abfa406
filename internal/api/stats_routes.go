package api

import (
	"net/http"
	"time"

	"github.com/kenobot/kenobot/internal/buildinfo"
)

// handleIndex is the public route listing.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, map[string]any{
		"name":    "kenobot",
		"version": buildinfo.Version,
		"endpoints": []string{
			"GET /api/v1/",
			"GET /api/v1/health",
			"GET /api/v1/stats",
			"GET /api/v1/conversations",
			"POST /api/v1/conversations",
			"GET /api/v1/conversations/{id}",
			"DELETE /api/v1/conversations/{id}",
			"GET /api/v1/conversations/{id}/messages",
			"POST /api/v1/conversations/{id}/messages",
			"GET /api/v1/memory",
			"GET /api/v1/memory/recent",
			"GET /api/v1/memory/working/{sessionId}",
			"GET /api/v1/memory/patterns",
			"GET /api/v1/scheduler",
			"POST /api/v1/scheduler",
			"DELETE /api/v1/scheduler/{id}",
			"GET /api/v1/sleep-cycle",
			"POST /api/v1/sleep-cycle/run",
			"GET /api/v1/tasks/active",
			"GET /api/v1/tasks/{id}/events",
		},
	})
}

// handleHealth is the public liveness probe. It answers flat JSON, not
// the envelope, so dumb monitors can parse it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	}, s.logger)
}

// handleStats bundles one snapshot of every subsystem that is wired.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"version": buildinfo.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"bus":     s.deps.Bus.Stats(),
		"pending": s.pending.size(),
	}
	if s.deps.Watchdog != nil {
		data["health"] = s.deps.Watchdog.Status()
	}
	if s.deps.Scheduler != nil {
		data["scheduler"] = map[string]int{"tasks": s.deps.Scheduler.Size()}
	}
	if s.deps.Sleep != nil {
		data["sleepCycle"] = s.deps.Sleep.Status()
	}
	if s.deps.Conversations != nil {
		if convs, msgs, err := s.deps.Conversations.Counts(r.Context()); err == nil {
			data["conversations"] = map[string]int{"total": convs, "messages": msgs}
		}
	}
	if s.deps.Budget != nil {
		if spent, err := s.deps.Budget.SpentToday(r.Context()); err == nil {
			data["budget"] = map[string]float64{
				"spentTodayUSD": spent,
				"limitUSD":      s.deps.Budget.LimitUSD(),
			}
		}
	}
	if s.deps.Tasks != nil {
		data["activeTasks"] = len(s.deps.Tasks.Active())
	}
	s.writeData(w, http.StatusOK, data)
}
