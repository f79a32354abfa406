package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kenobot/kenobot/internal/scheduler"
)

func (s *Server) handleSchedulerList(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "scheduler", s.deps.Scheduler != nil) {
		return
	}
	tasks := s.deps.Scheduler.List()
	s.writeData(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleSchedulerAdd registers a cron task. Messages fired by the task
// default into the api-scheduler conversation so their replies land in
// readable history even though nothing is waiting for them.
func (s *Server) handleSchedulerAdd(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "scheduler", s.deps.Scheduler != nil) {
		return
	}
	var req struct {
		Cron        string `json:"cron"`
		Message     string `json:"message"`
		Description string `json:"description"`
		ChatID      string `json:"chatId"`
		UserID      string `json:"userId"`
		Channel     string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidBody, "request body is not valid JSON", "", false)
		return
	}
	if strings.TrimSpace(req.Cron) == "" {
		s.writeError(w, http.StatusBadRequest, codeMissingField, "cron is required", "", false)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, codeMissingField, "message is required", "", false)
		return
	}
	if _, err := scheduler.ParseCron(req.Cron); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidCron, err.Error(), "", false)
		return
	}

	if req.ChatID == "" {
		req.ChatID = "api-scheduler"
	}
	if req.UserID == "" {
		req.UserID = "scheduler"
	}
	if req.Channel == "" {
		req.Channel = "api"
	}
	task, err := s.deps.Scheduler.Add(scheduler.Task{
		CronExpr:    req.Cron,
		Message:     req.Message,
		Description: req.Description,
		ChatID:      req.ChatID,
		UserID:      req.UserID,
		Channel:     req.Channel,
	})
	if err != nil {
		s.internalError(w, "add scheduled task", err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]string{"id": task.ID})
}

func (s *Server) handleSchedulerRemove(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "scheduler", s.deps.Scheduler != nil) {
		return
	}
	err := s.deps.Scheduler.Remove(r.PathValue("id"))
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, codeNotFound, "scheduled task not found", "", false)
		return
	}
	if err != nil {
		s.internalError(w, "remove scheduled task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
