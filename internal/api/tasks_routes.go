package api

import "net/http"

func (s *Server) handleTasksActive(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "task registry", s.deps.Tasks != nil) {
		return
	}
	tasks := s.deps.Tasks.Active()
	s.writeData(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "task registry", s.deps.Tasks != nil) {
		return
	}
	task, ok := s.deps.Tasks.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, codeNotFound, "task not found", "", false)
		return
	}
	s.writeData(w, http.StatusOK, task)
}
