package api

import "net/http"

func (s *Server) handleSleepStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "sleep cycle", s.deps.Sleep != nil) {
		return
	}
	s.writeData(w, http.StatusOK, s.deps.Sleep.Status())
}

// handleSleepRun kicks off a cycle in the background. A cycle already
// in progress is not an error; started reports which case this was.
func (s *Server) handleSleepRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireDep(w, "sleep cycle", s.deps.Sleep != nil) {
		return
	}
	started := s.deps.Sleep.TriggerAsync()
	s.writeData(w, http.StatusAccepted, map[string]bool{"started": started})
}
