package api

import (
	"net/http"
)

func (s *Server) handleAssistStats(w http.ResponseWriter, r *http.Request) {
	if s.assist == nil || s.assist.Stats() == nil {
		jsonError(w, "assist stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model": s.assist.Model(),
		"stats": s.assist.Stats().Snapshot(),
	})
}
