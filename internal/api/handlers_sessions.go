package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/state"
)

// SessionSummary is one entry of the session list.
type SessionSummary struct {
	SessionID   string      `json:"session_id"`
	LatestStage state.Stage `json:"latest_stage,omitempty"`
	SavedAt     time.Time   `json:"saved_at"`
	Checkpoints int         `json:"checkpoints"`
}

// SessionDetail is the status of one session as of its newest snapshot.
type SessionDetail struct {
	SessionID   string                            `json:"session_id"`
	DocumentRef string                            `json:"document_ref"`
	Kind        doctree.DocumentKind              `json:"kind"`
	RunState    state.RunState                    `json:"run_state"`
	Progress    state.Progress                    `json:"progress"`
	Tasks       map[state.Stage]*state.TaskResult `json:"tasks"`
	OutputDir   string                            `json:"output_dir,omitempty"`
	IndexPath   string                            `json:"index_path,omitempty"`
	CreatedAt   time.Time                         `json:"created_at"`
	UpdatedAt   time.Time                         `json:"updated_at"`
	Metadata    map[string]string                 `json:"metadata,omitempty"`
	Checkpoints []checkpoint.Handle               `json:"checkpoints"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	handles, err := s.store.List(r.Context(), "")
	if err != nil {
		jsonError(w, "failed to list sessions: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Handles arrive newest first, so the first one seen is the latest.
	index := make(map[string]int)
	sessions := []SessionSummary{}
	for _, h := range handles {
		i, ok := index[h.SessionID]
		if !ok {
			index[h.SessionID] = len(sessions)
			sessions = append(sessions, SessionSummary{SessionID: h.SessionID, LatestStage: h.Stage, SavedAt: h.SavedAt})
			i = len(sessions) - 1
		}
		sessions[i].Checkpoints++
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, ok := s.loadSession(w, r, id)
	if !ok {
		return
	}
	handles, err := s.store.List(r.Context(), id)
	if err != nil {
		jsonError(w, "failed to list checkpoints: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, SessionDetail{
		SessionID:   st.SessionID,
		DocumentRef: st.DocumentRef,
		Kind:        st.Kind,
		RunState:    st.RunState(),
		Progress:    st.Progress(),
		Tasks:       st.Tasks,
		OutputDir:   st.OutputDir,
		IndexPath:   st.IndexPath,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
		Metadata:    st.Metadata,
		Checkpoints: handles,
	})
}

// handleReview lists the blocks flagged for review, optionally for one unit.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, ok := s.loadSession(w, r, id)
	if !ok {
		return
	}
	if st.Classified == nil {
		jsonError(w, "session has not been classified yet", http.StatusConflict)
		return
	}
	unit := r.URL.Query().Get("unit")
	items := []doctree.ReviewItem{}
	for _, item := range st.Classified.ReviewQueue() {
		if unit == "" || item.UnitID == unit {
			items = append(items, item)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": st.SessionID,
		"total":      len(items),
		"items":      items,
	})
}

// handleDeleteSession removes one stage's snapshot (?stage=) or the whole
// session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var stage state.Stage
	if v := r.URL.Query().Get("stage"); v != "" {
		if v == string(checkpoint.AdHoc) {
			stage = checkpoint.AdHoc
		} else {
			parsed, err := state.ParseStage(v)
			if err != nil {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			stage = parsed
		}
	}

	err := s.store.Delete(r.Context(), id, stage)
	switch {
	case err == nil:
		s.log.Info("deleted checkpoints", "session_id", id, "stage", stage)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, checkpoint.ErrInUse):
		jsonError(w, "session is running", http.StatusConflict)
	default:
		storeError(w, err)
	}
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request, id string) (*state.PipelineState, bool) {
	st, err := s.store.Load(r.Context(), id, "")
	if err != nil {
		storeError(w, err)
		return nil, false
	}
	return st, true
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrInvalidSession):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, checkpoint.ErrNotFound):
		jsonError(w, "session not found", http.StatusNotFound)
	case errors.Is(err, checkpoint.ErrCorrupt):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
