package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-listen/internal/history"
	"github.com/loqalabs/loqa-listen/internal/session"
)

type statsResponse struct {
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Stats     session.Stats `json:"stats"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready only while a session is listening.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if ctrl := r.Session(); r.ready.Load() && ctrl != nil && ctrl.State() == session.StateListening {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := r.history.Snapshot()
	r.writeJSON(w, struct {
		Entries []history.Entry `json:"entries"`
	}{Entries: entries})
}

func (r *Runtime) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctrl := r.Session()
	if ctrl == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	resp := statsResponse{
		SessionID: ctrl.ID(),
		State:     string(ctrl.State()),
		Stats:     ctrl.Stats(),
	}
	if reason := ctrl.Reason(); reason != nil {
		resp.Reason = reason.Error()
	}
	r.writeJSON(w, resp)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
