package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jcortes/exposurelog/backend/internal/app"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
)

// SyncHandler exposes the sync pipeline's state and controls. The
// pipeline runs on its own; these endpoints observe it, feed it
// platform signals, and trigger the user-facing retry action.
type SyncHandler struct {
	app *app.App
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{app: a}
}

// Status handles GET /api/sync/status
// Returns the current derived sync snapshot.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Orchestrator.State())
}

// SyncNow handles POST /api/sync/now
// Pokes the orchestrator. The cycle is asynchronous; progress arrives
// over the state stream.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	h.app.Orchestrator.Poke()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "sync requested",
	})
}

// Retry handles POST /api/sync/retry
// Resets failed exposures and errored photos to pending and wakes the
// pipeline.
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	reset, err := h.app.Orchestrator.RetryNow()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "retry scheduled",
		"reset":  reset,
	})
}

// SetConnectivity handles POST /api/connectivity
// The desktop shell pushes raw reachability signals here; the monitor
// debounces them before the pipeline reacts.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Reachable bool `json:"reachable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "decode request body", err))
		return
	}

	h.app.Monitor.SetReachable(request.Reachable)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reachable": request.Reachable,
	})
}

// SetToken handles PUT /api/auth/token
// Stores a fresh session token and unparks any sync attempt waiting on
// auth.
func (h *SyncHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "decode request body", err))
		return
	}

	if err := h.app.Session.SetToken(request.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "token stored",
	})
}

// ClearToken handles DELETE /api/auth/token
func (h *SyncHandler) ClearToken(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Session.Clear(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "token cleared",
	})
}

// AuthStatus handles GET /api/auth/status
func (h *SyncHandler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": h.app.Session.Valid(),
	})
}
