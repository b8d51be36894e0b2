package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jcortes/exposurelog/backend/internal/app"
	"github.com/jcortes/exposurelog/backend/internal/db"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/uuid"
)

// ExposureHandler handles exposure report capture and queue inspection.
type ExposureHandler struct {
	app *app.App
}

// NewExposureHandler creates an ExposureHandler.
func NewExposureHandler(a *app.App) *ExposureHandler {
	return &ExposureHandler{app: a}
}

// Create handles POST /api/exposures
// Queues a new exposure report. The report is durable once this
// returns; sync happens in the background.
func (h *ExposureHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload models.ExposurePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "decode request body", err))
		return
	}

	entry, err := h.app.EnqueueExposure(&payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// List handles GET /api/exposures
// Returns the outbound queue in sync order, including failed entries.
func (h *ExposureHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.app.Store.PendingExposures()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// Get handles GET /api/exposures/{clientId}
func (h *ExposureHandler) Get(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if err := uuid.Validate(clientID); err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.app.Store.GetExposure(models.UUID(clientID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Delete handles DELETE /api/exposures/{clientId}
// Discards a still-queued draft with its photos and staged blobs.
func (h *ExposureHandler) Delete(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if err := uuid.Validate(clientID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.app.RemoveExposure(models.UUID(clientID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "removed",
	})
}

// Records handles GET /api/records
// Lists cached synced reports, newest first. Supports exposure_type,
// severity, from/to (unix seconds), limit, and offset query params.
func (h *ExposureHandler) Records(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fb := db.NewFilterBuilder()
	if v := q.Get("exposure_type"); v != "" {
		fb.ExposureType(v)
	}
	if v := q.Get("severity"); v != "" {
		fb.Severity(v)
	}
	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
	if from > 0 || to > 0 {
		fb.DateRange(from, to)
	}

	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}

	records, err := h.app.Store.SyncedRecords(fb, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}
