package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jcortes/exposurelog/backend/internal/app"
	"github.com/jcortes/exposurelog/backend/internal/db"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/export"
)

// ExportHandler handles compliance archive exports.
type ExportHandler struct {
	app *app.App
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(a *app.App) *ExportHandler {
	return &ExportHandler{app: a}
}

// ExportRequest is the body of POST /api/export.
type ExportRequest struct {
	OutputPath   string `json:"output_path"`   // optional custom path
	Password     string `json:"password"`      // non-empty enables encryption
	ExposureType string `json:"exposure_type"` // optional record filters
	Severity     string `json:"severity"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
}

// InspectRequest is the body of POST /api/export/inspect.
type InspectRequest struct {
	ArchivePath string `json:"archive_path"`
	Password    string `json:"password"`
}

// Export handles POST /api/export
// Writes a verified archive of synced records and the still-queued
// backlog.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "decode request body", err))
		return
	}

	fb := db.NewFilterBuilder()
	if req.ExposureType != "" {
		fb.ExposureType(req.ExposureType)
	}
	if req.Severity != "" {
		fb.Severity(req.Severity)
	}
	if req.From > 0 || req.To > 0 {
		fb.DateRange(req.From, req.To)
	}

	result, err := h.app.Exporter.Export(&export.Config{
		OutputPath: req.OutputPath,
		Password:   req.Password,
		Filters:    fb,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Inspect handles POST /api/export/inspect
// Verifies an archive's checksum and returns its manifest.
func (h *ExportHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	var req InspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "decode request body", err))
		return
	}
	if req.ArchivePath == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "archive_path is required"))
		return
	}

	manifest, err := export.Inspect(req.ArchivePath, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}
