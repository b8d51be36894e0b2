package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/jcortes/exposurelog/backend/internal/app"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/media"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/uuid"
)

// maxPhotoUpload bounds one multipart photo body.
const maxPhotoUpload = 32 << 20

// PhotoHandler handles photo attachment and queue inspection.
type PhotoHandler struct {
	app *app.App
}

// NewPhotoHandler creates a PhotoHandler.
func NewPhotoHandler(a *app.App) *PhotoHandler {
	return &PhotoHandler{app: a}
}

// Attach handles POST /api/exposures/{clientId}/photos
// Accepts a multipart form with a "photo" file part and an optional
// "exif" JSON field. The bytes are staged locally; upload happens in
// the background once the parent report syncs.
func (h *PhotoHandler) Attach(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if err := uuid.Validate(clientID); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoUpload)
	if err := r.ParseMultipartForm(maxPhotoUpload); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "parse multipart form", err))
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "photo file part is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "read photo bytes", err))
		return
	}

	var exif json.RawMessage
	if raw := r.FormValue("exif"); raw != "" {
		if !json.Valid([]byte(raw)) {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "exif field is not valid JSON"))
			return
		}
		exif = json.RawMessage(raw)
	}

	photo, err := h.app.EnqueuePhoto(models.UUID(clientID), header.Filename, data, exif)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, photo)
}

// List handles GET /api/exposures/{clientId}/photos
func (h *PhotoHandler) List(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if err := uuid.Validate(clientID); err != nil {
		writeError(w, err)
		return
	}

	photos, err := h.app.Store.PhotosByExposure(models.UUID(clientID))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"photos": photos,
		"total":  len(photos),
	})
}

// Delete handles DELETE /api/photos/{id}
// Discards a queued photo that has not uploaded yet.
func (h *PhotoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		writeError(w, err)
		return
	}

	if err := h.app.RemovePhoto(models.UUID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "removed",
	})
}

// Thumbnail handles GET /api/photos/{id}/thumbnail
// Renders a JPEG thumbnail from the staged blob so the UI can show
// the photo while it still sits in the upload queue. The max_dim query
// param bounds the longer side, default 320.
func (h *PhotoHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		writeError(w, err)
		return
	}

	photo, err := h.app.Store.GetPhoto(models.UUID(id))
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := h.app.Blobs.Get(photo.LocalURI)
	if err != nil {
		writeError(w, err)
		return
	}

	maxDim := 320
	if v, err := strconv.Atoi(r.URL.Query().Get("max_dim")); err == nil && v > 0 {
		maxDim = v
	}

	thumb, err := media.Thumbnail(data, maxDim)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(thumb)
}
