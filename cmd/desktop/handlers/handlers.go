// Package handlers provides the localhost REST API the desktop UI
// talks to. Every handler wraps a core operation; sync itself runs in
// the background and is only observed or poked from here.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
)

// writeJSON sends a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error code onto an HTTP status and sends the
// code/message pair the UI layer renders.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid,
		apperrors.ErrMediaUnsupported, apperrors.ErrMediaDecode:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrQueueEntryNotFound:
		status = http.StatusNotFound
	case apperrors.ErrDuplicate, apperrors.ErrConstraint, apperrors.ErrPhotoLimit:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"code":  string(code),
		"error": err.Error(),
	})
}
