// Package sync implements the outbound sync workers that drain the
// durable queues against the remote exposure service.
package sync

import (
	"context"
	"encoding/json"
	"io"
)

// ExposureAPI is the remote surface the exposure worker drains against.
// Implementations must treat clientID as an idempotency key: replaying
// a create with the same clientID returns the existing remote record
// instead of inserting a duplicate.
type ExposureAPI interface {
	// CreateExposure submits a queued report and returns the
	// server-assigned remote id.
	CreateExposure(ctx context.Context, clientID string, payload json.RawMessage) (string, error)

	// UpdateExposure replaces the payload of an already-synced report.
	UpdateExposure(ctx context.Context, remoteID string, payload json.RawMessage) error

	// SoftDeleteExposure marks a synced report deleted on the server.
	SoftDeleteExposure(ctx context.Context, remoteID string) error
}

// PhotoMeta carries the capture metadata the server needs to accept an
// upload.
type PhotoMeta struct {
	FileName string          `json:"fileName"`
	FileSize int64           `json:"fileSize"`
	MimeType string          `json:"mimeType"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	EXIF     json.RawMessage `json:"exif,omitempty"`
}

// UploadSlot is a server-granted destination for one photo's bytes.
type UploadSlot struct {
	UploadURL string `json:"uploadUrl"`
	SlotID    string `json:"slotId"`
}

// PhotoAPI is the two-phase photo upload surface: request a slot, push
// the bytes, then confirm so the server links the photo to its report.
type PhotoAPI interface {
	// RequestUploadSlot reserves an upload destination for a photo
	// belonging to the given synced exposure.
	RequestUploadSlot(ctx context.Context, exposureRemoteID string, meta *PhotoMeta) (*UploadSlot, error)

	// TransferBytes streams the photo body to the slot. progress is
	// invoked with 0-100 as bytes go out; it may be nil.
	TransferBytes(ctx context.Context, slot *UploadSlot, body io.Reader, size int64, progress func(percent int)) error

	// ConfirmUpload finalizes the slot and returns the remote photo id.
	ConfirmUpload(ctx context.Context, exposureRemoteID string, slot *UploadSlot) (string, error)
}

// AuthSession exposes the credential state the workers gate on. When a
// request bounces with expired credentials the workers park until the
// session reports a refresh.
type AuthSession interface {
	// Valid reports whether the current credentials are usable.
	Valid() bool

	// Token returns the bearer token for outbound requests.
	Token() string

	// Refreshed returns a channel that receives after the credentials
	// have been renewed.
	Refreshed() <-chan struct{}
}
