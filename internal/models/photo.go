// Package models provides data model definitions for the ExposureLog core.
package models

import "encoding/json"

// UploadStatus represents the outbound state of a queued photo.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusError     UploadStatus = "error"
)

// Terminal reports whether the status is a terminal queue state.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusUploaded || s == UploadStatusError
}

// MaxPhotosPerExposure bounds how many photos may be attached to a
// single exposure report. Enforced before queueing.
const MaxPhotosPerExposure = 5

// QueuedPhoto represents one outbound photo awaiting upload.
// A photo uploads only after its parent exposure exists server-side;
// ExposureClientID is the foreign reference to the owning entry.
type QueuedPhoto struct {
	ID               UUID            `db:"id" json:"id"`
	ExposureClientID UUID            `db:"exposure_client_id" json:"exposure_client_id"`
	LocalURI         string          `db:"local_uri" json:"local_uri"`
	FileName         string          `db:"file_name" json:"file_name"`
	FileSize         int64           `db:"file_size" json:"file_size"`
	MimeType         string          `db:"mime_type" json:"mime_type"`
	Width            int             `db:"width" json:"width"`
	Height           int             `db:"height" json:"height"`
	EXIF             json.RawMessage `db:"exif" json:"exif,omitempty"`
	UploadStatus     UploadStatus    `db:"upload_status" json:"upload_status"`
	UploadProgress   int             `db:"upload_progress" json:"upload_progress"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt    int64           `db:"last_attempt_at" json:"last_attempt_at"`
	NextAttemptAt    int64           `db:"next_attempt_at" json:"next_attempt_at"`
	LastError        string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for QueuedPhoto.
func (QueuedPhoto) TableName() string {
	return "photo_queue"
}

// Ready reports whether the photo is eligible for an upload attempt at now.
// Readiness does not include the parent-synced dependency; the worker
// checks that against the synced-record cache.
func (p *QueuedPhoto) Ready(now int64) bool {
	return p.UploadStatus == UploadStatusPending && p.NextAttemptAt <= now
}
