// Package models provides data model definitions for the ExposureLog core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus represents the outbound sync state of a queued exposure.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Terminal reports whether the status is a terminal queue state.
// Terminal entries do not count toward the pending indicator.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSynced || s == SyncStatusFailed
}

// Location is the capture position attached to an exposure report.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

// ExposurePayload holds the exposure report fields captured on device.
// The payload is immutable once queued, except for PhotoIDs which are
// appended as photo uploads complete.
type ExposurePayload struct {
	ExposureType    string   `json:"exposure_type"`
	DurationMinutes int      `json:"duration_minutes"`
	Location        Location `json:"location"`
	Severity        string   `json:"severity"`
	PPE             []string `json:"ppe,omitempty"`
	Narrative       string   `json:"narrative,omitempty"`
	PhotoIDs        []string `json:"photo_ids,omitempty"`
}

// Encode serializes the payload for storage in the queue table.
func (p *ExposurePayload) Encode() (json.RawMessage, error) {
	return json.Marshal(p)
}

// DecodeExposurePayload deserializes a stored payload.
func DecodeExposurePayload(raw json.RawMessage) (*ExposurePayload, error) {
	var p ExposurePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// QueuedExposure represents one outbound exposure report awaiting sync.
// Exactly one queue entry exists per ClientID; the ClientID doubles as
// the idempotency key sent with the remote create call.
type QueuedExposure struct {
	ClientID      UUID            `db:"client_id" json:"client_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	SyncStatus    SyncStatus      `db:"sync_status" json:"sync_status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for QueuedExposure.
func (QueuedExposure) TableName() string {
	return "exposure_queue"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (e *QueuedExposure) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// Ready reports whether the entry is eligible for a sync attempt at now.
func (e *QueuedExposure) Ready(now int64) bool {
	return e.SyncStatus == SyncStatusPending && e.NextAttemptAt <= now
}
