// Package models provides data model definitions for the ExposureLog core.
package models

import (
	"encoding/json"
	"time"
)

// SyncedRecord caches an exposure that the server has acknowledged.
// The outbound queue entry is removed the moment the create succeeds;
// this row retains the server-assigned id and a payload snapshot for
// optimistic UI rendering while offline.
type SyncedRecord struct {
	ClientID UUID            `db:"client_id" json:"client_id"`
	RemoteID string          `db:"remote_id" json:"remote_id"`
	Payload  json.RawMessage `db:"payload" json:"payload"`
	SyncedAt int64           `db:"synced_at" json:"synced_at"`
}

// TableName returns the table name for SyncedRecord.
func (SyncedRecord) TableName() string {
	return "synced_records"
}

// SyncedAtTime returns SyncedAt as time.Time.
func (r *SyncedRecord) SyncedAtTime() time.Time {
	return time.Unix(r.SyncedAt, 0)
}
