// Package models provides data model definitions for the ExposureLog core.
package models

// Connectivity is the current reachability of the remote store.
type Connectivity string

const (
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
)

// Phase is the current activity of the sync pipeline.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
)

// SyncState is the derived, process-wide sync snapshot published to the
// UI layer. Recomputed on every queue mutation and connectivity edge;
// the initial value is built from persisted queue contents so pending
// counts survive app restarts.
type SyncState struct {
	Connectivity         Connectivity `json:"connectivity"`
	Phase                Phase        `json:"phase"`
	PendingExposureCount int          `json:"pending_exposure_count"`
	PendingPhotoCount    int          `json:"pending_photo_count"`
	FailedExposureCount  int          `json:"failed_exposure_count"`
	ErroredPhotoCount    int          `json:"errored_photo_count"`
}

// Quiet reports whether both queues are drained: nothing pending and
// nothing awaiting a backoff wake-up.
func (s SyncState) Quiet() bool {
	return s.PendingExposureCount == 0 && s.PendingPhotoCount == 0
}
