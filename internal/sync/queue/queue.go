// Package queue provides the durable outbound queue the capture path
// writes into and the sync workers drain from. Every mutation lands in
// SQLite before the caller returns; the device can die at any point and
// lose nothing.
package queue

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcortes/exposurelog/backend/internal/db"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/media"
	"github.com/jcortes/exposurelog/backend/internal/models"
)

// severities is the accepted severity scale for a report.
var severities = map[string]bool{
	"low":      true,
	"moderate": true,
	"high":     true,
	"critical": true,
}

// Store wraps the repository with queue semantics: client id
// assignment, payload validation, parent linkage checks, and a
// coalesced notification channel the orchestrator watches for new work.
type Store struct {
	repo   *db.Repository
	notify chan struct{}
}

// NewStore creates a Store over an opened repository.
func NewStore(repo *db.Repository) *Store {
	return &Store{
		repo:   repo,
		notify: make(chan struct{}, 1),
	}
}

// Notify returns the channel that receives a coalesced signal whenever
// new work enters the queue or blocked work becomes eligible again.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

// signal wakes the orchestrator without blocking. Signals coalesce: one
// pending wakeup covers any number of enqueues.
func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ValidatePayload checks the report fields the server would reject
// anyway, so bad captures fail at enqueue time instead of poisoning the
// queue.
func ValidatePayload(p *models.ExposurePayload) error {
	if strings.TrimSpace(p.ExposureType) == "" {
		return apperrors.New(apperrors.ErrValidation, "exposure type is required")
	}
	if p.DurationMinutes <= 0 {
		return apperrors.New(apperrors.ErrValidation, "duration must be positive")
	}
	if !severities[p.Severity] {
		return apperrors.New(apperrors.ErrValidation, "unknown severity: "+p.Severity)
	}
	if p.Location.Latitude < -90 || p.Location.Latitude > 90 ||
		p.Location.Longitude < -180 || p.Location.Longitude > 180 {
		return apperrors.New(apperrors.ErrValidation, "location out of range")
	}
	return nil
}

// EnqueueExposure validates and persists a new report, assigning its
// client id. The entry starts pending and immediately eligible.
func (s *Store) EnqueueExposure(payload *models.ExposurePayload) (*models.QueuedExposure, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}

	raw, err := payload.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode payload", err)
	}

	entry := &models.QueuedExposure{
		ClientID: models.UUID(uuid.New().String()),
		Payload:  raw,
	}
	if err := s.repo.EnqueueExposure(entry); err != nil {
		return nil, err
	}

	logging.Info("exposure queued", map[string]interface{}{
		"clientId":     entry.ClientID.String(),
		"exposureType": payload.ExposureType,
	})
	s.signal()
	return entry, nil
}

// EnqueuePhoto persists a new photo for an exposure that is either
// still queued or already synced. The per-exposure photo cap and parent
// existence are checked here; capture metadata comes from the media
// extractor.
func (s *Store) EnqueuePhoto(exposureClientID models.UUID, localURI string, meta *media.Meta, exif json.RawMessage) (*models.QueuedPhoto, error) {
	if strings.TrimSpace(localURI) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "photo local uri is required")
	}
	if _, err := s.parent(exposureClientID); err != nil {
		return nil, err
	}

	existing, err := s.repo.ListPhotosByExposure(exposureClientID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= models.MaxPhotosPerExposure {
		return nil, apperrors.New(apperrors.ErrPhotoLimit,
			"exposure already has the maximum of "+
				strconv.Itoa(models.MaxPhotosPerExposure)+" photos")
	}

	photo := &models.QueuedPhoto{
		ID:               models.UUID(uuid.New().String()),
		ExposureClientID: exposureClientID,
		LocalURI:         localURI,
		FileName:         meta.FileName,
		FileSize:         meta.FileSize,
		MimeType:         meta.MimeType,
		Width:            meta.Width,
		Height:           meta.Height,
		EXIF:             exif,
	}
	if err := s.repo.EnqueuePhoto(photo); err != nil {
		return nil, err
	}

	logging.Info("photo queued", map[string]interface{}{
		"photoId":  photo.ID.String(),
		"clientId": exposureClientID.String(),
		"fileName": meta.FileName,
	})
	s.signal()
	return photo, nil
}

// parent resolves an exposure client id against the queue and the
// synced-record cache.
func (s *Store) parent(clientID models.UUID) (*models.QueuedExposure, error) {
	entry, err := s.repo.GetExposure(clientID)
	if err == nil {
		return entry, nil
	}
	if !apperrors.Is(err, apperrors.ErrQueueEntryNotFound) {
		return nil, err
	}
	if _, cacheErr := s.repo.GetSyncedRecord(clientID); cacheErr == nil {
		return nil, nil
	}
	return nil, apperrors.New(apperrors.ErrQueueEntryNotFound,
		"no queued or synced exposure with client id "+clientID.String())
}

// RemoveExposure drops a still-queued report and any photos attached to
// it. Used when the user discards a draft before it syncs.
func (s *Store) RemoveExposure(clientID models.UUID) error {
	photos, err := s.repo.ListPhotosByExposure(clientID)
	if err != nil {
		return err
	}
	for _, photo := range photos {
		if err := s.repo.RemovePhoto(photo.ID); err != nil {
			return err
		}
	}
	if err := s.repo.RemoveExposure(clientID); err != nil {
		return err
	}
	s.signal()
	return nil
}

// RemovePhoto drops a queued photo that has not uploaded yet.
func (s *Store) RemovePhoto(id models.UUID) error {
	if err := s.repo.RemovePhoto(id); err != nil {
		return err
	}
	s.signal()
	return nil
}

// PendingExposures returns pending entries in FIFO order.
func (s *Store) PendingExposures() ([]*models.QueuedExposure, error) {
	return s.repo.ListPendingExposures()
}

// PendingPhotos returns pending photo entries in FIFO order.
func (s *Store) PendingPhotos() ([]*models.QueuedPhoto, error) {
	return s.repo.ListPendingPhotos()
}

// GetPhoto returns one photo entry.
func (s *Store) GetPhoto(id models.UUID) (*models.QueuedPhoto, error) {
	return s.repo.GetPhoto(id)
}

// PhotosByExposure returns all queued photos for one exposure.
func (s *Store) PhotosByExposure(clientID models.UUID) ([]*models.QueuedPhoto, error) {
	return s.repo.ListPhotosByExposure(clientID)
}

// GetExposure returns one queue entry.
func (s *Store) GetExposure(clientID models.UUID) (*models.QueuedExposure, error) {
	return s.repo.GetExposure(clientID)
}

// UpdateExposure persists worker bookkeeping on an entry.
func (s *Store) UpdateExposure(entry *models.QueuedExposure) error {
	return s.repo.UpdateExposure(entry)
}

// MarkExposureSyncing flips an entry to syncing for the duration of a
// remote attempt.
func (s *Store) MarkExposureSyncing(clientID models.UUID) error {
	return s.repo.UpdateExposureStatus(clientID, models.SyncStatusSyncing)
}

// CompleteExposure records a successful sync: the remote id lands in
// the synced-record cache and the queue entry disappears, both before
// any dependent photo may upload.
func (s *Store) CompleteExposure(entry *models.QueuedExposure, remoteID string) error {
	record := &models.SyncedRecord{
		ClientID: entry.ClientID,
		RemoteID: remoteID,
		Payload:  entry.Payload,
		SyncedAt: time.Now().Unix(),
	}
	if err := s.repo.UpsertSyncedRecord(record); err != nil {
		return err
	}
	if err := s.repo.RemoveExposure(entry.ClientID); err != nil {
		return err
	}
	s.signal()
	return nil
}

// ParentRemoteID returns the server id for a synced exposure, or false
// while the parent is still queued.
func (s *Store) ParentRemoteID(exposureClientID models.UUID) (string, bool, error) {
	record, err := s.repo.GetSyncedRecord(exposureClientID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return record.RemoteID, true, nil
}

// UpdatePhoto persists worker bookkeeping on a photo entry.
func (s *Store) UpdatePhoto(photo *models.QueuedPhoto) error {
	return s.repo.UpdatePhoto(photo)
}

// UpdatePhotoProgress persists the upload percentage for the UI.
func (s *Store) UpdatePhotoProgress(id models.UUID, progress int) error {
	return s.repo.UpdatePhotoProgress(id, progress)
}

// CompletePhoto records a finished upload: the remote photo id is
// appended to the cached parent payload and the entry goes terminal.
func (s *Store) CompletePhoto(photo *models.QueuedPhoto, remotePhotoID string) error {
	if err := s.repo.AppendCachedPhotoID(photo.ExposureClientID, remotePhotoID); err != nil {
		return err
	}

	photo.UploadStatus = models.UploadStatusUploaded
	photo.UploadProgress = 100
	photo.LastError = ""
	if err := s.repo.UpdatePhoto(photo); err != nil {
		return err
	}
	s.signal()
	return nil
}

// Counts returns the queue counters the sync state broadcasts.
func (s *Store) Counts() (pendingExposures, pendingPhotos, failedExposures, erroredPhotos int, err error) {
	if pendingExposures, err = s.repo.CountPendingExposures(); err != nil {
		return
	}
	if pendingPhotos, err = s.repo.CountPendingPhotos(); err != nil {
		return
	}
	if failedExposures, err = s.repo.CountFailedExposures(); err != nil {
		return
	}
	erroredPhotos, err = s.repo.CountErroredPhotos()
	return
}

// EarliestWakeup returns the soonest next_attempt_at across both
// queues, or zero when nothing is waiting in backoff.
func (s *Store) EarliestWakeup() (int64, error) {
	exposureAt, err := s.repo.EarliestExposureWakeup()
	if err != nil {
		return 0, err
	}
	photoAt, err := s.repo.EarliestPhotoWakeup()
	if err != nil {
		return 0, err
	}

	switch {
	case exposureAt == 0:
		return photoAt, nil
	case photoAt == 0:
		return exposureAt, nil
	case photoAt < exposureAt:
		return photoAt, nil
	default:
		return exposureAt, nil
	}
}

// RetryAll resets failed exposures and errored photos to pending with a
// cleared backoff. Bound to the user-facing retry action.
func (s *Store) RetryAll() (int, error) {
	exposures, err := s.repo.RetryFailedExposures()
	if err != nil {
		return 0, err
	}
	photos, err := s.repo.RetryErroredPhotos()
	if err != nil {
		return exposures, err
	}

	total := exposures + photos
	if total > 0 {
		logging.Info("failed entries reset for retry", map[string]interface{}{
			"exposures": exposures,
			"photos":    photos,
		})
		s.signal()
	}
	return total, nil
}

// Recover repairs state left by a crash mid-attempt: exposures stuck
// in syncing and photos stuck in uploading return to pending. Called
// once at startup before the workers run.
func (s *Store) Recover() error {
	syncs, err := s.repo.ResetInterruptedSyncs()
	if err != nil {
		return err
	}
	uploads, err := s.repo.ResetInterruptedUploads()
	if err != nil {
		return err
	}
	if syncs > 0 || uploads > 0 {
		logging.Info("interrupted attempts reset", map[string]interface{}{
			"exposures": syncs,
			"photos":    uploads,
		})
	}
	return nil
}

// SyncedRecords lists cached synced reports, newest first, with
// optional report filters.
func (s *Store) SyncedRecords(fb *db.FilterBuilder, limit, offset int) ([]*models.SyncedRecord, error) {
	return s.repo.ListSyncedRecords(fb, limit, offset)
}

// GetSyncedRecord returns one cached synced report.
func (s *Store) GetSyncedRecord(clientID models.UUID) (*models.SyncedRecord, error) {
	return s.repo.GetSyncedRecord(clientID)
}
