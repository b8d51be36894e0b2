// Package db provides CRUD repository operations for the outbound
// queues and the synced-record cache.
package db

import (
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/models"
)

// Repository provides atomic per-entry operations on the durable store.
// It is the single owner of the on-disk representation: workers and the
// orchestrator never touch rows except through these methods, so
// concurrent readers always see a consistent queue.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare statement", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// storageErr converts a raw database error into the StorageError the
// orchestrator treats as fatal for the affected entry.
func storageErr(op string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return apperrors.Wrap(apperrors.ErrDuplicate, op, err)
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return apperrors.Wrap(apperrors.ErrConstraint, op, err)
	}
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}

// =====================================================
// Exposure Queue Operations
// =====================================================

// EnqueueExposure inserts a new outbound exposure entry. Exactly one
// entry may exist per client id; a duplicate insert reports ErrDuplicate.
func (r *Repository) EnqueueExposure(entry *models.QueuedExposure) error {
	now := time.Now().Unix()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.SyncStatus = models.SyncStatusPending

	query := `
	INSERT INTO exposure_queue (client_id, payload, sync_status, retry_count,
		last_attempt_at, next_attempt_at, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, entry.ClientID, string(entry.Payload), entry.SyncStatus,
		entry.RetryCount, entry.LastAttemptAt, entry.NextAttemptAt, entry.LastError, entry.CreatedAt)
	if err != nil {
		return storageErr("enqueue exposure", err)
	}
	return nil
}

// GetExposure retrieves a queue entry by client id.
func (r *Repository) GetExposure(clientID models.UUID) (*models.QueuedExposure, error) {
	query := `
	SELECT client_id, payload, sync_status, retry_count, last_attempt_at,
		   next_attempt_at, last_error, created_at
	FROM exposure_queue WHERE client_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	entry, err := scanExposure(stmt.QueryRow(clientID))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrQueueEntryNotFound, "exposure not queued: "+clientID.String())
	}
	if err != nil {
		return nil, storageErr("get exposure", err)
	}
	return entry, nil
}

// ListPendingExposures returns pending entries ordered by creation time
// ascending. FIFO ordering preserves the user-intended sequencing of
// multiple queued reports.
func (r *Repository) ListPendingExposures() ([]*models.QueuedExposure, error) {
	query := `
	SELECT client_id, payload, sync_status, retry_count, last_attempt_at,
		   next_attempt_at, last_error, created_at
	FROM exposure_queue WHERE sync_status = 'pending'
	ORDER BY created_at ASC, rowid ASC
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, storageErr("list pending exposures", err)
	}
	defer rows.Close()

	var entries []*models.QueuedExposure
	for rows.Next() {
		entry, err := scanExposure(rows)
		if err != nil {
			return nil, storageErr("list pending exposures", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending exposures", err)
	}
	return entries, nil
}

// UpdateExposure writes back the mutable fields of a queue entry.
func (r *Repository) UpdateExposure(entry *models.QueuedExposure) error {
	query := `
	UPDATE exposure_queue
	SET sync_status = ?, retry_count = ?, last_attempt_at = ?, next_attempt_at = ?, last_error = ?
	WHERE client_id = ?
	`
	result, err := r.db.Exec(query, entry.SyncStatus, entry.RetryCount,
		entry.LastAttemptAt, entry.NextAttemptAt, entry.LastError, entry.ClientID)
	if err != nil {
		return storageErr("update exposure", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrQueueEntryNotFound, "exposure not queued: "+entry.ClientID.String())
	}
	return nil
}

// UpdateExposureStatus transitions a queue entry's status only.
func (r *Repository) UpdateExposureStatus(clientID models.UUID, status models.SyncStatus) error {
	result, err := r.db.Exec(
		"UPDATE exposure_queue SET sync_status = ? WHERE client_id = ?", status, clientID)
	if err != nil {
		return storageErr("update exposure status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrQueueEntryNotFound, "exposure not queued: "+clientID.String())
	}
	return nil
}

// RemoveExposure deletes a queue entry. Called the moment the server
// acknowledges creation; the result lives on in the synced-record cache.
func (r *Repository) RemoveExposure(clientID models.UUID) error {
	result, err := r.db.Exec("DELETE FROM exposure_queue WHERE client_id = ?", clientID)
	if err != nil {
		return storageErr("remove exposure", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrQueueEntryNotFound, "exposure not queued: "+clientID.String())
	}
	return nil
}

// CountPendingExposures counts non-terminal exposure entries.
func (r *Repository) CountPendingExposures() (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM exposure_queue WHERE sync_status IN ('pending', 'syncing')").Scan(&count)
	if err != nil {
		return 0, storageErr("count pending exposures", err)
	}
	return count, nil
}

// CountFailedExposures counts permanently failed entries awaiting a
// user-initiated retry.
func (r *Repository) CountFailedExposures() (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM exposure_queue WHERE sync_status = 'failed'").Scan(&count)
	if err != nil {
		return 0, storageErr("count failed exposures", err)
	}
	return count, nil
}

// EarliestExposureWakeup returns the minimum next_attempt_at across
// pending entries still awaiting backoff, or 0 when none are waiting.
func (r *Repository) EarliestExposureWakeup() (int64, error) {
	var wake sql.NullInt64
	err := r.db.QueryRow(
		"SELECT MIN(next_attempt_at) FROM exposure_queue WHERE sync_status = 'pending' AND next_attempt_at > 0").Scan(&wake)
	if err != nil {
		return 0, storageErr("earliest exposure wakeup", err)
	}
	return wake.Int64, nil
}

// RetryFailedExposures resets failed entries to pending for a manual
// retry. Retry bookkeeping starts over.
func (r *Repository) RetryFailedExposures() (int, error) {
	result, err := r.db.Exec(`
	UPDATE exposure_queue
	SET sync_status = 'pending', retry_count = 0, next_attempt_at = 0, last_error = ''
	WHERE sync_status = 'failed'`)
	if err != nil {
		return 0, storageErr("retry failed exposures", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// ResetInterruptedSyncs returns entries stuck in syncing to pending.
// An entry is only syncing while a remote call is in flight, so finding
// one at startup means the process died mid-attempt.
func (r *Repository) ResetInterruptedSyncs() (int, error) {
	result, err := r.db.Exec(`
	UPDATE exposure_queue
	SET sync_status = 'pending'
	WHERE sync_status = 'syncing'`)
	if err != nil {
		return 0, storageErr("reset interrupted syncs", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExposure(s scanner) (*models.QueuedExposure, error) {
	var entry models.QueuedExposure
	var payload string
	err := s.Scan(&entry.ClientID, &payload, &entry.SyncStatus, &entry.RetryCount,
		&entry.LastAttemptAt, &entry.NextAttemptAt, &entry.LastError, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.Payload = json.RawMessage(payload)
	return &entry, nil
}

// =====================================================
// Photo Queue Operations
// =====================================================

// EnqueuePhoto inserts a new outbound photo entry. The per-exposure
// photo cap is enforced inside the same transaction as the insert.
func (r *Repository) EnqueuePhoto(photo *models.QueuedPhoto) error {
	now := time.Now().Unix()
	if photo.CreatedAt == 0 {
		photo.CreatedAt = now
	}
	photo.UploadStatus = models.UploadStatusPending

	tx, err := r.db.Begin()
	if err != nil {
		return storageErr("enqueue photo", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM photo_queue WHERE exposure_client_id = ?",
		photo.ExposureClientID).Scan(&count); err != nil {
		return storageErr("enqueue photo", err)
	}
	if count >= models.MaxPhotosPerExposure {
		return apperrors.New(apperrors.ErrPhotoLimit,
			"exposure already has the maximum of 5 photos")
	}

	query := `
	INSERT INTO photo_queue (id, exposure_client_id, local_uri, file_name, file_size,
		mime_type, width, height, exif, upload_status, upload_progress,
		retry_count, last_attempt_at, next_attempt_at, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var exif interface{}
	if len(photo.EXIF) > 0 {
		exif = string(photo.EXIF)
	}
	if _, err := tx.Exec(query, photo.ID, photo.ExposureClientID, photo.LocalURI,
		photo.FileName, photo.FileSize, photo.MimeType, photo.Width, photo.Height,
		exif, photo.UploadStatus, photo.UploadProgress, photo.RetryCount,
		photo.LastAttemptAt, photo.NextAttemptAt, photo.LastError, photo.CreatedAt); err != nil {
		return storageErr("enqueue photo", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("enqueue photo", err)
	}
	return nil
}

// GetPhoto retrieves a photo queue entry by id.
func (r *Repository) GetPhoto(id models.UUID) (*models.QueuedPhoto, error) {
	query := photoSelect + " WHERE id = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	photo, err := scanPhoto(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrQueueEntryNotFound, "photo not queued: "+id.String())
	}
	if err != nil {
		return nil, storageErr("get photo", err)
	}
	return photo, nil
}

const photoSelect = `
	SELECT id, exposure_client_id, local_uri, file_name, file_size, mime_type,
		   width, height, exif, upload_status, upload_progress, retry_count,
		   last_attempt_at, next_attempt_at, last_error, created_at
	FROM photo_queue`

// ListPendingPhotos returns pending photos ordered by creation time.
// Ordering across photos is not significant for the uploader; the
// stable order just keeps drain passes deterministic.
func (r *Repository) ListPendingPhotos() ([]*models.QueuedPhoto, error) {
	query := photoSelect + " WHERE upload_status = 'pending' ORDER BY created_at ASC, rowid ASC"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, storageErr("list pending photos", err)
	}
	defer rows.Close()

	var photos []*models.QueuedPhoto
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, storageErr("list pending photos", err)
		}
		photos = append(photos, photo)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending photos", err)
	}
	return photos, nil
}

// ListPhotosByExposure returns all photos attached to an exposure.
func (r *Repository) ListPhotosByExposure(exposureClientID models.UUID) ([]*models.QueuedPhoto, error) {
	query := photoSelect + " WHERE exposure_client_id = ? ORDER BY created_at ASC, rowid ASC"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(exposureClientID)
	if err != nil {
		return nil, storageErr("list photos by exposure", err)
	}
	defer rows.Close()

	var photos []*models.QueuedPhoto
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, storageErr("list photos by exposure", err)
		}
		photos = append(photos, photo)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list photos by exposure", err)
	}
	return photos, nil
}

// UpdatePhoto writes back the mutable fields of a photo entry.
func (r *Repository) UpdatePhoto(photo *models.QueuedPhoto) error {
	query := `
	UPDATE photo_queue
	SET upload_status = ?, upload_progress = ?, retry_count = ?,
		last_attempt_at = ?, next_attempt_at = ?, last_error = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, photo.UploadStatus, photo.UploadProgress,
		photo.RetryCount, photo.LastAttemptAt, photo.NextAttemptAt, photo.LastError, photo.ID)
	if err != nil {
		return storageErr("update photo", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrQueueEntryNotFound, "photo not queued: "+photo.ID.String())
	}
	return nil
}

// UpdatePhotoProgress persists transfer progress for UI display.
func (r *Repository) UpdatePhotoProgress(id models.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := r.db.Exec("UPDATE photo_queue SET upload_progress = ? WHERE id = ?", progress, id)
	if err != nil {
		return storageErr("update photo progress", err)
	}
	return nil
}

// RemovePhoto deletes a photo queue entry after a confirmed upload.
func (r *Repository) RemovePhoto(id models.UUID) error {
	result, err := r.db.Exec("DELETE FROM photo_queue WHERE id = ?", id)
	if err != nil {
		return storageErr("remove photo", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrQueueEntryNotFound, "photo not queued: "+id.String())
	}
	return nil
}

// CountPendingPhotos counts non-terminal photo entries.
func (r *Repository) CountPendingPhotos() (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM photo_queue WHERE upload_status IN ('pending', 'uploading')").Scan(&count)
	if err != nil {
		return 0, storageErr("count pending photos", err)
	}
	return count, nil
}

// CountErroredPhotos counts photos that exhausted their retries.
func (r *Repository) CountErroredPhotos() (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM photo_queue WHERE upload_status = 'error'").Scan(&count)
	if err != nil {
		return 0, storageErr("count errored photos", err)
	}
	return count, nil
}

// EarliestPhotoWakeup returns the minimum next_attempt_at across
// pending photos still awaiting backoff, or 0 when none are waiting.
func (r *Repository) EarliestPhotoWakeup() (int64, error) {
	var wake sql.NullInt64
	err := r.db.QueryRow(
		"SELECT MIN(next_attempt_at) FROM photo_queue WHERE upload_status = 'pending' AND next_attempt_at > 0").Scan(&wake)
	if err != nil {
		return 0, storageErr("earliest photo wakeup", err)
	}
	return wake.Int64, nil
}

// ResetInterruptedUploads flips entries left 'uploading' by a previous
// process back to 'pending'. A byte transfer cannot resume mid-stream,
// so the upload restarts from zero progress.
func (r *Repository) ResetInterruptedUploads() (int, error) {
	result, err := r.db.Exec(`
	UPDATE photo_queue
	SET upload_status = 'pending', upload_progress = 0
	WHERE upload_status = 'uploading'`)
	if err != nil {
		return 0, storageErr("reset interrupted uploads", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// RetryErroredPhotos resets errored photos to pending for a manual retry.
func (r *Repository) RetryErroredPhotos() (int, error) {
	result, err := r.db.Exec(`
	UPDATE photo_queue
	SET upload_status = 'pending', upload_progress = 0, retry_count = 0,
		next_attempt_at = 0, last_error = ''
	WHERE upload_status = 'error'`)
	if err != nil {
		return 0, storageErr("retry errored photos", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func scanPhoto(s scanner) (*models.QueuedPhoto, error) {
	var photo models.QueuedPhoto
	var exif sql.NullString
	err := s.Scan(&photo.ID, &photo.ExposureClientID, &photo.LocalURI, &photo.FileName,
		&photo.FileSize, &photo.MimeType, &photo.Width, &photo.Height, &exif,
		&photo.UploadStatus, &photo.UploadProgress, &photo.RetryCount,
		&photo.LastAttemptAt, &photo.NextAttemptAt, &photo.LastError, &photo.CreatedAt)
	if err != nil {
		return nil, err
	}
	if exif.Valid {
		photo.EXIF = json.RawMessage(exif.String)
	}
	return &photo, nil
}

// =====================================================
// Synced Record Cache Operations
// =====================================================

// UpsertSyncedRecord caches a server-acknowledged exposure.
func (r *Repository) UpsertSyncedRecord(record *models.SyncedRecord) error {
	if record.SyncedAt == 0 {
		record.SyncedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO synced_records (client_id, remote_id, payload, synced_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		remote_id = excluded.remote_id,
		payload = excluded.payload,
		synced_at = excluded.synced_at
	`
	_, err := r.db.Exec(query, record.ClientID, record.RemoteID, string(record.Payload), record.SyncedAt)
	if err != nil {
		return storageErr("upsert synced record", err)
	}
	return nil
}

// GetSyncedRecord looks up the cache by client id. The photo worker
// uses this to resolve a parent exposure's remote id.
func (r *Repository) GetSyncedRecord(clientID models.UUID) (*models.SyncedRecord, error) {
	query := `SELECT client_id, remote_id, payload, synced_at FROM synced_records WHERE client_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var record models.SyncedRecord
	var payload string
	err = stmt.QueryRow(clientID).Scan(&record.ClientID, &record.RemoteID, &payload, &record.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "no synced record for "+clientID.String())
	}
	if err != nil {
		return nil, storageErr("get synced record", err)
	}
	record.Payload = json.RawMessage(payload)
	return &record, nil
}

// AppendCachedPhotoID adds a remote photo id to a cached record's
// payload once its upload is confirmed.
func (r *Repository) AppendCachedPhotoID(clientID models.UUID, remotePhotoID string) error {
	record, err := r.GetSyncedRecord(clientID)
	if err != nil {
		return err
	}

	payload, err := models.DecodeExposurePayload(record.Payload)
	if err != nil {
		return storageErr("append cached photo id", err)
	}
	payload.PhotoIDs = append(payload.PhotoIDs, remotePhotoID)

	raw, err := payload.Encode()
	if err != nil {
		return storageErr("append cached photo id", err)
	}

	_, err = r.db.Exec("UPDATE synced_records SET payload = ? WHERE client_id = ?",
		string(raw), clientID)
	if err != nil {
		return storageErr("append cached photo id", err)
	}
	return nil
}

// ListSyncedRecords returns cached records, newest first, optionally
// narrowed by report filters.
func (r *Repository) ListSyncedRecords(fb *FilterBuilder, limit, offset int) ([]*models.SyncedRecord, error) {
	query := `SELECT client_id, remote_id, payload, synced_at FROM synced_records sr`
	var args []interface{}

	if fb != nil && fb.HasFilters() {
		where, whereArgs := fb.Build()
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}

	query += " ORDER BY synced_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("list synced records", err)
	}
	defer rows.Close()

	var records []*models.SyncedRecord
	for rows.Next() {
		var record models.SyncedRecord
		var payload string
		if err := rows.Scan(&record.ClientID, &record.RemoteID, &payload, &record.SyncedAt); err != nil {
			return nil, storageErr("list synced records", err)
		}
		record.Payload = json.RawMessage(payload)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list synced records", err)
	}
	return records, nil
}
