package sync

import (
	"context"
	"io"
	"os"
	stdsync "sync"
	"time"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/sync/queue"
)

// PhotoDrainResult summarizes one drain pass over the photo queue.
type PhotoDrainResult struct {
	Uploaded int
	Errored  int
	Skipped  int // parent exposure not synced yet
	Blocked  bool
	Paused   bool
	Offline  bool
}

// BlobOpener resolves a queued photo's local uri to its bytes.
type BlobOpener func(localURI string) (io.ReadCloser, int64, error)

// OpenFile is the default BlobOpener, reading photos straight from the
// capture directory.
func OpenFile(localURI string) (io.ReadCloser, int64, error) {
	f, err := os.Open(localURI)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// PhotoWorker uploads queued photos with bounded concurrency. Photos
// are independent of each other, so unlike the exposure queue a failing
// photo backs off alone and its siblings keep uploading. Retries are
// bounded; a photo that keeps failing goes to the error state and waits
// for a manual retry.
type PhotoWorker struct {
	store       *queue.Store
	api         PhotoAPI
	auth        AuthSession
	backoff     *Backoff
	timeout     time.Duration
	maxRetries  int
	concurrency int
	online      func() bool
	open        BlobOpener
}

// NewPhotoWorker creates the worker. A nil opener reads from the
// filesystem.
func NewPhotoWorker(store *queue.Store, api PhotoAPI, auth AuthSession, backoff *Backoff, timeout time.Duration, maxRetries, concurrency int, online func() bool, open BlobOpener) *PhotoWorker {
	if open == nil {
		open = OpenFile
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &PhotoWorker{
		store:       store,
		api:         api,
		auth:        auth,
		backoff:     backoff,
		timeout:     timeout,
		maxRetries:  maxRetries,
		concurrency: concurrency,
		online:      online,
		open:        open,
	}
}

// Drain uploads every eligible photo once and returns. Eligible means
// pending, out of backoff, and parented by a synced exposure. The
// orchestrator calls Drain again when new work or a wakeup arrives.
func (w *PhotoWorker) Drain(ctx context.Context) (PhotoDrainResult, error) {
	var result PhotoDrainResult

	if !w.auth.Valid() {
		result.Paused = true
		return result, nil
	}
	if !w.online() {
		result.Offline = true
		return result, nil
	}

	pending, err := w.store.PendingPhotos()
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	now := time.Now().Unix()
	var eligible []*photoJob
	for _, photo := range pending {
		if !photo.Ready(now) {
			result.Blocked = true
			continue
		}
		remoteID, synced, err := w.store.ParentRemoteID(photo.ExposureClientID)
		if err != nil {
			return result, err
		}
		if !synced {
			result.Skipped++
			continue
		}
		eligible = append(eligible, &photoJob{photo: photo, exposureRemoteID: remoteID})
	}
	if len(eligible) == 0 {
		return result, nil
	}

	var (
		mu  stdsync.Mutex
		wg  stdsync.WaitGroup
		sem = make(chan struct{}, w.concurrency)
	)
	for _, job := range eligible {
		if ctx.Err() != nil || !w.online() {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(job *photoJob) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := w.upload(ctx, job)

			mu.Lock()
			switch outcome {
			case uploadDone:
				result.Uploaded++
			case uploadErrored:
				result.Errored++
			case uploadBackoff:
				result.Blocked = true
			case uploadAuthExpired:
				result.Paused = true
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	return result, nil
}

type photoJob struct {
	photo            *models.QueuedPhoto
	exposureRemoteID string
}

type uploadOutcome int

const (
	uploadDone uploadOutcome = iota
	uploadErrored
	uploadBackoff
	uploadAuthExpired
)

// upload runs the two-phase transfer for one photo and records the
// outcome on the queue entry.
func (w *PhotoWorker) upload(ctx context.Context, job *photoJob) uploadOutcome {
	photo := job.photo

	photo.UploadStatus = models.UploadStatusUploading
	photo.UploadProgress = 0
	photo.LastAttemptAt = time.Now().Unix()
	if err := w.store.UpdatePhoto(photo); err != nil {
		logging.Error("failed to mark photo uploading", err, map[string]interface{}{
			"photoId": photo.ID.String(),
		})
		return uploadErrored
	}

	remotePhotoID, err := w.transfer(ctx, job)
	if err == nil {
		if err := w.store.CompletePhoto(photo, remotePhotoID); err != nil {
			logging.Error("failed to record completed upload", err, map[string]interface{}{
				"photoId": photo.ID.String(),
			})
			return uploadErrored
		}
		logging.Info("photo uploaded", map[string]interface{}{
			"photoId":  photo.ID.String(),
			"remoteId": remotePhotoID,
			"retries":  photo.RetryCount,
		})
		return uploadDone
	}

	switch {
	case apperrors.IsAuthExpired(err):
		photo.UploadStatus = models.UploadStatusPending
		photo.UploadProgress = 0
		photo.LastError = err.Error()
		w.persist(photo)
		return uploadAuthExpired

	case apperrors.IsPermanent(err):
		photo.UploadStatus = models.UploadStatusError
		photo.LastError = err.Error()
		w.persist(photo)
		logging.ErrorWithCode("photo rejected by server", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"photoId": photo.ID.String(),
		})
		return uploadErrored

	default:
		photo.RetryCount++
		photo.UploadProgress = 0
		photo.LastError = err.Error()
		if photo.RetryCount >= w.maxRetries {
			photo.UploadStatus = models.UploadStatusError
			w.persist(photo)
			logging.ErrorWithCode("photo retries exhausted", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"photoId": photo.ID.String(),
				"retries": photo.RetryCount,
			})
			return uploadErrored
		}

		photo.UploadStatus = models.UploadStatusPending
		photo.NextAttemptAt = w.backoff.NextAttempt(time.Now(), photo.RetryCount)
		w.persist(photo)
		logging.Warn("photo upload attempt failed", map[string]interface{}{
			"photoId":    photo.ID.String(),
			"retryCount": photo.RetryCount,
			"nextAt":     photo.NextAttemptAt,
			"error":      err.Error(),
		})
		return uploadBackoff
	}
}

// transfer performs slot request, byte transfer, and confirm under one
// per-photo timeout.
func (w *PhotoWorker) transfer(ctx context.Context, job *photoJob) (string, error) {
	photo := job.photo

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	meta := &PhotoMeta{
		FileName: photo.FileName,
		FileSize: photo.FileSize,
		MimeType: photo.MimeType,
		Width:    photo.Width,
		Height:   photo.Height,
		EXIF:     photo.EXIF,
	}
	slot, err := w.api.RequestUploadSlot(callCtx, job.exposureRemoteID, meta)
	if err != nil {
		return "", err
	}

	body, size, err := w.open(photo.LocalURI)
	if err != nil {
		// The capture file is gone; no retry can bring it back.
		return "", apperrors.Wrap(apperrors.ErrSyncPermanent, "open photo blob", err)
	}
	defer body.Close()

	progress := func(percent int) {
		if err := w.store.UpdatePhotoProgress(photo.ID, percent); err != nil {
			logging.Warn("failed to persist upload progress", map[string]interface{}{
				"photoId": photo.ID.String(),
			})
		}
	}
	if err := w.api.TransferBytes(callCtx, slot, body, size, progress); err != nil {
		return "", err
	}

	return w.api.ConfirmUpload(callCtx, job.exposureRemoteID, slot)
}

// persist writes bookkeeping, logging rather than failing the drain on
// a storage hiccup.
func (w *PhotoWorker) persist(photo *models.QueuedPhoto) {
	if err := w.store.UpdatePhoto(photo); err != nil {
		logging.Error("failed to persist photo state", err, map[string]interface{}{
			"photoId": photo.ID.String(),
		})
	}
}
