package sync

import (
	"context"
	"time"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/models"
)

// DrainResult summarizes one drain pass over the exposure queue.
type DrainResult struct {
	Synced  int
	Failed  int
	Blocked bool // head of queue is waiting out a backoff
	Paused  bool // worker parked on expired credentials
	Offline bool // connectivity dropped mid-drain
}

// ExposureQueue is the slice of the queue store the worker drives.
// *queue.Store satisfies it.
type ExposureQueue interface {
	PendingExposures() ([]*models.QueuedExposure, error)
	MarkExposureSyncing(clientID models.UUID) error
	CompleteExposure(entry *models.QueuedExposure, remoteID string) error
	UpdateExposure(entry *models.QueuedExposure) error
}

// ExposureWorker drains queued exposure reports strictly in capture
// order, one at a time. A transient failure at the head blocks the
// whole queue so reports never arrive out of order; a permanent failure
// sidelines the entry and the drain continues.
type ExposureWorker struct {
	store   ExposureQueue
	api     ExposureAPI
	auth    AuthSession
	backoff *Backoff
	timeout time.Duration
	online  func() bool
}

// NewExposureWorker creates the worker. online is consulted before each
// remote attempt so a connectivity drop stops new work while an
// in-flight request is left to finish.
func NewExposureWorker(store ExposureQueue, api ExposureAPI, auth AuthSession, backoff *Backoff, timeout time.Duration, online func() bool) *ExposureWorker {
	return &ExposureWorker{
		store:   store,
		api:     api,
		auth:    auth,
		backoff: backoff,
		timeout: timeout,
		online:  online,
	}
}

// Drain processes pending entries until the queue empties, the head
// enters backoff, connectivity drops, or ctx is canceled. The pending
// list is re-read after every entry so external mutations (a discarded
// draft, a manual retry) are picked up mid-drain.
func (w *ExposureWorker) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	for {
		if ctx.Err() != nil {
			return result, nil
		}
		if !w.online() {
			result.Offline = true
			return result, nil
		}

		pending, err := w.store.PendingExposures()
		if err != nil {
			return result, err
		}
		if len(pending) == 0 {
			return result, nil
		}

		head := pending[0]
		if !head.Ready(time.Now().Unix()) {
			// Capture order is strict: a head in backoff blocks
			// everything behind it.
			result.Blocked = true
			return result, nil
		}

		outcome, err := w.attempt(ctx, head)
		if err != nil {
			return result, err
		}

		switch outcome {
		case attemptSynced:
			result.Synced++
		case attemptFailed:
			result.Failed++
		case attemptBackoff:
			result.Blocked = true
			return result, nil
		case attemptAuthExpired:
			result.Paused = true
			if !w.waitForAuth(ctx) {
				return result, nil
			}
			// Credentials renewed; retry the same head.
		}
	}
}

type attemptOutcome int

const (
	attemptSynced attemptOutcome = iota
	attemptFailed
	attemptBackoff
	attemptAuthExpired
)

// attempt pushes one entry to the server and records the outcome.
func (w *ExposureWorker) attempt(ctx context.Context, entry *models.QueuedExposure) (attemptOutcome, error) {
	if err := w.store.MarkExposureSyncing(entry.ClientID); err != nil {
		// Storage trouble is fatal for this entry: sideline it and
		// keep draining. If the failed-mark goes through the same
		// broken store, the drain aborts and the entry stays pending
		// for the next cycle.
		entry.SyncStatus = models.SyncStatusFailed
		entry.LastError = err.Error()
		if uerr := w.store.UpdateExposure(entry); uerr != nil {
			return attemptFailed, err
		}
		logging.ErrorWithCode("exposure sidelined on storage failure", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"clientId": entry.ClientID.String(),
		})
		return attemptFailed, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	remoteID, err := w.api.CreateExposure(callCtx, entry.ClientID.String(), entry.Payload)
	cancel()

	now := time.Now().Unix()
	entry.LastAttemptAt = now

	if err == nil {
		if err := w.store.CompleteExposure(entry, remoteID); err != nil {
			return attemptFailed, err
		}
		logging.Info("exposure synced", map[string]interface{}{
			"clientId": entry.ClientID.String(),
			"remoteId": remoteID,
			"retries":  entry.RetryCount,
		})
		return attemptSynced, nil
	}

	switch {
	case apperrors.IsAuthExpired(err):
		// Not a retry: the entry goes back to pending untouched and
		// the worker parks until the session refreshes.
		entry.SyncStatus = models.SyncStatusPending
		entry.LastError = err.Error()
		if uerr := w.store.UpdateExposure(entry); uerr != nil {
			return attemptFailed, uerr
		}
		logging.Warn("sync paused, credentials expired", map[string]interface{}{
			"clientId": entry.ClientID.String(),
		})
		return attemptAuthExpired, nil

	case apperrors.IsPermanent(err):
		entry.SyncStatus = models.SyncStatusFailed
		entry.LastError = err.Error()
		if uerr := w.store.UpdateExposure(entry); uerr != nil {
			return attemptFailed, uerr
		}
		logging.ErrorWithCode("exposure rejected by server", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"clientId": entry.ClientID.String(),
		})
		return attemptFailed, nil

	default:
		// Transient, timeout, or offline: back off and retry later.
		// Retries are unbounded; the report must eventually arrive.
		entry.SyncStatus = models.SyncStatusPending
		entry.RetryCount++
		entry.NextAttemptAt = w.backoff.NextAttempt(time.Now(), entry.RetryCount)
		entry.LastError = err.Error()
		if uerr := w.store.UpdateExposure(entry); uerr != nil {
			return attemptFailed, uerr
		}
		logging.Warn("exposure sync attempt failed", map[string]interface{}{
			"clientId":   entry.ClientID.String(),
			"retryCount": entry.RetryCount,
			"nextAt":     entry.NextAttemptAt,
			"error":      err.Error(),
		})
		return attemptBackoff, nil
	}
}

// waitForAuth parks until the session refreshes. Returns false when ctx
// is canceled first.
func (w *ExposureWorker) waitForAuth(ctx context.Context) bool {
	select {
	case <-w.auth.Refreshed():
		logging.Info("credentials refreshed, sync resuming", nil)
		return true
	case <-ctx.Done():
		return false
	}
}
