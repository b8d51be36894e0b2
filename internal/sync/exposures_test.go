package sync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jcortes/exposurelog/backend/internal/db"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/sync/queue"
)

// newTestStore opens a migrated queue store in a temp directory.
func newTestStore(t *testing.T) *queue.Store {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return queue.NewStore(db.NewRepository(database.DB))
}

func enqueueReport(t *testing.T, store *queue.Store, exposureType string) *models.QueuedExposure {
	t.Helper()

	entry, err := store.EnqueueExposure(&models.ExposurePayload{
		ExposureType:    exposureType,
		DurationMinutes: 30,
		Location:        models.Location{Latitude: 51.5, Longitude: -0.1},
		Severity:        "moderate",
	})
	if err != nil {
		t.Fatalf("EnqueueExposure() failed: %v", err)
	}
	return entry
}

// fakeExposureAPI scripts per-call outcomes and records the order the
// worker pushed entries in.
type fakeExposureAPI struct {
	errs    map[string][]error // per clientID, consumed in order
	created []string
	nextID  int
}

func newFakeExposureAPI() *fakeExposureAPI {
	return &fakeExposureAPI{errs: make(map[string][]error)}
}

func (f *fakeExposureAPI) failWith(clientID string, errs ...error) {
	f.errs[clientID] = append(f.errs[clientID], errs...)
}

func (f *fakeExposureAPI) CreateExposure(ctx context.Context, clientID string, payload json.RawMessage) (string, error) {
	if queued := f.errs[clientID]; len(queued) > 0 {
		err := queued[0]
		f.errs[clientID] = queued[1:]
		return "", err
	}
	f.created = append(f.created, clientID)
	f.nextID++
	return "remote-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeExposureAPI) UpdateExposure(ctx context.Context, remoteID string, payload json.RawMessage) error {
	return nil
}

func (f *fakeExposureAPI) SoftDeleteExposure(ctx context.Context, remoteID string) error {
	return nil
}

func alwaysOnline() bool { return true }

func newExposureWorker(store *queue.Store, api ExposureAPI, auth AuthSession) *ExposureWorker {
	return NewExposureWorker(store, api, auth, NewBackoff(time.Second, time.Minute), 5*time.Second, alwaysOnline)
}

// TestExposureDrain_FIFO verifies entries sync in capture order and
// land in the synced-record cache.
func TestExposureDrain_FIFO(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	first := enqueueReport(t, store, "noise")
	second := enqueueReport(t, store, "silica_dust")

	worker := newExposureWorker(store, api, newFakeAuth())
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Synced != 2 || result.Failed != 0 || result.Blocked {
		t.Errorf("result = %+v, want 2 synced", result)
	}

	if len(api.created) != 2 || api.created[0] != first.ClientID.String() || api.created[1] != second.ClientID.String() {
		t.Errorf("created order = %v, want capture order", api.created)
	}

	for _, entry := range []*models.QueuedExposure{first, second} {
		if _, synced, _ := store.ParentRemoteID(entry.ClientID); !synced {
			t.Errorf("entry %s should be in the synced cache", entry.ClientID)
		}
	}

	pendingExposures, _, _, _, _ := store.Counts()
	if pendingExposures != 0 {
		t.Errorf("pending = %d, want 0 after drain", pendingExposures)
	}
}

// TestExposureDrain_TransientBlocksQueue verifies head-of-line blocking:
// a transient failure at the head stops everything behind it.
func TestExposureDrain_TransientBlocksQueue(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	first := enqueueReport(t, store, "noise")
	second := enqueueReport(t, store, "vibration")

	api.failWith(first.ClientID.String(), apperrors.New(apperrors.ErrSyncTransient, "server unavailable"))

	worker := newExposureWorker(store, api, newFakeAuth())
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if !result.Blocked || result.Synced != 0 {
		t.Errorf("result = %+v, want blocked with nothing synced", result)
	}

	// The second entry must not have been attempted
	if len(api.created) != 0 {
		t.Errorf("created = %v, want no attempts past the blocked head", api.created)
	}

	got, err := store.GetExposure(first.ClientID)
	if err != nil {
		t.Fatalf("GetExposure() failed: %v", err)
	}
	if got.SyncStatus != models.SyncStatusPending || got.RetryCount != 1 {
		t.Errorf("head = status %s retries %d, want pending with 1 retry", got.SyncStatus, got.RetryCount)
	}
	if got.NextAttemptAt <= time.Now().Unix()-1 {
		t.Errorf("NextAttemptAt = %d, want a future backoff", got.NextAttemptAt)
	}
	if got.LastError == "" {
		t.Error("LastError should record the failure")
	}

	untouched, _ := store.GetExposure(second.ClientID)
	if untouched.SyncStatus != models.SyncStatusPending || untouched.RetryCount != 0 {
		t.Errorf("second entry = %+v, want untouched", untouched)
	}
}

// TestExposureDrain_PermanentContinues verifies a rejected entry is
// sidelined and the drain moves on.
func TestExposureDrain_PermanentContinues(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	first := enqueueReport(t, store, "noise")
	second := enqueueReport(t, store, "heat")

	api.failWith(first.ClientID.String(), apperrors.New(apperrors.ErrSyncPermanent, "validation rejected"))

	worker := newExposureWorker(store, api, newFakeAuth())
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want 1 synced 1 failed", result)
	}

	failed, _ := store.GetExposure(first.ClientID)
	if failed.SyncStatus != models.SyncStatusFailed {
		t.Errorf("first = %s, want failed", failed.SyncStatus)
	}

	if _, synced, _ := store.ParentRemoteID(second.ClientID); !synced {
		t.Error("second entry should have synced past the failure")
	}
}

// TestExposureDrain_AuthPausesAndResumes verifies the worker parks on
// expired credentials and replays the same entry after a refresh.
func TestExposureDrain_AuthPausesAndResumes(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()
	auth := newFakeAuth()

	entry := enqueueReport(t, store, "noise")
	api.failWith(entry.ClientID.String(), apperrors.New(apperrors.ErrSyncAuthExpired, "token expired"))

	worker := newExposureWorker(store, api, auth)

	done := make(chan DrainResult, 1)
	go func() {
		result, err := worker.Drain(context.Background())
		if err != nil {
			t.Errorf("Drain() failed: %v", err)
		}
		done <- result
	}()

	// Give the worker time to hit the auth failure and park
	time.Sleep(100 * time.Millisecond)
	auth.refresh()

	select {
	case result := <-done:
		if !result.Paused || result.Synced != 1 {
			t.Errorf("result = %+v, want paused then 1 synced", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not resume after auth refresh")
	}

	// No retry was consumed by the auth bounce
	got, err := store.GetSyncedRecord(entry.ClientID)
	if err != nil {
		t.Fatalf("entry should be synced after resume: %v", err)
	}
	if got.RemoteID == "" {
		t.Error("synced record missing remote id")
	}
}

// TestExposureDrain_AuthPauseCanceled verifies ctx cancellation unparks
// the worker without syncing.
func TestExposureDrain_AuthPauseCanceled(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	entry := enqueueReport(t, store, "noise")
	api.failWith(entry.ClientID.String(), apperrors.New(apperrors.ErrSyncAuthExpired, "token expired"))

	worker := newExposureWorker(store, api, newFakeAuth())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan DrainResult, 1)
	go func() {
		result, _ := worker.Drain(ctx)
		done <- result
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		if !result.Paused || result.Synced != 0 {
			t.Errorf("result = %+v, want paused with nothing synced", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not stop on cancellation")
	}
}

// TestExposureDrain_Offline verifies nothing is attempted while
// unreachable.
func TestExposureDrain_Offline(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	enqueueReport(t, store, "noise")

	worker := NewExposureWorker(store, api, newFakeAuth(),
		NewBackoff(time.Second, time.Minute), 5*time.Second, func() bool { return false })

	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if !result.Offline || len(api.created) != 0 {
		t.Errorf("result = %+v with %d attempts, want offline and none", result, len(api.created))
	}
}

// droppingExposureAPI answers a create while flipping connectivity
// off before the response is observed, as when the radio dies with a
// request in flight.
type droppingExposureAPI struct {
	online atomic.Bool
	inner  *fakeExposureAPI
}

func (d *droppingExposureAPI) CreateExposure(ctx context.Context, clientID string, payload json.RawMessage) (string, error) {
	d.online.Store(false)
	return d.inner.CreateExposure(ctx, clientID, payload)
}

func (d *droppingExposureAPI) UpdateExposure(ctx context.Context, remoteID string, payload json.RawMessage) error {
	return d.inner.UpdateExposure(ctx, remoteID, payload)
}

func (d *droppingExposureAPI) SoftDeleteExposure(ctx context.Context, remoteID string) error {
	return d.inner.SoftDeleteExposure(ctx, remoteID)
}

// TestExposureDrain_OfflineMidFlight verifies a connectivity drop
// during an in-flight create does not lose the result: the response
// that does arrive is applied before the drain stops.
func TestExposureDrain_OfflineMidFlight(t *testing.T) {
	store := newTestStore(t)
	api := &droppingExposureAPI{inner: newFakeExposureAPI()}
	api.online.Store(true)

	entry := enqueueReport(t, store, "noise")

	worker := NewExposureWorker(store, api, newFakeAuth(),
		NewBackoff(time.Second, time.Minute), 5*time.Second, api.online.Load)

	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Synced != 1 || !result.Offline {
		t.Errorf("result = %+v, want the in-flight success applied before going offline", result)
	}
	if _, synced, _ := store.ParentRemoteID(entry.ClientID); !synced {
		t.Error("entry should be in the synced cache despite the mid-flight drop")
	}
}

// TestExposureDrain_TimeoutRetriesThenSuccess verifies the retry
// counter survives repeated timeouts and the entry eventually lands.
func TestExposureDrain_TimeoutRetriesThenSuccess(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	entry := enqueueReport(t, store, "noise")
	api.failWith(entry.ClientID.String(),
		apperrors.New(apperrors.ErrSyncTimeout, "request timed out"),
		apperrors.New(apperrors.ErrSyncTimeout, "request timed out"),
		apperrors.New(apperrors.ErrSyncTimeout, "request timed out"))

	worker := NewExposureWorker(store, api, newFakeAuth(),
		NewBackoff(time.Millisecond, 10*time.Millisecond), 5*time.Second, alwaysOnline)

	for want := 1; want <= 3; want++ {
		result, err := worker.Drain(context.Background())
		if err != nil {
			t.Fatalf("Drain() %d failed: %v", want, err)
		}
		if !result.Blocked || result.Synced != 0 {
			t.Fatalf("drain %d result = %+v, want blocked", want, result)
		}

		got, err := store.GetExposure(entry.ClientID)
		if err != nil {
			t.Fatalf("GetExposure() failed: %v", err)
		}
		if got.SyncStatus != models.SyncStatusPending || got.RetryCount != want {
			t.Fatalf("after timeout %d: status %s retries %d, want pending with %d retries",
				want, got.SyncStatus, got.RetryCount, want)
		}

		// Fast-forward past the backoff instead of sleeping it out
		got.NextAttemptAt = 0
		if err := store.UpdateExposure(got); err != nil {
			t.Fatalf("UpdateExposure() failed: %v", err)
		}
	}

	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("final Drain() failed: %v", err)
	}
	if result.Synced != 1 {
		t.Errorf("result = %+v, want the fourth attempt to succeed", result)
	}
	if _, synced, _ := store.ParentRemoteID(entry.ClientID); !synced {
		t.Error("entry should be in the synced cache after the retries")
	}
}

// markFailStore fails the pending-to-syncing transition a set number
// of times, then behaves like the real store.
type markFailStore struct {
	*queue.Store
	failures int
}

func (s *markFailStore) MarkExposureSyncing(clientID models.UUID) error {
	if s.failures > 0 {
		s.failures--
		return apperrors.New(apperrors.ErrStorage, "database disk image is malformed")
	}
	return s.Store.MarkExposureSyncing(clientID)
}

// TestExposureDrain_StorageFailureSidelinesEntry verifies a storage
// error while claiming the head marks that entry failed and the drain
// moves on.
func TestExposureDrain_StorageFailureSidelinesEntry(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	first := enqueueReport(t, store, "noise")
	second := enqueueReport(t, store, "heat")

	worker := NewExposureWorker(&markFailStore{Store: store, failures: 1}, api, newFakeAuth(),
		NewBackoff(time.Second, time.Minute), 5*time.Second, alwaysOnline)

	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want 1 synced 1 failed", result)
	}

	failed, err := store.GetExposure(first.ClientID)
	if err != nil {
		t.Fatalf("GetExposure() failed: %v", err)
	}
	if failed.SyncStatus != models.SyncStatusFailed || failed.LastError == "" {
		t.Errorf("first = status %s lastError %q, want failed with the storage error recorded",
			failed.SyncStatus, failed.LastError)
	}

	if _, synced, _ := store.ParentRemoteID(second.ClientID); !synced {
		t.Error("second entry should have synced past the sidelined head")
	}
}

// TestExposureDrain_BackoffRespected verifies an entry waiting out its
// backoff blocks the drain without an attempt.
func TestExposureDrain_BackoffRespected(t *testing.T) {
	store := newTestStore(t)
	api := newFakeExposureAPI()

	entry := enqueueReport(t, store, "noise")
	entry.NextAttemptAt = time.Now().Add(time.Hour).Unix()
	if err := store.UpdateExposure(entry); err != nil {
		t.Fatalf("UpdateExposure() failed: %v", err)
	}

	worker := newExposureWorker(store, api, newFakeAuth())
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if !result.Blocked || len(api.created) != 0 {
		t.Errorf("result = %+v with %d attempts, want blocked and none", result, len(api.created))
	}
}
