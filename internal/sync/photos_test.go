package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	stdsync "sync"
	"testing"
	"time"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/media"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/sync/queue"
)

// fakePhotoAPI scripts upload outcomes per file name and tracks peak
// concurrency across TransferBytes calls.
type fakePhotoAPI struct {
	mu        stdsync.Mutex
	errs      map[string][]error // per file name, consumed at slot request
	confirmed []string
	inflight  int
	peak      int
	delay     time.Duration
	nextID    int
}

func newFakePhotoAPI() *fakePhotoAPI {
	return &fakePhotoAPI{errs: make(map[string][]error)}
}

func (f *fakePhotoAPI) failWith(fileName string, errs ...error) {
	f.errs[fileName] = append(f.errs[fileName], errs...)
}

func (f *fakePhotoAPI) RequestUploadSlot(ctx context.Context, exposureRemoteID string, meta *PhotoMeta) (*UploadSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.errs[meta.FileName]; len(queued) > 0 {
		err := queued[0]
		f.errs[meta.FileName] = queued[1:]
		return nil, err
	}
	return &UploadSlot{UploadURL: "mem://" + meta.FileName, SlotID: meta.FileName}, nil
}

func (f *fakePhotoAPI) TransferBytes(ctx context.Context, slot *UploadSlot, body io.Reader, size int64, progress func(percent int)) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	io.Copy(io.Discard, body)
	if progress != nil {
		progress(100)
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return nil
}

func (f *fakePhotoAPI) ConfirmUpload(ctx context.Context, exposureRemoteID string, slot *UploadSlot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, slot.SlotID)
	f.nextID++
	return "photo-" + string(rune('0'+f.nextID)), nil
}

// memOpener serves photo bytes from memory.
func memOpener(localURI string) (io.ReadCloser, int64, error) {
	data := []byte("photo bytes for " + localURI)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func newPhotoWorker(store *queue.Store, api PhotoAPI, auth AuthSession, concurrency int) *PhotoWorker {
	return NewPhotoWorker(store, api, auth, NewBackoff(time.Second, time.Minute),
		5*time.Second, 5, concurrency, alwaysOnline, memOpener)
}

// syncedParent enqueues an exposure and completes it so photos may
// upload.
func syncedParent(t *testing.T, store *queue.Store) models.UUID {
	t.Helper()

	entry := enqueueReport(t, store, "noise")
	if err := store.CompleteExposure(entry, "remote-"+entry.ClientID.String()[:8]); err != nil {
		t.Fatalf("CompleteExposure() failed: %v", err)
	}
	return entry.ClientID
}

func queuePhoto(t *testing.T, store *queue.Store, parent models.UUID, fileName string) *models.QueuedPhoto {
	t.Helper()

	photo, err := store.EnqueuePhoto(parent, "/data/photos/"+fileName, &media.Meta{
		FileName: fileName,
		FileSize: 1024,
		MimeType: "image/jpeg",
		Width:    640,
		Height:   480,
	}, nil)
	if err != nil {
		t.Fatalf("EnqueuePhoto(%s) failed: %v", fileName, err)
	}
	return photo
}

// TestPhotoDrain_Uploads verifies the happy path: uploads confirm,
// remote ids land on the cached parent, entries go terminal.
func TestPhotoDrain_Uploads(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	parent := syncedParent(t, store)
	queuePhoto(t, store, parent, "a.jpg")
	queuePhoto(t, store, parent, "b.jpg")

	worker := newPhotoWorker(store, api, newFakeAuth(), 2)
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Uploaded != 2 || result.Errored != 0 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 2 uploaded", result)
	}

	record, err := store.GetSyncedRecord(parent)
	if err != nil {
		t.Fatalf("GetSyncedRecord() failed: %v", err)
	}
	payload, _ := models.DecodeExposurePayload(record.Payload)
	if len(payload.PhotoIDs) != 2 {
		t.Errorf("cached PhotoIDs = %v, want 2 entries", payload.PhotoIDs)
	}

	photos, _ := store.PhotosByExposure(parent)
	for _, photo := range photos {
		if photo.UploadStatus != models.UploadStatusUploaded || photo.UploadProgress != 100 {
			t.Errorf("photo %s = %s at %d%%, want uploaded at 100%%",
				photo.FileName, photo.UploadStatus, photo.UploadProgress)
		}
	}
}

// TestPhotoDrain_SkipsUnsyncedParent verifies photos wait for their
// exposure.
func TestPhotoDrain_SkipsUnsyncedParent(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	unsynced := enqueueReport(t, store, "heat")
	queuePhoto(t, store, unsynced.ClientID, "early.jpg")

	synced := syncedParent(t, store)
	queuePhoto(t, store, synced, "ready.jpg")

	worker := newPhotoWorker(store, api, newFakeAuth(), 2)
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Uploaded != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 1 uploaded 1 skipped", result)
	}
	if len(api.confirmed) != 1 || api.confirmed[0] != "ready.jpg" {
		t.Errorf("confirmed = %v, want only ready.jpg", api.confirmed)
	}
}

// TestPhotoDrain_TransientBackoff verifies a failing photo backs off
// alone while its sibling uploads.
func TestPhotoDrain_TransientBackoff(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	parent := syncedParent(t, store)
	flaky := queuePhoto(t, store, parent, "flaky.jpg")
	queuePhoto(t, store, parent, "solid.jpg")

	api.failWith("flaky.jpg", apperrors.New(apperrors.ErrSyncTransient, "upload interrupted"))

	worker := newPhotoWorker(store, api, newFakeAuth(), 2)
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Uploaded != 1 || !result.Blocked {
		t.Errorf("result = %+v, want 1 uploaded and blocked", result)
	}

	// Reload the flaky photo
	photos, _ := store.PhotosByExposure(parent)
	for _, photo := range photos {
		if photo.ID != flaky.ID {
			continue
		}
		if photo.UploadStatus != models.UploadStatusPending || photo.RetryCount != 1 {
			t.Errorf("flaky = %s with %d retries, want pending with 1", photo.UploadStatus, photo.RetryCount)
		}
		if photo.NextAttemptAt <= time.Now().Unix()-1 {
			t.Errorf("NextAttemptAt = %d, want a future backoff", photo.NextAttemptAt)
		}
	}
}

// TestPhotoDrain_RetriesExhausted verifies the bounded retry budget
// lands the photo in the error state.
func TestPhotoDrain_RetriesExhausted(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	parent := syncedParent(t, store)
	photo := queuePhoto(t, store, parent, "doomed.jpg")

	transient := apperrors.New(apperrors.ErrSyncTransient, "still broken")
	api.failWith("doomed.jpg", transient, transient, transient, transient, transient)

	worker := NewPhotoWorker(store, api, newFakeAuth(), NewBackoff(time.Millisecond, time.Millisecond),
		5*time.Second, 5, 1, alwaysOnline, memOpener)

	// Each drain consumes one attempt once the backoff expires
	deadline := time.Now().Add(10 * time.Second)
	for {
		result, err := worker.Drain(context.Background())
		if err != nil {
			t.Fatalf("Drain() failed: %v", err)
		}
		if result.Errored == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("photo never reached the error state")
		}
		time.Sleep(1100 * time.Millisecond)
	}

	got := reloadPhoto(t, store, parent, photo.ID)
	if got.UploadStatus != models.UploadStatusError {
		t.Errorf("status = %s, want error", got.UploadStatus)
	}
	if got.RetryCount != 5 {
		t.Errorf("RetryCount = %d, want 5", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("LastError should record the final failure")
	}
}

// TestPhotoDrain_PermanentRejection verifies server rejection skips the
// retry budget entirely.
func TestPhotoDrain_PermanentRejection(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	parent := syncedParent(t, store)
	photo := queuePhoto(t, store, parent, "rejected.jpg")

	api.failWith("rejected.jpg", apperrors.New(apperrors.ErrSyncPermanent, "unsupported media"))

	worker := newPhotoWorker(store, api, newFakeAuth(), 1)
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Errored != 1 {
		t.Errorf("result = %+v, want 1 errored", result)
	}

	got := reloadPhoto(t, store, parent, photo.ID)
	if got.UploadStatus != models.UploadStatusError || got.RetryCount != 0 {
		t.Errorf("photo = %s with %d retries, want error with 0", got.UploadStatus, got.RetryCount)
	}
}

// TestPhotoDrain_MissingBlob verifies a vanished capture file is
// treated as permanent.
func TestPhotoDrain_MissingBlob(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	parent := syncedParent(t, store)
	photo := queuePhoto(t, store, parent, "gone.jpg")

	missing := func(localURI string) (io.ReadCloser, int64, error) {
		return nil, 0, errors.New("no such file")
	}
	worker := NewPhotoWorker(store, api, newFakeAuth(), NewBackoff(time.Second, time.Minute),
		5*time.Second, 5, 1, alwaysOnline, missing)

	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Errored != 1 {
		t.Errorf("result = %+v, want 1 errored", result)
	}

	got := reloadPhoto(t, store, parent, photo.ID)
	if got.UploadStatus != models.UploadStatusError {
		t.Errorf("status = %s, want error for missing blob", got.UploadStatus)
	}
}

// TestPhotoDrain_AuthInvalid verifies the worker refuses to start with
// expired credentials.
func TestPhotoDrain_AuthInvalid(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()

	parent := syncedParent(t, store)
	queuePhoto(t, store, parent, "waiting.jpg")

	auth := newFakeAuth()
	auth.valid = false

	worker := newPhotoWorker(store, api, auth, 2)
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if !result.Paused || len(api.confirmed) != 0 {
		t.Errorf("result = %+v with %d uploads, want paused and none", result, len(api.confirmed))
	}
}

// TestPhotoDrain_ConcurrencyBound verifies the upload semaphore holds.
func TestPhotoDrain_ConcurrencyBound(t *testing.T) {
	store := newTestStore(t)
	api := newFakePhotoAPI()
	api.delay = 50 * time.Millisecond

	parent := syncedParent(t, store)
	for _, name := range []string{"p1.jpg", "p2.jpg", "p3.jpg", "p4.jpg", "p5.jpg"} {
		queuePhoto(t, store, parent, name)
	}

	worker := newPhotoWorker(store, api, newFakeAuth(), 2)
	result, err := worker.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Uploaded != 5 {
		t.Errorf("result = %+v, want 5 uploaded", result)
	}
	if api.peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", api.peak)
	}
}

// reloadPhoto fetches one photo row back by id.
func reloadPhoto(t *testing.T, store *queue.Store, parent models.UUID, id models.UUID) *models.QueuedPhoto {
	t.Helper()

	photos, err := store.PhotosByExposure(parent)
	if err != nil {
		t.Fatalf("PhotosByExposure() failed: %v", err)
	}
	for _, photo := range photos {
		if photo.ID == id {
			return photo
		}
	}
	t.Fatalf("photo %s not found", id)
	return nil
}
