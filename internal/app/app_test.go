// Package app tests for the wired core.
package app

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/jcortes/exposurelog/backend/internal/config"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/sync/storage"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := &config.Config{
		DataDir:          t.TempDir(),
		APIBaseURL:       "http://127.0.0.1:1",
		RequestTimeout:   time.Second,
		BackoffBase:      50 * time.Millisecond,
		BackoffCap:       time.Second,
		PhotoMaxRetries:  5,
		PhotoConcurrency: 2,
		DebounceWindow:   0,
		LogLevel:         "error",
		ListenAddr:       "localhost:0",
	}

	core, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func queueReport(t *testing.T, core *App) *models.QueuedExposure {
	t.Helper()

	entry, err := core.EnqueueExposure(&models.ExposurePayload{
		ExposureType:    "welding_fumes",
		DurationMinutes: 25,
		Location:        models.Location{Latitude: 59.3, Longitude: 18.1},
		Severity:        "high",
	})
	if err != nil {
		t.Fatalf("failed to queue report: %v", err)
	}
	return entry
}

// TestEnqueuePhoto_StagesBlob verifies the capture path: bytes land in
// the content-addressed store and the queue entry references them by
// hash.
func TestEnqueuePhoto_StagesBlob(t *testing.T) {
	core := newTestApp(t)
	entry := queueReport(t, core)

	data := pngBytes(t)
	photo, err := core.EnqueuePhoto(entry.ClientID, "site.png", data, nil)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	if photo.LocalURI != storage.Hash(data) {
		t.Errorf("local uri = %q, want the blob hash", photo.LocalURI)
	}
	if !core.Blobs.Exists(photo.LocalURI) {
		t.Error("photo bytes should be staged in the blob store")
	}
	if photo.MimeType != "image/png" {
		t.Errorf("mime_type = %q, want image/png", photo.MimeType)
	}
}

// TestEnqueuePhoto_RejectsNonImage verifies rejected bytes do not leak
// a staged blob.
func TestEnqueuePhoto_RejectsNonImage(t *testing.T) {
	core := newTestApp(t)
	entry := queueReport(t, core)

	data := []byte("not pixels")
	_, err := core.EnqueuePhoto(entry.ClientID, "notes.txt", data, nil)
	if !apperrors.Is(err, apperrors.ErrMediaUnsupported) {
		t.Fatalf("EnqueuePhoto() = %v, want MEDIA_UNSUPPORTED", err)
	}
	if core.Blobs.Exists(storage.Hash(data)) {
		t.Error("rejected upload should not leave a staged blob")
	}
}

// TestRemovePhoto_CleansBlob verifies discarding a draft photo also
// drops its staged bytes.
func TestRemovePhoto_CleansBlob(t *testing.T) {
	core := newTestApp(t)
	entry := queueReport(t, core)

	data := pngBytes(t)
	photo, err := core.EnqueuePhoto(entry.ClientID, "site.png", data, nil)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	if err := core.RemovePhoto(photo.ID); err != nil {
		t.Fatalf("RemovePhoto() failed: %v", err)
	}
	if core.Blobs.Exists(photo.LocalURI) {
		t.Error("blob should be gone after the photo is discarded")
	}
}

// TestRemovePhoto_KeepsSharedBlob verifies a blob referenced by two
// queued photos survives removing one of them.
func TestRemovePhoto_KeepsSharedBlob(t *testing.T) {
	core := newTestApp(t)
	first := queueReport(t, core)
	second := queueReport(t, core)

	data := pngBytes(t)
	photoA, err := core.EnqueuePhoto(first.ClientID, "a.png", data, nil)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}
	if _, err := core.EnqueuePhoto(second.ClientID, "b.png", data, nil); err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	if err := core.RemovePhoto(photoA.ID); err != nil {
		t.Fatalf("RemovePhoto() failed: %v", err)
	}
	if !core.Blobs.Exists(photoA.LocalURI) {
		t.Error("blob still referenced by another photo should survive")
	}
}

// TestRemoveExposure_Cascades verifies a discarded draft takes its
// queued photos and blobs with it.
func TestRemoveExposure_Cascades(t *testing.T) {
	core := newTestApp(t)
	entry := queueReport(t, core)

	photo, err := core.EnqueuePhoto(entry.ClientID, "site.png", pngBytes(t), nil)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	if err := core.RemoveExposure(entry.ClientID); err != nil {
		t.Fatalf("RemoveExposure() failed: %v", err)
	}

	if _, err := core.Store.GetExposure(entry.ClientID); !apperrors.Is(err, apperrors.ErrQueueEntryNotFound) {
		t.Errorf("GetExposure() = %v, want QUEUE_ENTRY_NOT_FOUND", err)
	}
	if core.Blobs.Exists(photo.LocalURI) {
		t.Error("blob should be gone with the discarded draft")
	}
}

// TestStartStop verifies lifecycle idempotence the shells rely on.
func TestStartStop(t *testing.T) {
	core := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := core.Start(ctx); err != nil {
		t.Fatalf("second Start() should be a no-op, got %v", err)
	}
}
