// Package app assembles the core: store, workers, orchestrator, and
// the shell-facing services. Every process entry point (desktop
// server, mobile FFI, CLI) builds exactly one App.
package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jcortes/exposurelog/backend/internal/auth"
	"github.com/jcortes/exposurelog/backend/internal/config"
	"github.com/jcortes/exposurelog/backend/internal/connectivity"
	"github.com/jcortes/exposurelog/backend/internal/db"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/export"
	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/media"
	"github.com/jcortes/exposurelog/backend/internal/models"
	syncpkg "github.com/jcortes/exposurelog/backend/internal/sync"
	"github.com/jcortes/exposurelog/backend/internal/sync/queue"
	"github.com/jcortes/exposurelog/backend/internal/sync/scheduler"
	"github.com/jcortes/exposurelog/backend/internal/sync/storage"
)

// App owns the wired core and its lifecycle.
type App struct {
	Config       *config.Config
	DB           *db.DB
	Repo         *db.Repository
	Store        *queue.Store
	Blobs        *storage.BlobStore
	Session      *auth.Session
	Monitor      *connectivity.Monitor
	Orchestrator *scheduler.Orchestrator
	Exporter     *export.Service
}

// New opens storage, runs migrations, and wires the sync pipeline.
// Reachability starts offline; the platform shell pushes the first
// real signal through SetReachable.
func New(cfg *config.Config) (*App, error) {
	logging.Init(os.Stdout, cfg.LogLevel)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		database.Close()
		return nil, err
	}

	repo := db.NewRepository(database.DB)
	store := queue.NewStore(repo)
	blobs := storage.NewBlobStore(filepath.Join(cfg.DataDir, "photos"))
	session := auth.NewSession(cfg.DataDir)
	monitor := connectivity.NewMonitor(cfg.DebounceWindow, false)

	client := syncpkg.NewClient(&syncpkg.ClientConfig{
		BaseURL:        cfg.APIBaseURL,
		RequestTimeout: cfg.RequestTimeout,
	}, session)
	backoff := syncpkg.NewBackoff(cfg.BackoffBase, cfg.BackoffCap)

	exposures := syncpkg.NewExposureWorker(store, client, session, backoff,
		cfg.RequestTimeout, monitor.Reachable)
	photos := syncpkg.NewPhotoWorker(store, client, session, backoff,
		cfg.RequestTimeout, cfg.PhotoMaxRetries, cfg.PhotoConcurrency,
		monitor.Reachable, blobs.Open)

	return &App{
		Config:       cfg,
		DB:           database,
		Repo:         repo,
		Store:        store,
		Blobs:        blobs,
		Session:      session,
		Monitor:      monitor,
		Orchestrator: scheduler.NewOrchestrator(store, exposures, photos, monitor),
		Exporter:     export.NewService(repo),
	}, nil
}

// Start launches the orchestrator.
func (a *App) Start(ctx context.Context) error {
	return a.Orchestrator.Start(ctx)
}

// Close shuts everything down in dependency order.
func (a *App) Close() error {
	a.Orchestrator.Stop()
	a.Monitor.Close()
	if err := a.Repo.Close(); err != nil {
		logging.Warn("failed to close prepared statements", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return a.DB.Close()
}

// EnqueueExposure validates and queues a new report.
func (a *App) EnqueueExposure(payload *models.ExposurePayload) (*models.QueuedExposure, error) {
	return a.Store.EnqueueExposure(payload)
}

// EnqueuePhoto stages the photo bytes, extracts capture metadata, and
// queues the upload. The blob hash doubles as the queue entry's local
// uri.
func (a *App) EnqueuePhoto(exposureClientID models.UUID, fileName string, data []byte, exif json.RawMessage) (*models.QueuedPhoto, error) {
	meta, err := media.Extract(data, fileName)
	if err != nil {
		return nil, err
	}

	hash, err := a.Blobs.Put(data)
	if err != nil {
		return nil, err
	}

	photo, err := a.Store.EnqueuePhoto(exposureClientID, hash, meta, exif)
	if err != nil {
		// Roll the blob back only if no other queued photo shares it
		if !a.blobShared(hash) {
			a.Blobs.Delete(hash)
		}
		return nil, err
	}
	return photo, nil
}

// RemoveExposure discards a queued draft, its photos, and their staged
// blobs.
func (a *App) RemoveExposure(clientID models.UUID) error {
	photos, err := a.Store.PhotosByExposure(clientID)
	if err != nil {
		return err
	}
	if err := a.Store.RemoveExposure(clientID); err != nil {
		return err
	}
	for _, photo := range photos {
		if !a.blobShared(photo.LocalURI) {
			a.Blobs.Delete(photo.LocalURI)
		}
	}
	return nil
}

// RemovePhoto discards one queued photo and its blob.
func (a *App) RemovePhoto(id models.UUID) error {
	photo, err := a.Store.GetPhoto(id)
	if err != nil {
		return err
	}
	if photo.UploadStatus == models.UploadStatusUploaded {
		return apperrors.New(apperrors.ErrInvalid, "photo already uploaded")
	}
	if err := a.Store.RemovePhoto(id); err != nil {
		return err
	}
	if !a.blobShared(photo.LocalURI) {
		a.Blobs.Delete(photo.LocalURI)
	}
	return nil
}

// blobShared reports whether any queued photo still references hash.
func (a *App) blobShared(hash string) bool {
	pending, err := a.Store.PendingPhotos()
	if err != nil {
		// Keep the blob when in doubt
		return true
	}
	for _, photo := range pending {
		if photo.LocalURI == hash {
			return true
		}
	}
	return false
}
