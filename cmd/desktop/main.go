// Package main provides the local server the desktop shell embeds.
// The UI talks REST on localhost and watches sync state over a
// WebSocket stream.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcortes/exposurelog/backend/cmd/desktop/handlers"
	"github.com/jcortes/exposurelog/backend/internal/app"
	"github.com/jcortes/exposurelog/backend/internal/config"
	"github.com/jcortes/exposurelog/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	core, err := app.New(cfg)
	if err != nil {
		os.Stderr.WriteString("failed to start core: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		logging.Error("failed to start sync pipeline", err, nil)
		core.Close()
		os.Exit(1)
	}

	hub := NewWSHub()
	go hub.Stream(core.Orchestrator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(core, hub),
	}

	go func() {
		logging.Info("desktop server listening", map[string]interface{}{
			"addr": cfg.ListenAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("server stopped", err, nil)
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	hub.Close()
	core.Close()
}

// newRouter registers every endpoint of the local API.
func newRouter(core *app.App, hub *WSHub) *http.ServeMux {
	exposures := handlers.NewExposureHandler(core)
	photos := handlers.NewPhotoHandler(core)
	syncH := handlers.NewSyncHandler(core)
	exportH := handlers.NewExportHandler(core)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"exposurelog-desktop"}`))
	})

	mux.HandleFunc("POST /api/exposures", exposures.Create)
	mux.HandleFunc("GET /api/exposures", exposures.List)
	mux.HandleFunc("GET /api/exposures/{clientId}", exposures.Get)
	mux.HandleFunc("DELETE /api/exposures/{clientId}", exposures.Delete)
	mux.HandleFunc("GET /api/records", exposures.Records)

	mux.HandleFunc("POST /api/exposures/{clientId}/photos", photos.Attach)
	mux.HandleFunc("GET /api/exposures/{clientId}/photos", photos.List)
	mux.HandleFunc("DELETE /api/photos/{id}", photos.Delete)
	mux.HandleFunc("GET /api/photos/{id}/thumbnail", photos.Thumbnail)

	mux.HandleFunc("GET /api/sync/status", syncH.Status)
	mux.HandleFunc("POST /api/sync/now", syncH.SyncNow)
	mux.HandleFunc("POST /api/sync/retry", syncH.Retry)
	mux.HandleFunc("POST /api/connectivity", syncH.SetConnectivity)

	mux.HandleFunc("PUT /api/auth/token", syncH.SetToken)
	mux.HandleFunc("DELETE /api/auth/token", syncH.ClearToken)
	mux.HandleFunc("GET /api/auth/status", syncH.AuthStatus)

	mux.HandleFunc("POST /api/export", exportH.Export)
	mux.HandleFunc("POST /api/export/inspect", exportH.Inspect)

	mux.HandleFunc("GET /api/ws", HandleWebSocket(hub, core.Orchestrator))

	return mux
}
