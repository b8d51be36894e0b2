// Package main runs the ExposureLog core headless: queue, sync
// pipeline, and durable store without any platform shell. Used for
// development and soak testing against a real or fake remote.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jcortes/exposurelog/backend/internal/app"
	"github.com/jcortes/exposurelog/backend/internal/config"
	"github.com/jcortes/exposurelog/backend/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	fmt.Printf("ExposureLog Core v%s\n", Version)

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

	// Headless runs assume the network is there until told otherwise
	core.Monitor.SetReachable(true)

	logging.Info("core running", map[string]interface{}{
		"version": Version,
		"dataDir": cfg.DataDir,
		"api":     cfg.APIBaseURL,
	})

	<-ctx.Done()
	logging.Info("shutting down", nil)
	core.Close()
}
