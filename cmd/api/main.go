package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/archive-pipeline/internal/adapters/http"
	"github.com/kirillkom/archive-pipeline/internal/bootstrap"
	"github.com/kirillkom/archive-pipeline/internal/config"
	"github.com/kirillkom/archive-pipeline/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "api")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	router := httpadapter.NewRouter(
		cfg,
		app.Ingest,
		app.Repo,
		app.Pipeline,
		app.Query,
		app.Storage,
		metrics.NewHTTPServerMetrics("api"),
		app.Logger,
	).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// The in-process queue has no external consumer, so the API runs the workers itself.
	if cfg.QueueBackend == "inproc" {
		go func() {
			if err := app.RunWorkers(ctx, nil); err != nil {
				app.Logger.Error("inproc_workers_stopped", "error", err)
			}
		}()
	}

	go func() {
		app.Logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("api_shutdown_failed", "error", err)
	}
}
