// CLAUDE:SUMMARY Entry point for the archon orchestrator — SQLite store, blob backend, HTTP surfaces, audit loop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hazyhaar/archon/audit"
	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/dbopen"
	"github.com/hazyhaar/archon/embedder"
	"github.com/hazyhaar/archon/httpapi"
	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/ingest"
	"github.com/hazyhaar/archon/jobs"
	"github.com/hazyhaar/archon/observability"
	"github.com/hazyhaar/archon/presence"
	"github.com/hazyhaar/archon/store"
)

func main() {
	godotenv.Load()

	port := env("PORT", "8080")
	processorToken := os.Getenv("PROCESSOR_TOKEN")
	if processorToken == "" {
		slog.Error("PROCESSOR_TOKEN is required")
		os.Exit(1)
	}

	dbPath := env("CATALOG_DB", "db/catalog.db")
	obsPath := env("OBS_DB", "db/observability.db")
	blobDir := env("BLOB_DIR", "data/blobs")
	s3Bucket := os.Getenv("S3_BUCKET")
	tuningPath := os.Getenv("AUDIT_TUNING")
	embedKey := os.Getenv("EMBEDDING_API_KEY")

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Catalog DB.
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("catalog db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		slog.Error("store init", "error", err)
		os.Exit(1)
	}

	// Observability DB — separate file so retention sweeps never contend
	// with the catalog.
	obsDB, err := dbopen.Open(obsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(obsDB, logger)
	heartbeat := observability.NewHeartbeatWriter(obsDB, "archon", 15*time.Second, logger)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// Blob backend: S3 when a bucket is configured, local tree otherwise.
	var blobs blob.Store
	if s3Bucket != "" {
		blobs, err = blob.NewS3(ctx, s3Bucket, os.Getenv("S3_PREFIX"), logger)
	} else {
		blobs, err = blob.NewLocal(blobDir)
	}
	if err != nil {
		slog.Error("blob store", "error", err)
		os.Exit(1)
	}

	// Services.
	h := hub.New(logger)
	tracker := presence.New()

	var jobOpts []jobs.Option
	if embedKey != "" {
		jobOpts = append(jobOpts, jobs.WithEmbedding())
	}
	js := jobs.New(st, h, logger, jobOpts...)
	ing := ingest.New(st, blobs, js, h, logger)

	// Audit engine.
	tuning, err := audit.LoadTuning(tuningPath)
	if err != nil {
		slog.Error("audit tuning", "error", err, "path", tuningPath)
		os.Exit(1)
	}
	engine := audit.New(st, js, ing, tuning, logger, audit.WithEventLogger(events))
	go engine.Start(ctx)

	// Built-in embedding worker.
	if embedKey != "" {
		emb := embedder.New(st, js, blobs, h, embedder.Config{
			APIKey:  embedKey,
			BaseURL: os.Getenv("EMBEDDING_BASE_URL"),
			Model:   os.Getenv("EMBEDDING_MODEL"),
		}, logger)
		go emb.Start(ctx)
	}

	// HTTP server.
	api := httpapi.New(st, blobs, ing, js, h, tracker, processorToken, logger)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
