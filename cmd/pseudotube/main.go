package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pseudotube/pseudotube/internal/auth"
	"github.com/pseudotube/pseudotube/internal/database"
	"github.com/pseudotube/pseudotube/internal/geoip"
	"github.com/pseudotube/pseudotube/internal/logging"
	"github.com/pseudotube/pseudotube/internal/media"
	"github.com/pseudotube/pseudotube/internal/server"
	"github.com/pseudotube/pseudotube/internal/session"
	"github.com/pseudotube/pseudotube/internal/storage"
	"github.com/pseudotube/pseudotube/internal/transcoder"
	"github.com/pseudotube/pseudotube/internal/video"
)

// orphanAge is how long a record may sit in processing without a job
// before startup treats it as lost to a crash.
const orphanAge = 10 * time.Minute

type objectStore interface {
	video.ObjectStore
	ReadURL(ctx context.Context, key string) (string, error)
	SetCORS(ctx context.Context, allowedOrigins []string) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	logging.Init(logging.Config{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	})

	if err := run(); err != nil {
		slog.Error("pseudotube: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	port := getEnv("PORT", "8080")
	baseURL := getEnv("BASE_URL", "http://localhost:8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	sessionSecret := getEnv("SESSION_SECRET", jwtSecret)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	slog.Info("database: migrations applied")

	store, storageEndpoint, err := openStorage(ctx)
	if err != nil {
		return err
	}
	if err := requireTranscoderURIs(store); err != nil {
		return err
	}
	if err := store.SetCORS(ctx, []string{baseURL}); err != nil {
		slog.Warn("storage: could not set bucket CORS", "error", err)
	}

	prober, err := openProber(ctx, store)
	if err != nil {
		return err
	}

	jobs, err := transcoder.New(ctx, transcoder.Config{
		ProjectID:   os.Getenv("TRANSCODER_PROJECT"),
		Location:    getEnv("TRANSCODER_LOCATION", "us-central1"),
		PubsubTopic: os.Getenv("TRANSCODER_PUBSUB_TOPIC"),
	})
	if err != nil {
		return fmt.Errorf("transcoder initialization failed: %w", err)
	}
	defer func() { _ = jobs.Close() }()

	sessions, closeSessions, err := openSessionStore(ctx)
	if err != nil {
		return err
	}
	defer closeSessions()

	geo, err := geoip.New(os.Getenv("GEOIP_DB_PATH"))
	if err != nil {
		return err
	}
	defer func() { _ = geo.Close() }()

	workers := int(getEnvInt64("INGEST_WORKERS", 4))
	pool := video.NewWorkerPool(workers, int(getEnvInt64("INGEST_QUEUE_SIZE", 64)), 10*time.Minute)
	pool.Start()

	repo := video.NewPostgresRepository(db.Pool)
	orchestrator := video.NewOrchestrator(repo, store, prober, jobs, pool)

	if n, err := orchestrator.FailOrphaned(ctx, orphanAge); err != nil {
		slog.Error("ingest: failed to clear orphaned uploads", "error", err)
	} else if n > 0 {
		slog.Warn("ingest: failed orphaned uploads", "count", n)
	}

	handler := video.NewHandler(orchestrator,
		video.NewUploadGuard(sessions, store),
		video.NewViewTracker(sessions, repo, geo),
		store, baseURL)
	if secret := os.Getenv("TRANSCODER_WEBHOOK_SECRET"); secret != "" {
		handler.SetWebhookSecret(secret)
		slog.Info("status: webhook signatures required")
	}

	srv := server.New(server.Config{
		Pinger:          db,
		Videos:          handler,
		Auth:            auth.NewAuthenticator(jwtSecret),
		Sessions:        session.NewManager(sessionSecret, strings.HasPrefix(baseURL, "https://")),
		BaseURL:         baseURL,
		StorageEndpoint: storageEndpoint,
	})
	defer srv.Close()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	video.StartSweepLoop(bgCtx, orchestrator,
		getEnvDuration("SWEEP_INTERVAL", time.Minute),
		getEnvDuration("SWEEP_MIN_AGE", 5*time.Minute))

	if mem, ok := sessions.(*session.MemoryStore); ok {
		go sweepSessions(bgCtx, mem, time.Minute)
	}

	if sub := os.Getenv("TRANSCODER_PUBSUB_SUBSCRIPTION"); sub != "" {
		subscriber, err := transcoder.NewSubscriber(ctx, os.Getenv("TRANSCODER_PROJECT"), sub, orchestrator)
		if err != nil {
			return fmt.Errorf("pubsub subscriber initialization failed: %w", err)
		}
		defer func() { _ = subscriber.Close() }()
		go func() {
			if err := subscriber.Run(bgCtx); err != nil {
				slog.Error("pubsub: subscriber stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("pseudotube listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-shutdownCh:
	case err := <-serveErr:
		return err
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	bgCancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ingest: pool did not drain", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func openStorage(ctx context.Context) (objectStore, string, error) {
	switch backend := getEnv("STORAGE_BACKEND", "gcs"); backend {
	case "gcs":
		var key []byte
		if path := os.Getenv("GCS_PRIVATE_KEY_FILE"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, "", fmt.Errorf("read gcs private key: %w", err)
			}
			key = data
		}
		store, err := storage.NewGCS(ctx, storage.GCSConfig{
			Bucket:          os.Getenv("GCS_BUCKET"),
			CredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
			SignerEmail:     os.Getenv("GCS_SIGNER_EMAIL"),
			PrivateKey:      key,
		})
		if err != nil {
			return nil, "", fmt.Errorf("storage initialization failed: %w", err)
		}
		slog.Info("storage: using gcs", "bucket", os.Getenv("GCS_BUCKET"))
		return store, "https://storage.googleapis.com", nil
	case "s3":
		publicEndpoint := os.Getenv("S3_PUBLIC_ENDPOINT")
		store, err := storage.New(ctx, storage.Config{
			Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:3900"),
			PublicEndpoint: publicEndpoint,
			Bucket:         getEnv("S3_BUCKET", "pseudotube"),
			AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			SecretKey:      os.Getenv("S3_SECRET_KEY"),
			Region:         getEnv("S3_REGION", "eu-central-1"),
		})
		if err != nil {
			return nil, "", fmt.Errorf("storage initialization failed: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, "", fmt.Errorf("storage bucket check failed: %w", err)
		}
		slog.Info("storage: bucket ready")
		return store, publicEndpoint, nil
	default:
		return nil, "", fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}

// requireTranscoderURIs rejects stores whose objects the Transcoder API
// cannot read. S3 is only usable through the GCS interoperability endpoint.
func requireTranscoderURIs(store objectStore) error {
	if uri := store.URI(""); !strings.HasPrefix(uri, "gs://") {
		return fmt.Errorf("transcoder reads gs:// objects only, storage resolves to %q; use STORAGE_BACKEND=gcs or S3_ENDPOINT=https://storage.googleapis.com", uri)
	}
	return nil
}

func openProber(ctx context.Context, store objectStore) (video.Prober, error) {
	switch mode := getEnv("PROBE_MODE", "local"); mode {
	case "remote":
		endpoint := os.Getenv("PROBE_FUNCTION_URL")
		if endpoint == "" {
			return nil, errors.New("PROBE_FUNCTION_URL is required when PROBE_MODE=remote")
		}
		prober, err := media.NewRemoteProber(ctx, endpoint, store)
		if err != nil {
			return nil, fmt.Errorf("probe client initialization failed: %w", err)
		}
		return prober, nil
	case "local":
		return media.NewFFprobe(store), nil
	default:
		return nil, fmt.Errorf("unknown PROBE_MODE %q", mode)
	}
}

func openSessionStore(ctx context.Context) (session.Store, func(), error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		slog.Info("session: using in-memory store")
		return session.NewMemoryStore(), func() {}, nil
	}
	client, err := session.OpenRedis(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("session store initialization failed: %w", err)
	}
	slog.Info("session: using redis store")
	return session.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func sweepSessions(ctx context.Context, store *session.MemoryStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				slog.Debug("session: swept expired entries", "count", n)
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
