// hcloud server
//
// Features:
// - Per-user namespace of files and folders with trash, stars and shares
// - Concurrent uploads with progress streaming (SSE)
// - Advisory storage quotas and per-user rate limiting
// - PostgreSQL or in-memory document store, S3 or local blob store
// - JWT and optional OIDC bearer authentication
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/api"
	"github.com/hcloud/hcloud/internal/auth"
	"github.com/hcloud/hcloud/internal/config"
	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metadata/memory"
	"github.com/hcloud/hcloud/internal/metadata/postgres"
	"github.com/hcloud/hcloud/internal/metrics"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
	"github.com/hcloud/hcloud/internal/session"
	"github.com/hcloud/hcloud/internal/storage"
	"github.com/hcloud/hcloud/internal/transfer"
	"github.com/hcloud/hcloud/migrations"
)

// documentStore holds entries and quota records.
type documentStore interface {
	namespace.Store
	quota.Store
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("hcloud server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("document_store", cfg.DocumentStore),
		zap.String("blob_backend", cfg.BlobBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Document store
	var store documentStore
	var pg *postgres.Store
	switch cfg.DocumentStore {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		pg, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx, migrations.FS); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		store = pg
	default:
		logging.Warn("using in-memory document store; data is lost on restart")
		store = memory.New()
	}

	// Blob store
	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("blob backend init failed", zap.Error(err))
	}
	defer backend.Close()
	blobs := storage.NewTransfer(backend)

	// Core services
	broadcaster := events.NewBroadcaster()
	ledger := quota.NewLedger(store, quota.Defaults{
		Limit: cfg.DefaultStorageLimit,
		Plan:  cfg.DefaultPlan,
	})
	ns := namespace.NewManager(store, blobs, ledger, broadcaster)
	sessions := session.NewRegistry(
		transfer.Deps{Namespace: ns, Ledger: ledger, Blobs: blobs, Sink: broadcaster},
		transfer.Options{
			MaxUploadSize: cfg.MaxUploadSize,
			Concurrency:   cfg.UploadConcurrency,
			GracePeriod:   cfg.TaskGracePeriod,
			ChunkSize:     cfg.ChunkSize,
			TempDir:       cfg.UploadTempDir,
			ChunkExpiry:   cfg.ChunkExpiry,
		},
		cfg.RecentLimit,
	)
	logging.Info("core services initialized")

	// Identity
	verifiers := auth.Chain{auth.NewJWTVerifier(cfg.JWTSecret)}
	oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
		IssuerURL: cfg.OIDCIssuerURL,
		ClientID:  cfg.OIDCClientID,
	})
	if err != nil {
		logging.Fatal("OIDC provider init failed", zap.Error(err))
	}
	if oidcVerifier != nil {
		verifiers = append(verifiers, oidcVerifier)
		logging.Info("OIDC verification enabled", zap.String("issuer", cfg.OIDCIssuerURL))
	}

	rateLimiter := quota.NewRateLimiter(cfg.DefaultRequestsPerMin)

	srv := api.NewServer(api.Deps{
		Sessions:    sessions,
		Namespace:   ns,
		Broadcaster: broadcaster,
		Verifier:    verifiers,
		RateLimiter: rateLimiter,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Uploads are cancelled and event streams ended so Shutdown can drain.
	httpServer.RegisterOnShutdown(func() {
		sessions.Close()
		broadcaster.Close()
	})

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		metricsServer.Close()
	}()

	// Periodic housekeeping: connection metrics, idle sessions, rate limiter buckets
	go func() {
		metricsTicker := time.NewTicker(15 * time.Second)
		sweepTicker := time.NewTicker(10 * time.Minute)
		defer metricsTicker.Stop()
		defer sweepTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-metricsTicker.C:
				if pg != nil {
					pg.UpdateConnectionMetrics()
				}
			case <-sweepTicker.C:
				sessions.Sweep(30 * time.Minute)
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}

	<-stopped
	logging.Info("server stopped")
}
