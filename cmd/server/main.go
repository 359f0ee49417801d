package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/config"
	"github.com/example/delivery-dispatch/internal/dispatch"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/geofence"
	"github.com/example/delivery-dispatch/internal/httpapi"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/logging"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/statesync"
	"github.com/example/delivery-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
		}
	}

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer ps.Close()
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var dir geo.Directory
	var memIndex *geo.Index
	if cfg.RedisAddr != "" {
		dir = geo.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		memIndex = geo.NewIndex()
		dir = memIndex
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	hub := statesync.NewHub()
	fences := geofence.NewTracker(cfg.GeofenceRadius, cfg.GeofenceDwell)
	wsreg := httpapi.NewWSRegistry(logger)

	engine := dispatch.NewEngine(store, dir, wsreg, hub, fences, dispatch.Config{
		OfferTimeout:       cfg.OfferTimeout,
		SearchRadiusMeters: cfg.SearchRadiusMeters,
		MaxCandidates:      cfg.MaxCandidates,
		DefaultSpeedKmh:    cfg.DefaultSpeedKmh,
		PositionSilence:    cfg.PositionSilence,
		WatchdogInterval:   cfg.WatchdogInterval,
	}, logger)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.RunWatchdog(ctx)
	if memIndex != nil {
		go staleSweep(ctx, memIndex, cfg.PositionSilence, logger)
	}
	if cfg.PushWebhookURL != "" {
		fw := statesync.NewWebhookForwarder(cfg.PushWebhookURL, cfg.PushWebhookToken, logger)
		go fw.Run(ctx, hub)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, dir, hub, kafka, wsreg, cfg.DefaultSpeedKmh, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("delivery-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// staleSweep flags in-memory drivers that stopped reporting, so they fall
// out of candidate searches. The Redis path handles this via key TTLs
// managed by the consumer.
func staleSweep(ctx context.Context, idx *geo.Index, maxAge time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		maxAge = 90 * time.Second
	}
	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range idx.MarkStale(now, maxAge) {
				observability.StaleDriversTotal.Inc()
				logger.Warn("driver marked offline for silence", "driver", id)
			}
		}
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
