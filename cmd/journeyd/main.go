package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"bus-journeys/internal/api"
	"bus-journeys/internal/boarding"
	"bus-journeys/internal/booking"
	"bus-journeys/internal/cache"
	"bus-journeys/internal/config"
	"bus-journeys/internal/db"
	"bus-journeys/internal/logging"
	"bus-journeys/internal/metrics"
	"bus-journeys/internal/publisher"
	"bus-journeys/internal/schedule"
	"bus-journeys/internal/seats"
	"bus-journeys/internal/tracking"
)

// store is what the process needs from either storage backend.
type store interface {
	booking.Store
	schedule.Source
	assignmentWriter
}

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewStructuredLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logging.LogError(logger, "journeyd stopped", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mcol := metrics.NewCollector(cfg.BookingTimeout, cfg.DefaultSpeedKmh)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr, logger)
	}

	checks := map[string]api.HealthCheck{}

	// Storage: PostgreSQL when configured, in-memory otherwise
	var st store
	if cfg.DatabaseURL != "" {
		sqlDB, err := openDatabase(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer logging.SafeCloseWithLogging(sqlDB, logger, "database")
		st = db.NewStore(sqlDB)
		checks["database"] = func(ctx context.Context) error { return db.Ping(ctx, sqlDB) }
	} else {
		logger.Warn("DATABASE_URL not set; using the in-memory store")
		st = booking.NewMemoryStore()
	}

	if cfg.SeedFile != "" {
		assignments, err := loadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := applySeed(ctx, st, assignments); err != nil {
			return err
		}
		logger.Info("seeded assignments", slog.String("file", cfg.SeedFile), slog.Int("count", len(assignments)))
	}

	opts := []booking.Option{booking.WithMetrics(mcol), booking.WithLogger(logger)}
	if cfg.BoardingSecret != "" {
		passes, err := boarding.NewIssuer(cfg.BoardingSecret, cfg.BoardingPassTTL)
		if err != nil {
			return err
		}
		opts = append(opts, booking.WithPasses(passes))
	} else {
		logger.Warn("BOARDING_SECRET not set; boarding passes are disabled")
	}

	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			// snapshots are advisory; booking works without them
			logging.LogError(logger, "redis unavailable; seat snapshots disabled", err)
		} else {
			defer logging.SafeCloseWithLogging(client, logger, "redis")
			opts = append(opts, booking.WithSnapshots(cache.NewRedisSnapshots(client, 0)))
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}

	coord := booking.NewCoordinator(st, seats.NewManager(), booking.Config{
		Timeout:  cfg.BookingTimeout,
		Location: cfg.Location,
	}, opts...)

	// NATS carries milestone events out and vehicle positions in
	var (
		nc       *nats.Conn
		notifier tracking.Notifier
	)
	if cfg.NATSURL != "" {
		conn, err := publisher.Connect(cfg.NATSURL, mcol, logger)
		if err != nil {
			return err
		}
		nc = conn
		defer publisher.Close(nc)
		notifier = publisher.NewMilestonePublisher(nc, cfg.NATSMilestonePrefix, cfg.LogNATSSubjects, mcol, logger)
	} else {
		logger.Warn("NATS disabled; milestones are only logged")
	}

	tracker := tracking.NewTracker(tracking.Config{
		DefaultSpeedKmh:  cfg.DefaultSpeedKmh,
		ApproachRadiusKm: cfg.ApproachRadiusKm,
		Buffer:           cfg.SampleBuffer,
	}, notifier, mcol, logger)
	defer tracker.Stop()

	refresher := schedule.NewRefresher(st, tracker, cfg.RefreshInterval, coord.EndAssignment, logger)
	refresher.Start(ctx)
	defer refresher.Stop()

	if nc != nil {
		sub := publisher.NewSampleSubscriber(ctx, tracker, st.Assignment, logger)
		if err := sub.Subscribe(nc, cfg.NATSSampleSubject); err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	srv := api.NewServer(coord, tracker, api.Config{
		RateLimitPerSec: cfg.RateLimitPerSec,
		CORSOrigins:     cfg.CORSOrigins,
	}, logger)
	defer srv.Close()
	for name, check := range checks {
		srv.AddHealthCheck(name, check)
	}
	httpSrv := srv.HTTPServer(cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until context cancelled or the listener fails
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "http shutdown", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.LogError(logger, "metrics shutdown", err)
		}
	}
	return serveErr
}

func openDatabase(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	redacted, err := db.Redact(dsn)
	if err != nil {
		redacted = "(unparsable dsn)"
	}
	logger.Info("database ready", slog.String("dsn", redacted))
	return sqlDB, nil
}
