package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/bus-tracking/internal/backend"
	"github.com/example/bus-tracking/internal/booking"
	"github.com/example/bus-tracking/internal/config"
	"github.com/example/bus-tracking/internal/dispatch"
	"github.com/example/bus-tracking/internal/feed"
	"github.com/example/bus-tracking/internal/fleet"
	httpapi "github.com/example/bus-tracking/internal/http"
	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/logging"
	"github.com/example/bus-tracking/internal/payments"
	"github.com/example/bus-tracking/internal/session"
	"github.com/example/bus-tracking/internal/storage"
	"github.com/example/bus-tracking/internal/tracker"
)

const service = "bus-tracking"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logging.NewLogger(service, "info").Error("dotenv", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		logging.NewLogger(service, "info").Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout)
	sess := session.New(client, logger)

	var cache fleet.Store = fleet.NewMemoryStore(nil)
	if cfg.RedisAddr != "" {
		rs := fleet.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		defer rs.Close()
		cache = rs
		logger.Info("search_cache", "backend", "redis", "addr", cfg.RedisAddr)
	}
	dir := fleet.NewDirectory(client, cache, cfg.SearchCacheTTL, logger)

	opts := []booking.Option{booking.WithInvalidator(dir), booking.WithCancelTimeout(cfg.CancelTimeout)}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open booking journal: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps); err != nil {
				return err
			}
			logger.Info("migration_applied", "file", "001_create_bookings.sql")
		}
		opts = append(opts, booking.WithJournal(ps))
	}
	if cfg.StripeAPIKey != "" {
		opts = append(opts, booking.WithFareHolder(payments.NewStripeClient(cfg.StripeAPIKey, cfg.FareCurrency)))
		logger.Info("fare_holds_enabled", "currency", cfg.FareCurrency)
	}
	coord := booking.NewCoordinator(client, sess, logger, opts...)

	fc := feed.NewClient(client, feed.Options{
		Interval:      cfg.PollInterval,
		FetchTimeout:  cfg.BackendTimeout,
		DegradedAfter: cfg.PollDegradedAfter,
		MaxBackoff:    cfg.PollMaxBackoff,
	}, logger)
	defer fc.Close()
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		fc.WithPublisher(kp)
		logger.Info("position_mirror", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	streams := dispatch.NewStreamer(fc, dispatch.NewWSRegistry(logger), tracker.Options{
		Duration: cfg.AnimationDuration,
		Samples:  cfg.AnimationSamples,
	}, logger)
	defer streams.StopAll()

	api := httpapi.NewServer(httpapi.Deps{
		Session:   sess,
		Directory: dir,
		Bookings:  coord,
		Reporter:  &feed.Reporter{Sink: client},
		Streams:   streams,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", cfg.HTTPAddr, "backend", cfg.BackendBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sess.Logout()
	return srv.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, ps *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_bookings.sql"))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if err := ps.Migrate(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}
