// Package app wires every component of a restosync coordination core
// together and runs it until ctx is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/restosync/core/internal/config"
	"github.com/restosync/core/internal/eventbus"
	"github.com/restosync/core/internal/httpserver"
	"github.com/restosync/core/internal/platform"
	"github.com/restosync/core/internal/store"
	"github.com/restosync/core/internal/telemetry"
	"github.com/restosync/core/pkg/audit"
	"github.com/restosync/core/pkg/concurrency"
	"github.com/restosync/core/pkg/notification"
	"github.com/restosync/core/pkg/queue"
	"github.com/restosync/core/pkg/realtime"
	"github.com/restosync/core/pkg/reservation"
	"github.com/restosync/core/pkg/tables"
)

// Run reads config, connects to infrastructure, wires every domain core,
// and serves HTTP until ctx is cancelled, then drains in reverse order:
// HTTP first, then background loops, then the audit pipeline.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting restosync", "listen", cfg.ListenAddr(), "store_driver", cfg.StoreDriver)

	docStore, checks, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}
	defer closeStore()

	if cfg.RedisURL != "" {
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("redis presence cache connected")
	} else {
		logger.Info("redis disabled (REDIS_URL not set) — sync hub presence is single-process only")
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	bus := eventbus.New(logger)

	auditPipeline := audit.NewPipeline(audit.Config{
		Dir:           cfg.AuditLogDir,
		BufferSize:    cfg.AuditBufferSize,
		FlushInterval: cfg.AuditFlushInterval,
		MaxFileMB:     cfg.AuditMaxFileMB,
		RetentionDays: cfg.AuditRetentionDays,
	}, logger)

	var wg sync.WaitGroup
	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	auditPipeline.Start(bgCtx)

	hub := realtime.New(logger, auditPipeline)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(bgCtx)
	}()

	sender := notification.NewSender(notification.SenderConfig{
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
		WhatsAppAPIURL:   cfg.WhatsAppAPIURL,
		WhatsAppAPIToken: cfg.WhatsAppAPIToken,
	}, logger)

	lockManager := concurrency.NewManagerWithTimeout(cfg.LockTimeout)

	layout := tables.NewMemoryLayout()

	queueCore := queue.NewCore(docStore, bus, auditPipeline, sender, hub)
	queueCore.WithNoShowTimeout(cfg.NoShowTimeout)

	reservationCore := reservation.NewCore(docStore, bus, auditPipeline, sender, hub, layout, reservation.Config{
		MinAdvanceHours:        float64(cfg.MinAdvanceHours),
		MaxAdvanceDays:         cfg.MaxAdvanceDays,
		MinPartySize:           cfg.MinPartySize,
		MaxPartySize:           cfg.MaxPartySize,
		SlotDurationMinutes:    cfg.SlotDurationMinutes,
		DefaultDurationMinutes: 120,
		NoShowGraceMinutes:     cfg.NoShowGraceMinutes,
		OperatingHours:         reservation.DefaultConfig().OperatingHours,
	})
	reservationCore.WithQueueAdmission(queueCore)

	srv := httpserver.NewServer(cfg, logger, metricsReg, checks)

	srv.APIRouter.Mount("/queue", queue.NewHandler(queueCore, layout, logger).Routes())
	srv.APIRouter.Mount("/reservations", reservation.NewHandler(reservationCore, logger).Routes())
	srv.APIRouter.Mount("/command-cards", concurrency.NewHandler(lockManager, docStore, logger).Routes())

	srv.Router.Get("/ws/sync", hub.ServeWS)
	srv.Router.Get("/ws/sync/status", hub.ServeStatus)

	sweepInterval := cfg.NoShowSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		runNoShowSweep(bgCtx, docStore, reservationCore, logger, sweepInterval)
	}()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	cancelBG()
	wg.Wait()
	auditPipeline.Close()

	return runErr
}

// buildStore constructs the document store per STORE_DRIVER, along with a
// readiness check and a close func to release any underlying connection.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, map[string]httpserver.ReadinessCheck, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied", "dir", cfg.MigrationsDir)

		s := store.NewPostgres(pool)
		checks := map[string]httpserver.ReadinessCheck{
			"postgres": func(ctx context.Context) error { return pingPool(ctx, pool) },
		}
		return s, checks, pool.Close, nil

	case "memory", "":
		logger.Info("using in-memory store (STORE_DRIVER=memory)")
		return store.NewMemory(), map[string]httpserver.ReadinessCheck{}, func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func pingPool(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.Ping(ctx)
}

// runNoShowSweep periodically runs ProcessNoShows for every store that has
// at least one confirmed reservation. ProcessNoShows is scoped to a single
// store_id (spec.md's reservation model carries no store catalog to
// enumerate ahead of time), so each tick first discovers the distinct
// store IDs currently holding confirmed reservations.
func runNoShowSweep(ctx context.Context, docStore store.Store, core *reservation.Core, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepNoShows(ctx, docStore, core, logger)
		}
	}
}

func sweepNoShows(ctx context.Context, docStore store.Store, core *reservation.Core, logger *slog.Logger) {
	var confirmed []reservation.Reservation
	if err := docStore.Query(ctx, "reservations", store.Predicate{"status": "CONFIRMED"}, &confirmed); err != nil {
		logger.Error("no-show sweep: listing confirmed reservations", "error", err)
		return
	}

	storeIDs := make(map[string]struct{})
	for _, r := range confirmed {
		storeIDs[r.StoreID] = struct{}{}
	}

	for storeID := range storeIDs {
		count, err := core.ProcessNoShows(ctx, storeID)
		if err != nil {
			logger.Error("no-show sweep failed", "store_id", storeID, "error", err)
			continue
		}
		if count > 0 {
			logger.Info("no-show sweep", "store_id", storeID, "processed", count)
		}
	}
}
