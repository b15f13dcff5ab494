package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightsmile/clinic-booking/internal/booking"
	"github.com/brightsmile/clinic-booking/internal/calendar"
	"github.com/brightsmile/clinic-booking/internal/config"
	"github.com/brightsmile/clinic-booking/internal/db"
	redisclient "github.com/brightsmile/clinic-booking/internal/redis"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config load error")
	}

	logger := newLogger(cfg.Env).With().Str("service", "sync-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("sync_interval", cfg.SyncInterval).
		Dur("reap_interval", cfg.ReapInterval).
		Int("horizon_days", cfg.SyncHorizonDays).
		Msg("sync-worker starting up")

	if err := cfg.ValidateGoogle(); err != nil {
		logger.Fatal().Err(err).Msg("google calendar credentials")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Timezone).Msg("invalid clinic timezone")
	}

	catalog, err := slot.NewCatalog(loc, cfg.DayStart, cfg.DayEnd, cfg.SlotLength,
		slot.WithClosedDays(cfg.ClosedWeekdays...))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid clinic schedule")
	}

	remote, err := calendar.NewGoogleCalendar(calendar.Credentials{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RefreshToken: cfg.GoogleRefreshToken,
		CalendarID:   cfg.GoogleCalendarID,
		AccountEmail: cfg.GoogleCalendarEmail,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("google calendar adapter")
	}

	store := booking.NewPgStore(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	engine := booking.NewEngine(store, remote, locker, catalog, booking.EngineConfig{
		TentativeTTL: cfg.TentativeTTL,
		ConfirmGrace: cfg.ConfirmGrace,
	}, logger)

	// Run both jobs once at startup so a freshly deployed worker
	// converges immediately.
	runSync(rootCtx, engine, cfg.SyncHorizonDays, logger)
	runReap(rootCtx, engine, logger)

	syncTicker := time.NewTicker(cfg.SyncInterval)
	defer syncTicker.Stop()
	reapTicker := time.NewTicker(cfg.ReapInterval)
	defer reapTicker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping sync worker")
			return
		case <-syncTicker.C:
			runSync(rootCtx, engine, cfg.SyncHorizonDays, logger)
		case <-reapTicker.C:
			runReap(rootCtx, engine, logger)
		}
	}
}

func runSync(ctx context.Context, engine *booking.Engine, horizonDays int, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()
	from := start
	to := start.AddDate(0, 0, horizonDays)

	report, err := engine.SyncRange(runCtx, from, to)
	if err != nil {
		logger.Error().Err(err).Msg("sync run error")
		return
	}
	logger.Info().
		Int("cancelled", report.Cancelled).
		Int("blocked", report.Blocked).
		Int("skipped", report.Skipped).
		Dur("duration", time.Since(start)).
		Msg("sync run complete")
}

func runReap(ctx context.Context, engine *booking.Engine, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := engine.ReapStaleTentative(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("reap run error")
		return
	}
	if n > 0 {
		logger.Info().Int("reaped", n).Dur("duration", time.Since(start)).Msg("stale holds reaped")
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
