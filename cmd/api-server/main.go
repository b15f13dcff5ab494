package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightsmile/clinic-booking/internal/api"
	"github.com/brightsmile/clinic-booking/internal/booking"
	"github.com/brightsmile/clinic-booking/internal/calendar"
	"github.com/brightsmile/clinic-booking/internal/config"
	"github.com/brightsmile/clinic-booking/internal/db"
	redisclient "github.com/brightsmile/clinic-booking/internal/redis"
	"github.com/brightsmile/clinic-booking/internal/session"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config load error")
	}

	logger := newLogger(cfg.Env).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

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

	sessions := session.NewManager(engine, cfg.SessionTTL, logger)
	go sessions.Run(rootCtx, time.Minute)

	router := api.NewRouter(api.RouterConfig{
		Bookings: engine,
		Sessions: sessions,
		Location: loc,
		PgPool:   pgPool,
		Redis:    rdb,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("api-server stopped")
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
