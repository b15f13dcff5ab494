package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Bookings BookingService
	Sessions SessionService
	Location *time.Location
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/slots", listSlotsHandler(cfg.Bookings, cfg.Location))

	r.Post("/bookings", createBookingHandler(cfg.Bookings))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Bookings))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Bookings))

	r.Post("/sessions/{userID}", startSessionHandler(cfg.Sessions))
	r.Get("/sessions/{userID}", getSessionHandler(cfg.Sessions))
	r.Post("/sessions/{userID}/date", submitDateHandler(cfg.Sessions, cfg.Location))
	r.Post("/sessions/{userID}/slot", submitSlotHandler(cfg.Sessions))
	r.Delete("/sessions/{userID}", cancelSessionHandler(cfg.Sessions))

	return r
}
