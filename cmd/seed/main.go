package main

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brightsmile/clinic-booking/internal/config"
	"github.com/brightsmile/clinic-booking/internal/db"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

// Seeds the appointments table with a plausible week of clinic load:
// mostly confirmed bookings, a few staff blocks. Intended for dev
// databases only.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("invalid clinic timezone: %v", err)
	}
	catalog, err := slot.NewCatalog(loc, cfg.DayStart, cfg.DayEnd, cfg.SlotLength,
		slot.WithClosedDays(cfg.ClosedWeekdays...))
	if err != nil {
		log.Fatalf("invalid clinic schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedAppointments(context.Background(), pool, catalog, 7); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, catalog *slot.Catalog, days int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	today := time.Now()
	var confirmed, blocked int

	for d := 1; d <= days; d++ {
		for _, s := range catalog.Slots(today.AddDate(0, 0, d)) {
			roll := rand.Float64()
			switch {
			case roll < 0.45:
				// Confirmed patient booking mirrored to a fake remote event.
				userID := gofakeit.Username()
				remoteID := strings.ReplaceAll(uuid.New().String(), "-", "")
				_, err := tx.Exec(ctx, `
					INSERT INTO appointments (id, user_id, slot_start, slot_end, status, remote_event_id, created_at, updated_at)
					VALUES ($1, $2, $3, $4, 'confirmed', $5, now(), now())
				`, uuid.New(), userID, s.Start, s.End, remoteID)
				if err != nil {
					return err
				}
				confirmed++
			case roll < 0.50:
				// Staff block placeholder.
				remoteID := strings.ReplaceAll(uuid.New().String(), "-", "")
				_, err := tx.Exec(ctx, `
					INSERT INTO appointments (id, user_id, slot_start, slot_end, status, remote_event_id, created_at, updated_at)
					VALUES ($1, '', $2, $3, 'blocked', $4, now(), now())
				`, uuid.New(), s.Start, s.End, remoteID)
				if err != nil {
					return err
				}
				blocked++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("seeded %d confirmed and %d blocked appointments over %d days", confirmed, blocked, days)
	return nil
}
