package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

// PgStore is the Postgres-backed availability store. The schema carries
// an exclusion constraint on active intervals (see migrations), so even
// a lost race at the application level cannot persist two overlapping
// active rows.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const appointmentColumns = `id, user_id, slot_start, slot_end, status, remote_event_id, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var remoteEventID *string

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Slot.Start,
		&a.Slot.End,
		&a.Status,
		&remoteEventID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.RemoteEventID = remoteEventID
	return &a, nil
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23P01 exclusion_violation, 23505 unique_violation
		return pgErr.Code == "23P01" || pgErr.Code == "23505"
	}
	return false
}

func (s *PgStore) IsFree(ctx context.Context, sl slot.Slot) (bool, error) {
	var occupied bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE status IN ('tentative', 'confirmed', 'blocked')
			  AND slot_start < $2 AND $1 < slot_end
		)
	`, sl.Start, sl.End).Scan(&occupied)
	if err != nil {
		return false, fmt.Errorf("check slot free: %w", err)
	}
	return !occupied, nil
}

func (s *PgStore) ReserveTentative(ctx context.Context, sl slot.Slot, userID string) (*Appointment, error) {
	id := uuid.New()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, user_id, slot_start, slot_end, status, created_at, updated_at)
		SELECT $1, $2, $3, $4, 'tentative', now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM appointments
			WHERE status IN ('tentative', 'confirmed', 'blocked')
			  AND slot_start < $4 AND $3 < slot_end
		)
		RETURNING `+appointmentColumns+`
	`, id, userID, sl.Start, sl.End)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) || isExclusionViolation(err) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("reserve tentative: %w", err)
	}
	return appt, nil
}

func (s *PgStore) Confirm(ctx context.Context, id uuid.UUID, remoteEventID string) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'confirmed',
		    remote_event_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'tentative'
		RETURNING `+appointmentColumns+`
	`, id, remoteEventID)

	return scanAppointment(row)
}

func (s *PgStore) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'cancelled'
	`, id)
	if err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		if !exists {
			return ErrAppointmentNotFound
		}
		// Already cancelled, idempotent.
	}
	return nil
}

func (s *PgStore) CancelTentative(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'tentative'
	`, id)
	if err != nil {
		return fmt.Errorf("cancel tentative appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) GetByRemoteEventID(ctx context.Context, remoteEventID string) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE remote_event_id = $1
		  AND status <> 'cancelled'
	`, remoteEventID)
	return scanAppointment(row)
}

func (s *PgStore) ListActiveInRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return s.listInRange(ctx, from, to, []string{"tentative", "confirmed", "blocked"})
}

func (s *PgStore) ListConfirmedInRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return s.listInRange(ctx, from, to, []string{"confirmed"})
}

func (s *PgStore) listInRange(ctx context.Context, from, to time.Time, statuses []string) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = ANY($3)
		  AND slot_start < $2 AND $1 < slot_end
		ORDER BY slot_start
	`, from, to, statuses)
	if err != nil {
		return nil, fmt.Errorf("list appointments in range: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PgStore) CreateBlocked(ctx context.Context, sl slot.Slot, remoteEventID string) (*Appointment, error) {
	id := uuid.New()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, user_id, slot_start, slot_end, status, remote_event_id, created_at, updated_at)
		VALUES ($1, '', $2, $3, 'blocked', $4, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, sl.Start, sl.End, remoteEventID)

	appt, err := scanAppointment(row)
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("create blocked placeholder: %w", err)
	}
	return appt, nil
}

func (s *PgStore) FindStaleTentative(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'tentative'
		  AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale tentative: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
