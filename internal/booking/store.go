package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotConflict        = errors.New("slot conflicts with an existing appointment")
)

// Store is the durable record of appointments. ReserveTentative is the
// single serialization point for slot conflicts: it must be an atomic
// check-and-insert so two concurrent callers cannot both hold
// overlapping intervals.
type Store interface {
	// IsFree reports whether no tentative, confirmed or blocked row
	// overlaps s (half-open intervals).
	IsFree(ctx context.Context, s slot.Slot) (bool, error)

	// ReserveTentative atomically checks for overlap and inserts a
	// tentative hold. Returns ErrSlotConflict when any active row
	// overlaps s.
	ReserveTentative(ctx context.Context, s slot.Slot, userID string) (*Appointment, error)

	// Confirm promotes a tentative appointment and records the remote
	// event id. Returns ErrAppointmentNotFound when no tentative row
	// with that id exists.
	Confirm(ctx context.Context, id uuid.UUID, remoteEventID string) (*Appointment, error)

	// Cancel marks an appointment cancelled, releasing its interval.
	Cancel(ctx context.Context, id uuid.UUID) error

	// CancelTentative cancels only while the row is still tentative, so
	// rollback and the reaper can never revoke a hold that confirmed
	// under them. Returns ErrAppointmentNotFound when no tentative row
	// with that id exists.
	CancelTentative(ctx context.Context, id uuid.UUID) error

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByRemoteEventID(ctx context.Context, remoteEventID string) (*Appointment, error)

	// ListActiveInRange returns tentative, confirmed and blocked rows
	// overlapping [from, to).
	ListActiveInRange(ctx context.Context, from, to time.Time) ([]Appointment, error)
	ListConfirmedInRange(ctx context.Context, from, to time.Time) ([]Appointment, error)

	// CreateBlocked records a placeholder for an event that exists only
	// remotely, so IsFree respects it.
	CreateBlocked(ctx context.Context, s slot.Slot, remoteEventID string) (*Appointment, error)

	// FindStaleTentative returns tentative rows created before the
	// cutoff, candidates for the reaper.
	FindStaleTentative(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
