// Package calendar talks to the remote calendar service that is the
// source of truth for confirmed bookings. The local store only ever
// keeps a weak reference (the remote event id) for reconciliation.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

var (
	// ErrRemoteUnavailable means the remote service could not be reached
	// or kept failing after retries. Callers may retry later.
	ErrRemoteUnavailable = errors.New("remote calendar unavailable")
	// ErrRemoteConflict means the remote calendar already holds an
	// overlapping event the local store did not know about.
	ErrRemoteConflict = errors.New("remote calendar conflict")
	// ErrRemoteAuth is fatal to the adapter instance: credentials must
	// be refreshed out-of-band and a new adapter constructed.
	ErrRemoteAuth = errors.New("remote calendar authentication failed")
	// ErrEventNotFound is returned by lookups; deletes treat it as
	// success.
	ErrEventNotFound = errors.New("remote event not found")
)

// RemoteEvent is a projection of an event fetched from the remote
// calendar. Never authoritative locally.
type RemoteEvent struct {
	ID      string
	Start   time.Time
	End     time.Time
	Summary string
}

// RemoteCalendar is the outbound contract of the booking core. All
// methods are idempotent from the caller's perspective: CreateEvent is
// safe to retry with the same idempotency key, DeleteEvent of a missing
// event succeeds.
type RemoteCalendar interface {
	CreateEvent(ctx context.Context, s slot.Slot, summary, description, idempotencyKey string) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
	ListEvents(ctx context.Context, from, to time.Time) ([]RemoteEvent, error)
}
