package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

type Status string

const (
	// StatusTentative is a provisional local hold awaiting remote
	// confirmation. Tentative rows never carry a remote event id.
	StatusTentative Status = "tentative"
	// StatusConfirmed means the remote calendar acknowledged the event.
	// Confirmed rows always carry a remote event id.
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	// StatusBlocked marks an interval occupied by an event created
	// directly in the remote calendar, e.g. staff blocking time by hand.
	StatusBlocked Status = "blocked"
)

// active reports whether a row occupies its interval for conflict checks.
func (s Status) active() bool {
	return s == StatusTentative || s == StatusConfirmed || s == StatusBlocked
}

type Appointment struct {
	ID            uuid.UUID
	UserID        string
	Slot          slot.Slot
	Status        Status
	RemoteEventID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
