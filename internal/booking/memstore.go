package booking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

// MemStore keeps appointments in memory behind a single mutex. The
// mutex makes ReserveTentative a true atomic check-and-insert, so the
// store honors the same conflict contract as PgStore. Used by tests and
// the simulator.
type MemStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*Appointment
	events []EventLog
	nextEv int64
	now    func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		rows: make(map[uuid.UUID]*Appointment),
		now:  time.Now,
	}
}

// SetClock overrides the store clock, for tests that age rows.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemStore) overlapsActiveLocked(s slot.Slot) bool {
	for _, a := range m.rows {
		if a.Status.active() && a.Slot.Overlaps(s) {
			return true
		}
	}
	return false
}

func (m *MemStore) IsFree(ctx context.Context, s slot.Slot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.overlapsActiveLocked(s), nil
}

func (m *MemStore) ReserveTentative(ctx context.Context, s slot.Slot, userID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overlapsActiveLocked(s) {
		return nil, ErrSlotConflict
	}

	now := m.now()
	a := &Appointment{
		ID:        uuid.New(),
		UserID:    userID,
		Slot:      s,
		Status:    StatusTentative,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.rows[a.ID] = a
	out := *a
	return &out, nil
}

func (m *MemStore) Confirm(ctx context.Context, id uuid.UUID, remoteEventID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok || a.Status != StatusTentative {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusConfirmed
	a.RemoteEventID = &remoteEventID
	a.UpdatedAt = m.now()
	out := *a
	return &out, nil
}

func (m *MemStore) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if a.Status == StatusCancelled {
		return nil
	}
	a.Status = StatusCancelled
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) CancelTentative(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok || a.Status != StatusTentative {
		return ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (m *MemStore) GetByRemoteEventID(ctx context.Context, remoteEventID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.rows {
		if a.RemoteEventID != nil && *a.RemoteEventID == remoteEventID && a.Status != StatusCancelled {
			out := *a
			return &out, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemStore) ListActiveInRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return m.listInRange(from, to, func(s Status) bool { return s.active() }), nil
}

func (m *MemStore) ListConfirmedInRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return m.listInRange(from, to, func(s Status) bool { return s == StatusConfirmed }), nil
}

func (m *MemStore) listInRange(from, to time.Time, match func(Status) bool) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := slot.Slot{Start: from, End: to}
	var out []Appointment
	for _, a := range m.rows {
		if match(a.Status) && a.Slot.Overlaps(window) {
			out = append(out, *a)
		}
	}
	return out
}

func (m *MemStore) CreateBlocked(ctx context.Context, s slot.Slot, remoteEventID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overlapsActiveLocked(s) {
		return nil, ErrSlotConflict
	}

	now := m.now()
	a := &Appointment{
		ID:            uuid.New(),
		Slot:          s,
		Status:        StatusBlocked,
		RemoteEventID: &remoteEventID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.rows[a.ID] = a
	out := *a
	return &out, nil
}

func (m *MemStore) FindStaleTentative(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.rows {
		if a.Status == StatusTentative && a.CreatedAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemStore) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEv++
	ev.ID = m.nextEv
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded event log, for tests.
func (m *MemStore) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}
