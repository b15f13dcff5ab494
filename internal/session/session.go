// Package session tracks a single user's booking conversation from date
// selection to a confirmed, failed or expired outcome. The state machine
// never touches storage directly: every booking action goes through the
// reconciliation engine, so all compensation logic stays in one place.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightsmile/clinic-booking/internal/booking"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

type State string

const (
	StateAwaitingDate State = "awaiting_date"
	StateAwaitingSlot State = "awaiting_slot"
	StateConfirming   State = "confirming"
	StateConfirmed    State = "confirmed"
	StateFailed       State = "failed"
	StateExpired      State = "expired"
)

var (
	ErrNoSession = errors.New("no active booking session")
	// ErrNoSlots means the chosen date has no free slots; the session
	// stays in awaiting_date so the user can pick another day.
	ErrNoSlots = errors.New("no available slots on that date")
)

// InputError signals input inconsistent with the current state. It is
// not fatal: the session stays where it is and Expected tells the
// transport what to re-prompt for.
type InputError struct {
	State    State
	Expected string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("unexpected input in state %s, expected %s", e.State, e.Expected)
}

// Engine is the slice of the reconciliation engine the state machine
// needs.
type Engine interface {
	ListAvailableSlots(ctx context.Context, date time.Time) ([]slot.Slot, error)
	BookSlot(ctx context.Context, userID string, s slot.Slot) (*booking.Appointment, error)
}

// Session is the ephemeral conversation state of one user. Destroyed on
// terminal state or inactivity timeout.
type Session struct {
	UserID      string
	State       State
	Date        time.Time
	Candidates  []slot.Slot
	Appointment *booking.Appointment
	Deadline    time.Time

	cancel context.CancelFunc
}

func (s *Session) snapshot() *Session {
	out := *s
	out.cancel = nil
	out.Candidates = append([]slot.Slot(nil), s.Candidates...)
	return &out
}

// Manager owns all live sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	engine   Engine
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(engine Engine, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*Session),
		engine:   engine,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the manager clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Start opens a fresh session in awaiting_date. An existing session for
// the user is aborted and replaced.
func (m *Manager) Start(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[userID]; ok && prev.cancel != nil {
		prev.cancel()
	}

	s := &Session{
		UserID:   userID,
		State:    StateAwaitingDate,
		Deadline: m.now().Add(m.ttl),
	}
	m.sessions[userID] = s
	return s.snapshot()
}

// Get returns the user's session, or ErrNoSession.
func (m *Manager) Get(userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return s.snapshot(), nil
}

// SubmitDate moves awaiting_date to awaiting_slot, loading the free
// slots of the chosen date.
func (m *Manager) SubmitDate(ctx context.Context, userID string, date time.Time) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	if s.State != StateAwaitingDate {
		snap := s.snapshot()
		m.mu.Unlock()
		return snap, &InputError{State: s.State, Expected: expectedInput(s.State)}
	}
	m.mu.Unlock()

	candidates, err := m.engine.ListAvailableSlots(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load slots for %s: %w", date.Format("2006-01-02"), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[userID]; !ok || cur != s {
		// Replaced or destroyed while the slots were loading.
		return nil, ErrNoSession
	}
	s.Deadline = m.now().Add(m.ttl)
	if len(candidates) == 0 {
		return s.snapshot(), ErrNoSlots
	}
	s.State = StateAwaitingSlot
	s.Date = date
	s.Candidates = candidates
	return s.snapshot(), nil
}

// SubmitSlot moves awaiting_slot to confirming and drives the booking.
// On conflict the session falls back to awaiting_slot with a refreshed
// slot list; on remote degradation it terminates as failed.
func (m *Manager) SubmitSlot(ctx context.Context, userID string, start time.Time) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	if s.State != StateAwaitingSlot {
		snap := s.snapshot()
		m.mu.Unlock()
		return snap, &InputError{State: s.State, Expected: expectedInput(s.State)}
	}

	var chosen *slot.Slot
	for _, c := range s.Candidates {
		if c.Start.Equal(start) {
			c := c
			chosen = &c
			break
		}
	}
	if chosen == nil {
		snap := s.snapshot()
		m.mu.Unlock()
		return snap, &InputError{State: s.State, Expected: "one of the offered slot start times"}
	}

	s.State = StateConfirming
	s.Deadline = m.now().Add(m.ttl)
	bookCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	m.mu.Unlock()

	// Booking runs without the lock: remote retries can take a while and
	// other users' sessions must not stall behind them.
	appt, bookErr := m.engine.BookSlot(bookCtx, userID, *chosen)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[userID]
	if !ok || cur != s {
		// Cancelled, expired or replaced by a fresh Start while the
		// booking was in flight. The stale outcome must not touch the
		// replacement session.
		return nil, ErrNoSession
	}
	s.cancel = nil

	switch {
	case bookErr == nil:
		s.State = StateConfirmed
		s.Appointment = appt
		snap := s.snapshot()
		delete(m.sessions, userID) // terminal
		return snap, nil

	case errors.Is(bookErr, booking.ErrSlotConflict), errors.Is(bookErr, booking.ErrInvalidSlot):
		// Someone else won the race; refresh the menu and let the user
		// pick again.
		s.State = StateAwaitingSlot
		if refreshed, err := m.engine.ListAvailableSlots(ctx, s.Date); err == nil {
			s.Candidates = refreshed
		} else {
			m.logger.Warn().Err(err).Str("user_id", userID).Msg("refresh slots after conflict")
		}
		return s.snapshot(), booking.ErrSlotConflict

	case errors.Is(bookErr, context.Canceled):
		delete(m.sessions, userID)
		return nil, bookErr

	default:
		s.State = StateFailed
		snap := s.snapshot()
		delete(m.sessions, userID) // terminal
		return snap, booking.ErrTemporarilyUnavailable
	}
}

// Cancel aborts the session, including any in-flight booking attempt.
func (m *Manager) Cancel(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrNoSession
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(m.sessions, userID)
	return nil
}

// ExpireIdle removes sessions past their inactivity deadline, aborting
// in-flight bookings. Returns the number expired.
func (m *Manager) ExpireIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	for userID, s := range m.sessions {
		if s.Deadline.After(now) {
			continue
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.State = StateExpired
		delete(m.sessions, userID)
		expired++
		m.logger.Info().Str("user_id", userID).Msg("booking session expired")
	}
	return expired
}

// Run sweeps idle sessions until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ExpireIdle(); n > 0 {
				m.logger.Info().Int("count", n).Msg("expired idle booking sessions")
			}
		}
	}
}

func expectedInput(s State) string {
	switch s {
	case StateAwaitingDate:
		return "a booking date"
	case StateAwaitingSlot:
		return "one of the offered slot start times"
	case StateConfirming:
		return "no input while the booking is confirmed"
	default:
		return "a new session"
	}
}
