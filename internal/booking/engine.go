package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brightsmile/clinic-booking/internal/calendar"
	redisclient "github.com/brightsmile/clinic-booking/internal/redis"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

const (
	EventBookingReserved  = "BOOKING_RESERVED"
	EventBookingConfirmed = "BOOKING_CONFIRMED"
	EventBookingCancelled = "BOOKING_CANCELLED"
	EventBookingReaped    = "BOOKING_REAPED"
	EventDriftDetected    = "DRIFT_DETECTED"
	EventSlotBlocked      = "SLOT_BLOCKED"
)

var (
	// ErrInvalidSlot means the requested interval is in the past or not
	// on the clinic's slot grid.
	ErrInvalidSlot = errors.New("slot is not a valid bookable interval")
	// ErrTemporarilyUnavailable means the remote calendar is degraded;
	// the caller should retry later. The local hold has been rolled back.
	ErrTemporarilyUnavailable = errors.New("booking temporarily unavailable, try again later")
)

// EngineConfig carries the reconciliation knobs.
type EngineConfig struct {
	// TentativeTTL bounds how long an unconfirmed hold may occupy a slot
	// before the reaper releases it.
	TentativeTTL time.Duration
	// ConfirmGrace shields freshly confirmed rows from the sync pass so
	// it never races an in-flight booking.
	ConfirmGrace time.Duration
}

// Engine reconciles the local availability store with the remote
// calendar. It is the only component that performs compensating actions:
// every rollback of a tentative hold lives here.
type Engine struct {
	store   Store
	remote  calendar.RemoteCalendar
	locker  redisclient.Locker
	catalog *slot.Catalog
	cfg     EngineConfig
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEngine(store Store, remote calendar.RemoteCalendar, locker redisclient.Locker, catalog *slot.Catalog, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.TentativeTTL <= 0 {
		cfg.TentativeTTL = 2 * time.Minute
	}
	if cfg.ConfirmGrace <= 0 {
		cfg.ConfirmGrace = time.Minute
	}
	return &Engine{
		store:   store,
		remote:  remote,
		locker:  locker,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// BookSlot reserves the slot locally, pushes the event to the remote
// calendar and promotes the hold to confirmed. The local reservation is
// the fast rejection path: a conflict here never reaches the remote API.
func (e *Engine) BookSlot(ctx context.Context, userID string, s slot.Slot) (*Appointment, error) {
	if !s.Start.After(e.now()) || !e.catalog.Contains(s) {
		return nil, ErrInvalidSlot
	}

	var reserved *Appointment
	err := e.locker.WithSlotLock(ctx, s.Key(), func(lockCtx context.Context) error {
		appt, err := e.store.ReserveTentative(lockCtx, s, userID)
		if err != nil {
			return err
		}
		reserved = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			// Someone else is mid-reservation for this interval.
			return nil, ErrSlotConflict
		}
		if errors.Is(err, ErrSlotConflict) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	e.logEvent(ctx, reserved.ID, EventBookingReserved, map[string]any{
		"user_id": userID,
		"slot":    s.String(),
	})

	// The remote call happens outside the lock: retries can outlive the
	// lock TTL, and the tentative row already owns the interval.
	key := idempotencyKey(reserved.ID)
	summary := fmt.Sprintf("Dental appointment - %s", userID)
	remoteID, err := e.remote.CreateEvent(ctx, s, summary, fmt.Sprintf("Booked via assistant for %s", userID), key)
	if err != nil {
		e.rollback(ctx, reserved.ID, err)
		switch {
		case errors.Is(err, calendar.ErrRemoteConflict):
			// Remote saw an overlap the local store missed: drift.
			e.logEvent(ctx, reserved.ID, EventDriftDetected, map[string]any{
				"reason": "remote_conflict_on_create",
				"slot":   s.String(),
			})
			return nil, ErrSlotConflict
		case errors.Is(err, calendar.ErrRemoteAuth):
			e.logger.Error().Err(err).Msg("remote calendar credentials rejected, booking degraded until refreshed")
			return nil, ErrTemporarilyUnavailable
		default:
			return nil, ErrTemporarilyUnavailable
		}
	}

	confirmed, err := e.store.Confirm(ctx, reserved.ID, remoteID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// The hold was reaped while the remote call dragged on.
			// Undo the remote event so the interval is consistent.
			if delErr := e.remote.DeleteEvent(ctx, remoteID); delErr != nil {
				e.logEvent(ctx, reserved.ID, EventDriftDetected, map[string]any{
					"reason":          "orphan_remote_event",
					"remote_event_id": remoteID,
				})
			}
			return nil, ErrTemporarilyUnavailable
		}
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	e.logEvent(ctx, confirmed.ID, EventBookingConfirmed, map[string]any{
		"remote_event_id": remoteID,
	})
	return confirmed, nil
}

// CancelAppointment cancels locally and deletes the remote event
// best-effort. A remote failure is recorded as drift for the periodic
// sync and never blocks the local cancel.
func (e *Engine) CancelAppointment(ctx context.Context, id uuid.UUID) error {
	appt, err := e.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if appt.Status == StatusConfirmed && appt.RemoteEventID != nil {
		if err := e.remote.DeleteEvent(ctx, *appt.RemoteEventID); err != nil {
			e.logger.Warn().Err(err).
				Stringer("appointment_id", id).
				Str("remote_event_id", *appt.RemoteEventID).
				Msg("remote delete failed, local cancel proceeds")
			e.logEvent(ctx, id, EventDriftDetected, map[string]any{
				"reason":          "remote_delete_failed",
				"remote_event_id": *appt.RemoteEventID,
			})
		}
	}

	if err := e.store.Cancel(ctx, id); err != nil {
		return err
	}
	e.logEvent(ctx, id, EventBookingCancelled, map[string]any{})
	return nil
}

// GetAppointment looks up an appointment by id.
func (e *Engine) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return e.store.GetByID(ctx, id)
}

// ListAvailableSlots returns the catalog slots of the date that are in
// the future and free in the local store.
func (e *Engine) ListAvailableSlots(ctx context.Context, date time.Time) ([]slot.Slot, error) {
	now := e.now()
	var out []slot.Slot
	for _, s := range e.catalog.Slots(date) {
		if !s.Start.After(now) {
			continue
		}
		free, err := e.store.IsFree(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("check slot %s: %w", s, err)
		}
		if free {
			out = append(out, s)
		}
	}
	return out, nil
}

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Cancelled int // confirmed rows whose remote event disappeared
	Blocked   int // placeholders created for foreign remote events
	Skipped   int // foreign events that could not be blocked this pass
}

// SyncRange reconciles local state against the remote calendar over
// [from, to). The remote is authoritative for confirmed state: a
// confirmed row with no remote event is cancelled, a remote event with
// no local row blocks its interval. Rows inside the confirm grace
// window are left alone so the pass never races an in-flight booking.
func (e *Engine) SyncRange(ctx context.Context, from, to time.Time) (SyncReport, error) {
	var report SyncReport

	remoteEvents, err := e.remote.ListEvents(ctx, from, to)
	if err != nil {
		return report, fmt.Errorf("list remote events: %w", err)
	}
	remoteByID := make(map[string]calendar.RemoteEvent, len(remoteEvents))
	for _, ev := range remoteEvents {
		remoteByID[ev.ID] = ev
	}

	confirmed, err := e.store.ListConfirmedInRange(ctx, from, to)
	if err != nil {
		return report, fmt.Errorf("list confirmed appointments: %w", err)
	}

	graceCutoff := e.now().Add(-e.cfg.ConfirmGrace)
	for _, appt := range confirmed {
		if appt.UpdatedAt.After(graceCutoff) {
			continue
		}
		if appt.RemoteEventID != nil {
			if _, ok := remoteByID[*appt.RemoteEventID]; ok {
				continue
			}
		}
		// The remote event was deleted externally: remote wins.
		if err := e.store.Cancel(ctx, appt.ID); err != nil {
			e.logger.Error().Err(err).Stringer("appointment_id", appt.ID).Msg("cancel drifted appointment")
			continue
		}
		report.Cancelled++
		e.logEvent(ctx, appt.ID, EventDriftDetected, map[string]any{
			"reason": "remote_event_deleted",
		})
		e.logEvent(ctx, appt.ID, EventBookingCancelled, map[string]any{
			"reason": "sync",
		})
	}

	for _, ev := range remoteEvents {
		_, err := e.store.GetByRemoteEventID(ctx, ev.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return report, fmt.Errorf("look up remote event %s: %w", ev.ID, err)
		}

		// Externally created event: block the interval locally so
		// IsFree respects it.
		blocked, err := e.store.CreateBlocked(ctx, slot.Slot{Start: ev.Start, End: ev.End}, ev.ID)
		if err != nil {
			if errors.Is(err, ErrSlotConflict) {
				// An active local row (possibly a hold mid-confirmation)
				// overlaps; leave it for the next pass.
				report.Skipped++
				continue
			}
			return report, fmt.Errorf("block slot for remote event %s: %w", ev.ID, err)
		}
		report.Blocked++
		e.logEvent(ctx, blocked.ID, EventSlotBlocked, map[string]any{
			"remote_event_id": ev.ID,
			"summary":         ev.Summary,
		})
	}

	return report, nil
}

// ReapStaleTentative releases tentative holds older than the TTL so an
// abandoned session cannot starve a slot. Returns the number reaped.
func (e *Engine) ReapStaleTentative(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cfg.TentativeTTL)
	stale, err := e.store.FindStaleTentative(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale tentative holds: %w", err)
	}

	reaped := 0
	for _, appt := range stale {
		if err := e.store.CancelTentative(ctx, appt.ID); err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// Confirmed or cancelled since the listing; not ours to touch.
				continue
			}
			e.logger.Error().Err(err).Stringer("appointment_id", appt.ID).Msg("reap stale tentative hold")
			continue
		}
		reaped++
		e.logEvent(ctx, appt.ID, EventBookingReaped, map[string]any{
			"created_at": appt.CreatedAt,
		})
	}
	return reaped, nil
}

// rollback cancels a tentative hold after a failed remote call so the
// slot is never left reserved indefinitely.
func (e *Engine) rollback(ctx context.Context, id uuid.UUID, cause error) {
	// The booking context may already be cancelled; the rollback still
	// has to land.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.store.CancelTentative(rbCtx, id); err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		e.logger.Error().Err(err).
			Stringer("appointment_id", id).
			AnErr("cause", cause).
			Msg("rollback of tentative hold failed, reaper will release it")
		return
	}
	e.logEvent(rbCtx, id, EventBookingCancelled, map[string]any{
		"reason": "rollback",
	})
}

func (e *Engine) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = []byte("{}")
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     e.now(),
	}
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Stringer("appointment_id", appointmentID).Msg("insert event log")
	}
}

// idempotencyKey derives a remote-safe event id from the appointment id.
// Google accepts lowercase base32hex ids; stripped uuid hex qualifies.
func idempotencyKey(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
