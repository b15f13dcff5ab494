package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightsmile/clinic-booking/internal/slot"
)

func memSlot(hour int) slot.Slot {
	return slot.New(time.Date(2026, time.September, 2, hour, 0, 0, 0, time.UTC), 30*time.Minute)
}

func TestReserveTentativeConcurrentExactlyOneWins(t *testing.T) {
	store := NewMemStore()
	target := memSlot(10)

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ReserveTentative(context.Background(), target, "user")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, conflicts)
}

func TestReserveTentativeRejectsOverlapNotAdjacent(t *testing.T) {
	store := NewMemStore()

	_, err := store.ReserveTentative(context.Background(), memSlot(10), "a")
	require.NoError(t, err)

	// Partial overlap conflicts.
	overlapping := slot.New(memSlot(10).Start.Add(15*time.Minute), 30*time.Minute)
	_, err = store.ReserveTentative(context.Background(), overlapping, "b")
	assert.ErrorIs(t, err, ErrSlotConflict)

	// Back-to-back does not.
	adjacent := slot.New(memSlot(10).End, 30*time.Minute)
	_, err = store.ReserveTentative(context.Background(), adjacent, "b")
	assert.NoError(t, err)
}

func TestConfirmSetsRemoteIDAndStatus(t *testing.T) {
	store := NewMemStore()

	appt, err := store.ReserveTentative(context.Background(), memSlot(10), "a")
	require.NoError(t, err)
	assert.Nil(t, appt.RemoteEventID, "a tentative hold must not carry a remote id")

	confirmed, err := store.Confirm(context.Background(), appt.ID, "ev1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.RemoteEventID)
	assert.Equal(t, "ev1", *confirmed.RemoteEventID)

	// Confirm is tentative-only; a second confirm misses.
	_, err = store.Confirm(context.Background(), appt.ID, "ev2")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancelFreesAndIsIdempotent(t *testing.T) {
	store := NewMemStore()

	appt, err := store.ReserveTentative(context.Background(), memSlot(10), "a")
	require.NoError(t, err)

	require.NoError(t, store.Cancel(context.Background(), appt.ID))
	free, err := store.IsFree(context.Background(), memSlot(10))
	require.NoError(t, err)
	assert.True(t, free)

	assert.NoError(t, store.Cancel(context.Background(), appt.ID), "cancel of a cancelled row is a no-op")
}

func TestCancelTentativeLeavesConfirmedAlone(t *testing.T) {
	store := NewMemStore()

	appt, err := store.ReserveTentative(context.Background(), memSlot(10), "a")
	require.NoError(t, err)
	_, err = store.Confirm(context.Background(), appt.ID, "ev1")
	require.NoError(t, err)

	err = store.CancelTentative(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	got, err := store.GetByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	// A still-tentative hold is released and frees its interval.
	other, err := store.ReserveTentative(context.Background(), memSlot(11), "b")
	require.NoError(t, err)
	require.NoError(t, store.CancelTentative(context.Background(), other.ID))
	free, err := store.IsFree(context.Background(), memSlot(11))
	require.NoError(t, err)
	assert.True(t, free)
}

func TestBlockedPlaceholderOccupiesInterval(t *testing.T) {
	store := NewMemStore()

	blocked, err := store.CreateBlocked(context.Background(), memSlot(14), "staff-ev")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blocked.Status)

	free, err := store.IsFree(context.Background(), memSlot(14))
	require.NoError(t, err)
	assert.False(t, free)

	_, err = store.ReserveTentative(context.Background(), memSlot(14), "a")
	assert.ErrorIs(t, err, ErrSlotConflict)

	got, err := store.GetByRemoteEventID(context.Background(), "staff-ev")
	require.NoError(t, err)
	assert.Equal(t, blocked.ID, got.ID)
}

func TestListConfirmedInRange(t *testing.T) {
	store := NewMemStore()

	a, err := store.ReserveTentative(context.Background(), memSlot(10), "a")
	require.NoError(t, err)
	_, err = store.Confirm(context.Background(), a.ID, "ev1")
	require.NoError(t, err)

	_, err = store.ReserveTentative(context.Background(), memSlot(11), "b")
	require.NoError(t, err)

	from := time.Date(2026, time.September, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	confirmed, err := store.ListConfirmedInRange(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, a.ID, confirmed[0].ID)

	active, err := store.ListActiveInRange(context.Background(), from, to)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestFindStaleTentative(t *testing.T) {
	store := NewMemStore()
	base := time.Date(2026, time.September, 2, 8, 0, 0, 0, time.UTC)

	store.SetClock(func() time.Time { return base })
	old, err := store.ReserveTentative(context.Background(), memSlot(10), "a")
	require.NoError(t, err)

	store.SetClock(func() time.Time { return base.Add(3 * time.Minute) })
	_, err = store.ReserveTentative(context.Background(), memSlot(11), "b")
	require.NoError(t, err)

	stale, err := store.FindStaleTentative(context.Background(), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}
