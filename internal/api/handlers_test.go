package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightsmile/clinic-booking/internal/booking"
	"github.com/brightsmile/clinic-booking/internal/calendar"
	redisclient "github.com/brightsmile/clinic-booking/internal/redis"
	"github.com/brightsmile/clinic-booking/internal/session"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

// clinicMorning is before opening on a regular working day, so every
// catalog slot of that day is bookable.
var clinicMorning = time.Date(2026, time.September, 2, 8, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu        sync.Mutex
	events    map[string]calendar.RemoteEvent
	createErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{events: make(map[string]calendar.RemoteEvent)}
}

func (f *fakeRemote) CreateEvent(ctx context.Context, s slot.Slot, summary, description, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.events[idempotencyKey] = calendar.RemoteEvent{ID: idempotencyKey, Start: s.Start, End: s.End, Summary: summary}
	return idempotencyKey, nil
}

func (f *fakeRemote) DeleteEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, eventID)
	return nil
}

func (f *fakeRemote) ListEvents(ctx context.Context, from, to time.Time) ([]calendar.RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calendar.RemoteEvent
	for _, ev := range f.events {
		if ev.Start.Before(to) && from.Before(ev.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type testServer struct {
	srv    *httptest.Server
	remote *fakeRemote
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	catalog, err := slot.NewCatalog(time.UTC, "09:00", "17:00", 30*time.Minute)
	require.NoError(t, err)

	store := booking.NewMemStore()
	store.SetClock(func() time.Time { return clinicMorning })

	remote := newFakeRemote()
	engine := booking.NewEngine(store, remote, redisclient.NewLocalLocker(), catalog, booking.EngineConfig{}, zerolog.Nop())
	engine.SetClock(func() time.Time { return clinicMorning })

	sessions := session.NewManager(engine, 10*time.Minute, zerolog.Nop())

	router := NewRouter(RouterConfig{
		Bookings: engine,
		Sessions: sessions,
		Location: time.UTC,
		Logger:   zerolog.Nop(),
		Env:      "test",
		Version:  "test",
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, remote: remote}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), "body: %s", raw)
	return v
}

func TestListSlots(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/slots?date=2026-09-02", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[SlotListResponse](t, body)
	assert.Equal(t, "2026-09-02", list.Date)
	assert.Len(t, list.Slots, 16)

	resp, _ = ts.do(t, http.MethodGet, "/slots?date=nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateBookingRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	start := clinicMorning.Add(2 * time.Hour) // 10:00

	resp, body := ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u1",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)

	appt := decode[AppointmentResponse](t, body)
	assert.Equal(t, "u1", appt.UserID)
	assert.Equal(t, string(booking.StatusConfirmed), appt.Status)
	require.NotNil(t, appt.RemoteEventID)

	resp, body = ts.do(t, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[AppointmentResponse](t, body)
	assert.Equal(t, appt.ID, got.ID)
}

func TestCreateBookingConflict(t *testing.T) {
	ts := newTestServer(t)
	start := clinicMorning.Add(2 * time.Hour)
	req := CreateBookingRequest{UserID: "u1", Start: start, End: start.Add(30 * time.Minute)}

	resp, _ := ts.do(t, http.MethodPost, "/bookings", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req.UserID = "u2"
	resp, body := ts.do(t, http.MethodPost, "/bookings", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "slot_conflict", decode[ErrorResponse](t, body).Error)
}

func TestCreateBookingValidation(t *testing.T) {
	ts := newTestServer(t)
	start := clinicMorning.Add(2 * time.Hour)

	// Off-grid interval.
	resp, body := ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u1",
		Start:  start.Add(7 * time.Minute),
		End:    start.Add(37 * time.Minute),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_slot", decode[ErrorResponse](t, body).Error)

	// Inverted interval.
	resp, _ = ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u1",
		Start:  start,
		End:    start,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing user.
	resp, _ = ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		Start: start,
		End:   start.Add(30 * time.Minute),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateBookingRemoteDown(t *testing.T) {
	ts := newTestServer(t)
	ts.remote.mu.Lock()
	ts.remote.createErr = calendar.ErrRemoteUnavailable
	ts.remote.mu.Unlock()

	start := clinicMorning.Add(2 * time.Hour)
	resp, body := ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u1",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "temporarily_unavailable", decode[ErrorResponse](t, body).Error)

	// The failed attempt must not leave the slot occupied.
	ts.remote.mu.Lock()
	ts.remote.createErr = nil
	ts.remote.mu.Unlock()
	resp, _ = ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u1",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCancelAppointment(t *testing.T) {
	ts := newTestServer(t)
	start := clinicMorning.Add(2 * time.Hour)

	resp, body := ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u1",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	appt := decode[AppointmentResponse](t, body)

	resp, _ = ts.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", appt.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The slot is bookable again.
	resp, _ = ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u2",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/appointments/00000000-0000-0000-0000-000000000001/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/appointments/not-a-uuid/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionFlow(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	s := decode[SessionResponse](t, body)
	assert.Equal(t, string(session.StateAwaitingDate), s.State)

	resp, body = ts.do(t, http.MethodPost, "/sessions/u1/date", SubmitDateRequest{Date: "2026-09-02"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	s = decode[SessionResponse](t, body)
	assert.Equal(t, string(session.StateAwaitingSlot), s.State)
	require.Len(t, s.Slots, 16)

	resp, body = ts.do(t, http.MethodPost, "/sessions/u1/slot", SubmitSlotRequest{Start: s.Slots[2].Start})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	s = decode[SessionResponse](t, body)
	assert.Equal(t, string(session.StateConfirmed), s.State)
	require.NotNil(t, s.Appointment)
	assert.Equal(t, string(booking.StatusConfirmed), s.Appointment.Status)

	// The session is terminal and gone.
	resp, _ = ts.do(t, http.MethodGet, "/sessions/u1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionOutOfOrderInput(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/sessions/u1/slot", SubmitSlotRequest{Start: clinicMorning.Add(2 * time.Hour)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "unexpected_input", decode[ErrorResponse](t, body).Error)

	// Still in awaiting_date.
	resp, body = ts.do(t, http.MethodGet, "/sessions/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(session.StateAwaitingDate), decode[SessionResponse](t, body).State)
}

func TestSessionSlotConflictRefreshesMenu(t *testing.T) {
	ts := newTestServer(t)

	// Another user takes 10:00 directly.
	start := clinicMorning.Add(2 * time.Hour)
	resp, _ := ts.do(t, http.MethodPost, "/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := ts.do(t, http.MethodPost, "/sessions/u1/date", SubmitDateRequest{Date: "2026-09-02"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := decode[SessionResponse](t, body)

	resp, _ = ts.do(t, http.MethodPost, "/bookings", CreateBookingRequest{
		UserID: "u2",
		Start:  start,
		End:    start.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var taken SlotResponse
	for _, c := range s.Slots {
		if c.Start.Equal(start) {
			taken = c
		}
	}
	require.False(t, taken.Start.IsZero())

	resp, body = ts.do(t, http.MethodPost, "/sessions/u1/slot", SubmitSlotRequest{Start: taken.Start})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "slot_conflict", decode[ErrorResponse](t, body).Error)

	// The session survived with a refreshed menu missing the taken slot.
	resp, body = ts.do(t, http.MethodGet, "/sessions/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s = decode[SessionResponse](t, body)
	assert.Equal(t, string(session.StateAwaitingSlot), s.State)
	assert.Len(t, s.Slots, 15)
}

func TestSessionNoSlotsOnClosedDate(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// A past date has no future slots.
	resp, body := ts.do(t, http.MethodPost, "/sessions/u1/date", SubmitDateRequest{Date: "2026-09-01"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no_available_slots", decode[ErrorResponse](t, body).Error)
}

func TestSessionCancel(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/sessions/u1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/sessions/u1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
