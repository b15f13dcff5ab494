package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brightsmile/clinic-booking/internal/booking"
	redisclient "github.com/brightsmile/clinic-booking/internal/redis"
	"github.com/brightsmile/clinic-booking/internal/session"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

// BookingService is the slice of the reconciliation engine the HTTP
// surface needs.
type BookingService interface {
	ListAvailableSlots(ctx context.Context, date time.Time) ([]slot.Slot, error)
	BookSlot(ctx context.Context, userID string, s slot.Slot) (*booking.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
}

// SessionService drives the conversational booking flow.
type SessionService interface {
	Start(userID string) *session.Session
	Get(userID string) (*session.Session, error)
	SubmitDate(ctx context.Context, userID string, date time.Time) (*session.Session, error)
	SubmitSlot(ctx context.Context, userID string, start time.Time) (*session.Session, error)
	Cancel(userID string) error
}

func listSlotsHandler(svc BookingService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dateStr := r.URL.Query().Get("date")
		date, err := time.ParseInLocation("2006-01-02", dateStr, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.ListAvailableSlots(r.Context(), date)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotListResponse{
			Date:  dateStr,
			Slots: toSlotResponses(slots),
		})
	}
}

func createBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
			return
		}
		if !req.End.After(req.Start) {
			writeError(w, http.StatusBadRequest, "invalid_slot", "end must be after start")
			return
		}

		appt, err := svc.BookSlot(r.Context(), req.UserID, slot.Slot{Start: req.Start, End: req.End})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.CancelAppointment(r.Context(), id); err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func startSessionHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := svc.Start(chi.URLParam(r, "userID"))
		writeJSON(w, http.StatusCreated, toSessionResponse(s))
	}
}

func getSessionHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := svc.Get(chi.URLParam(r, "userID"))
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s))
	}
}

func submitDateHandler(svc SessionService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitDateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		date, err := time.ParseInLocation("2006-01-02", req.Date, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		s, err := svc.SubmitDate(r.Context(), chi.URLParam(r, "userID"), date)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s))
	}
}

func submitSlotHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		s, err := svc.SubmitSlot(r.Context(), chi.URLParam(r, "userID"), req.Start)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(s))
	}
}

func cancelSessionHandler(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Cancel(chi.URLParam(r, "userID")); err != nil {
			handleSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrSlotConflict),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is no longer available, pick another")
	case errors.Is(err, booking.ErrTemporarilyUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleSessionError(w http.ResponseWriter, err error) {
	var inputErr *session.InputError
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, "no_session", err.Error())
	case errors.Is(err, session.ErrNoSlots):
		writeError(w, http.StatusConflict, "no_available_slots", err.Error())
	case errors.As(err, &inputErr):
		writeError(w, http.StatusConflict, "unexpected_input", inputErr.Error())
	default:
		handleBookingError(w, err)
	}
}
