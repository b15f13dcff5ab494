package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/brightsmile/clinic-booking/internal/booking"
	"github.com/brightsmile/clinic-booking/internal/session"
	"github.com/brightsmile/clinic-booking/internal/slot"
)

type CreateBookingRequest struct {
	UserID string    `json:"user_id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type SubmitDateRequest struct {
	Date string `json:"date"` // YYYY-MM-DD, clinic timezone
}

type SubmitSlotRequest struct {
	Start time.Time `json:"start"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type SlotListResponse struct {
	Date  string         `json:"date"`
	Slots []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Status        string    `json:"status"`
	RemoteEventID *string   `json:"remote_event_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type SessionResponse struct {
	UserID      string               `json:"user_id"`
	State       string               `json:"state"`
	Date        string               `json:"date,omitempty"`
	Slots       []SlotResponse       `json:"slots,omitempty"`
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponses(slots []slot.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{Start: s.Start, End: s.End})
	}
	return out
}

func toAppointmentResponse(a *booking.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:            a.ID,
		UserID:        a.UserID,
		Start:         a.Slot.Start,
		End:           a.Slot.End,
		Status:        string(a.Status),
		RemoteEventID: a.RemoteEventID,
		CreatedAt:     a.CreatedAt,
	}
}

func toSessionResponse(s *session.Session) SessionResponse {
	resp := SessionResponse{
		UserID:      s.UserID,
		State:       string(s.State),
		Slots:       toSlotResponses(s.Candidates),
		Appointment: toAppointmentResponse(s.Appointment),
	}
	if !s.Date.IsZero() {
		resp.Date = s.Date.Format("2006-01-02")
	}
	return resp
}
