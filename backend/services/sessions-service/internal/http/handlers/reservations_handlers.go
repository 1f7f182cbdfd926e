package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/service"
)

// ReservationsHandlers exposes the reservation lifecycle.
type ReservationsHandlers struct {
	svc    *service.ReservationsService
	logger *zap.Logger
}

// NewReservationsHandlers builds handler set.
func NewReservationsHandlers(svc *service.ReservationsService, logger *zap.Logger) *ReservationsHandlers {
	return &ReservationsHandlers{svc: svc, logger: logger}
}

type createReservationRequest struct {
	SpotID         int64     `json:"spot_id"`
	VehicleID      null.Int  `json:"vehicle_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
}

// Create handles POST /reservations.
func (h *ReservationsHandlers) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	var req createReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	reservation, err := h.svc.Create(r.Context(), service.CreateReservationInput{
		UserID:         userID,
		SpotID:         req.SpotID,
		VehicleID:      req.VehicleID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"reservation": reservation})
}

// Confirm handles POST /reservations/{id}/confirm.
func (h *ReservationsHandlers) Confirm(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.svc.Confirm)
}

// Cancel handles POST /reservations/{id}/cancel.
func (h *ReservationsHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.svc.Cancel)
}

func (h *ReservationsHandlers) act(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, id, actorID int64) (*models.Reservation, error),
) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	reservation, err := fn(r.Context(), id, userID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reservation": reservation})
}
