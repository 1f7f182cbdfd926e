package handlers

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/service"
)

// SessionsHandlers exposes the charging session lifecycle.
type SessionsHandlers struct {
	svc    *service.SessionsService
	logger *zap.Logger
}

// NewSessionsHandlers builds handler set.
func NewSessionsHandlers(svc *service.SessionsService, logger *zap.Logger) *SessionsHandlers {
	return &SessionsHandlers{svc: svc, logger: logger}
}

type startRequest struct {
	SpotID             int64      `json:"spot_id"`
	UserID             int64      `json:"user_id"`
	QRToken            string     `json:"qr_token"`
	VehicleID          null.Int   `json:"vehicle_id"`
	ReservationID      null.Int   `json:"reservation_id"`
	InitialSoc         null.Float `json:"initial_soc"`
	TargetSoc          null.Float `json:"target_soc"`
	EnergyRequestedKWh float64    `json:"energy_requested_kwh"`
	BatteryCapacityKWh null.Float `json:"battery_capacity_kwh"`
}

func (req startRequest) input(userID int64, staff bool) service.StartInput {
	return service.StartInput{
		SpotID:             req.SpotID,
		UserID:             userID,
		VehicleID:          req.VehicleID,
		ReservationID:      req.ReservationID,
		QRToken:            req.QRToken,
		InitialSoc:         req.InitialSoc,
		TargetSoc:          req.TargetSoc,
		EnergyRequestedKWh: req.EnergyRequestedKWh,
		BatteryCapacityKWh: req.BatteryCapacityKWh,
		Staff:              staff,
	}
}

// ScanQR handles POST /session/scan-qr.
func (h *SessionsHandlers) ScanQR(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	session, err := h.svc.Start(r.Context(), req.input(userID, false))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": session})
}

// StaffStart handles POST /internal/session/start.
func (h *SessionsHandlers) StaffStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	session, err := h.svc.Start(r.Context(), req.input(req.UserID, true))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": session})
}

type progressRequest struct {
	SocPercentage                 float64   `json:"soc_percentage"`
	PowerKW                       float64   `json:"power_kw"`
	EnergyDeliveredKWh            float64   `json:"energy_delivered_kwh"`
	EstimatedTimeRemainingMinutes null.Int  `json:"estimated_time_remaining_minutes"`
	RecordedAt                    time.Time `json:"recorded_at"`
}

// UpdateProgress handles PUT /session/{id}/progress from the owner's client.
func (h *SessionsHandlers) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	if id, ok := h.ownedID(w, r); ok {
		h.updateProgress(w, r, id)
	}
}

// StaffProgress handles PUT /internal/session/{id}/progress from the charger feed.
func (h *SessionsHandlers) StaffProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.updateProgress(w, r, id)
}

func (h *SessionsHandlers) updateProgress(w http.ResponseWriter, r *http.Request, id int64) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	result, err := h.svc.UpdateProgress(r.Context(), service.ProgressInput{
		SessionID:                     id,
		SocPercentage:                 req.SocPercentage,
		PowerKW:                       req.PowerKW,
		EnergyDeliveredKWh:            req.EnergyDeliveredKWh,
		EstimatedTimeRemainingMinutes: req.EstimatedTimeRemainingMinutes,
		RecordedAt:                    req.RecordedAt,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied":  result.Applied,
		"progress": result.Progress,
	})
}

// completeRequest accepts the cost fields clients echo back. The server bills from its
// own price and energy, so they are only compared for logging.
type completeRequest struct {
	EnergyDeliveredKWh null.Float `json:"energy_delivered_kwh"`
	Cost               null.Float `json:"cost"`
	PricePerKWh        null.Float `json:"price_per_kwh"`
}

// Complete handles POST /session/{id}/complete.
func (h *SessionsHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	session, err := h.svc.Complete(r.Context(), id, req.EnergyDeliveredKWh)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if (req.Cost.Valid && req.Cost.Float64 != session.Cost.Float64) ||
		(req.PricePerKWh.Valid && req.PricePerKWh.Float64 != session.PricePerKWh) {
		h.logger.Debug("client billing differs from server",
			zap.Int64("session_id", session.ID),
			zap.Float64("client_cost", req.Cost.Float64),
			zap.Float64("cost", session.Cost.Float64),
			zap.Float64("client_price_per_kwh", req.PricePerKWh.Float64),
			zap.Float64("price_per_kwh", session.PricePerKWh),
		)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// Cancel handles POST /session/{id}/cancel.
func (h *SessionsHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}
	session, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// Fail handles POST /session/{id}/fail.
func (h *SessionsHandlers) Fail(w http.ResponseWriter, r *http.Request) {
	if id, ok := h.ownedID(w, r); ok {
		h.fail(w, r, id)
	}
}

// StaffFail handles POST /internal/session/{id}/fail.
func (h *SessionsHandlers) StaffFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.fail(w, r, id)
}

func (h *SessionsHandlers) fail(w http.ResponseWriter, r *http.Request, id int64) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	session, err := h.svc.Fail(r.Context(), id, req.Reason)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// Get handles GET /session/{id}.
func (h *SessionsHandlers) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// Progress handles GET /session/{id}/progress, the poll fallback for clients without
// a websocket.
func (h *SessionsHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.ProgressSnapshot(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// History handles GET /session/{id}/progress/history.
func (h *SessionsHandlers) History(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	snapshots, err := h.svc.ProgressHistory(r.Context(), id, int(limit))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"progress": snapshots})
}

// Active handles GET /session/active?stationId=.
func (h *SessionsHandlers) Active(w http.ResponseWriter, r *http.Request) {
	stationID, err := queryInt(r, "stationId")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if stationID == 0 {
		respondError(w, h.logger, fmt.Errorf("%w: stationId is required", service.ErrValidation))
		return
	}
	sessions, err := h.svc.ActiveByStation(r.Context(), stationID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Me handles GET /sessions/me.
func (h *SessionsHandlers) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	sessions, err := h.svc.ByUser(r.Context(), userID, int(limit))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// owned loads the path session and checks it belongs to the caller.
func (h *SessionsHandlers) owned(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return nil, false
	}
	userID, err := callerID(r)
	if err != nil {
		respondError(w, h.logger, err)
		return nil, false
	}
	session, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err)
		return nil, false
	}
	if session.UserID != userID {
		respondError(w, h.logger, fmt.Errorf("%w: session %d belongs to another user", service.ErrForbidden, id))
		return nil, false
	}
	return session, true
}

func (h *SessionsHandlers) ownedID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	session, ok := h.owned(w, r)
	if !ok {
		return 0, false
	}
	return session.ID, true
}
