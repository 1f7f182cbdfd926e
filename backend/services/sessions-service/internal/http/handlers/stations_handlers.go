package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/service"
)

// SpotsHandlers exposes spot listing, the maintenance toggle and QR tokens.
type SpotsHandlers struct {
	svc    *service.SpotsService
	logger *zap.Logger
}

// NewSpotsHandlers builds handler set.
func NewSpotsHandlers(svc *service.SpotsService, logger *zap.Logger) *SpotsHandlers {
	return &SpotsHandlers{svc: svc, logger: logger}
}

// QR handles GET /internal/spots/{id}/qr for the spot display.
func (h *SpotsHandlers) QR(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	token, expiresAt, err := h.svc.IssueQR(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spot_id":    id,
		"token":      token,
		"expires_at": expiresAt,
	})
}

type spotStatusRequest struct {
	Status models.SpotStatus `json:"status"`
}

// SetStatus handles PUT /internal/spots/{id}/status.
func (h *SpotsHandlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	var req spotStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	spot, err := h.svc.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spot": spot})
}

// ListByStation handles GET /stations/{id}/spots.
func (h *SpotsHandlers) ListByStation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	spots, err := h.svc.ListByStation(r.Context(), id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spots": spots})
}
