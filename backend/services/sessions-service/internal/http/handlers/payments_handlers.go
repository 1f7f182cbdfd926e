package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/service"
)

// PaymentsHandlers exposes payment history and the gateway callback.
type PaymentsHandlers struct {
	svc    *service.PaymentsService
	logger *zap.Logger
}

// NewPaymentsHandlers builds handler set.
func NewPaymentsHandlers(svc *service.PaymentsService, logger *zap.Logger) *PaymentsHandlers {
	return &PaymentsHandlers{svc: svc, logger: logger}
}

// Me handles GET /payments/me.
func (h *PaymentsHandlers) Me(w http.ResponseWriter, r *http.Request) {
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
	payments, err := h.svc.ForUser(r.Context(), userID, int(limit))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

type paymentStatusRequest struct {
	Status models.PaymentStatus `json:"status"`
}

// UpdateStatus handles POST /internal/payments/{id}/status.
func (h *PaymentsHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	var req paymentStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	payment, err := h.svc.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payment": payment})
}

// AccountsHandlers exposes the account activation toggle.
type AccountsHandlers struct {
	svc    *service.AccountsService
	logger *zap.Logger
}

// NewAccountsHandlers builds handler set.
func NewAccountsHandlers(svc *service.AccountsService, logger *zap.Logger) *AccountsHandlers {
	return &AccountsHandlers{svc: svc, logger: logger}
}

type accountStatusRequest struct {
	IsActive *bool  `json:"is_active"`
	Message  string `json:"message"`
}

// SetStatus handles PUT /internal/users/{id}/status.
func (h *AccountsHandlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	var req accountStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "is_active is required")
		return
	}
	user, err := h.svc.SetActive(r.Context(), id, *req.IsActive, req.Message)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}
