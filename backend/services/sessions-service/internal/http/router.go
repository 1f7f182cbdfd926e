package httpserver

import (
	"net/http"

	"evcharge/backend/services/sessions-service/internal/http/handlers"
	"evcharge/backend/services/sessions-service/internal/http/middleware"
)

// Routes groups handlers.
type Routes struct {
	Sessions     *handlers.SessionsHandlers
	Spots        *handlers.SpotsHandlers
	Reservations *handlers.ReservationsHandlers
	Payments     *handlers.PaymentsHandlers
	Accounts     *handlers.AccountsHandlers
	Realtime     http.HandlerFunc
	Metrics      http.Handler
	Health       http.HandlerFunc
}

// NewRouter registers endpoints. Driver routes require a caller identity; /internal
// routes are reachable only from the trusted network.
func NewRouter(routes Routes, auth *middleware.Authenticator) http.Handler {
	mux := http.NewServeMux()

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, auth.Require)
	}

	if s := routes.Sessions; s != nil {
		mux.Handle("POST /session/scan-qr", authenticated(s.ScanQR))
		mux.Handle("GET /session/active", authenticated(s.Active))
		mux.Handle("GET /session/{id}", authenticated(s.Get))
		mux.Handle("PUT /session/{id}/progress", authenticated(s.UpdateProgress))
		mux.Handle("GET /session/{id}/progress", authenticated(s.Progress))
		mux.Handle("GET /session/{id}/progress/history", authenticated(s.History))
		mux.Handle("POST /session/{id}/complete", authenticated(s.Complete))
		mux.Handle("POST /session/{id}/cancel", authenticated(s.Cancel))
		mux.Handle("POST /session/{id}/fail", authenticated(s.Fail))
		mux.Handle("GET /sessions/me", authenticated(s.Me))
		mux.HandleFunc("POST /internal/session/start", s.StaffStart)
		mux.HandleFunc("PUT /internal/session/{id}/progress", s.StaffProgress)
		mux.HandleFunc("POST /internal/session/{id}/fail", s.StaffFail)
	}
	if s := routes.Spots; s != nil {
		mux.HandleFunc("GET /internal/spots/{id}/qr", s.QR)
		mux.HandleFunc("PUT /internal/spots/{id}/status", s.SetStatus)
		mux.HandleFunc("GET /stations/{id}/spots", s.ListByStation)
	}
	if s := routes.Reservations; s != nil {
		mux.Handle("POST /reservations", authenticated(s.Create))
		mux.Handle("POST /reservations/{id}/confirm", authenticated(s.Confirm))
		mux.Handle("POST /reservations/{id}/cancel", authenticated(s.Cancel))
	}
	if s := routes.Payments; s != nil {
		mux.Handle("GET /payments/me", authenticated(s.Me))
		mux.HandleFunc("POST /internal/payments/{id}/status", s.UpdateStatus)
	}
	if s := routes.Accounts; s != nil {
		mux.HandleFunc("PUT /internal/users/{id}/status", s.SetStatus)
	}
	if routes.Realtime != nil {
		mux.HandleFunc("GET /ws", routes.Realtime)
	}
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	if routes.Health != nil {
		mux.HandleFunc("GET /health", routes.Health)
	}
	return mux
}
