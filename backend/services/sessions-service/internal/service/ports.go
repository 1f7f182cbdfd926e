package service

import (
	"context"
	"time"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
)

// SessionStore persists sessions and their progress snapshots.
type SessionStore interface {
	StartSession(ctx context.Context, params repository.StartParams) (*models.Session, error)
	FinishSession(ctx context.Context, params repository.FinishParams) (*repository.FinishResult, error)
	RecordProgress(ctx context.Context, p *models.Progress) error
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	GetScheduledByReservation(ctx context.Context, reservationID int64) (*models.Session, error)
	LatestProgress(ctx context.Context, sessionID int64) (*models.Progress, error)
	ListProgress(ctx context.Context, sessionID int64, limit int) ([]models.Progress, error)
	ListActiveByStation(ctx context.Context, stationID int64) ([]models.Session, error)
	ListInProgress(ctx context.Context, limit int) ([]models.Session, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Session, error)
}

// StationStore reads stations.
type StationStore interface {
	GetStation(ctx context.Context, id int64) (*models.Station, error)
}

// SpotStore reads spots and applies spot status CAS.
type SpotStore interface {
	GetSpot(ctx context.Context, id int64) (*models.Spot, error)
	ListSpotsByStation(ctx context.Context, stationID int64) ([]models.Spot, error)
	ListSpots(ctx context.Context) ([]models.Spot, error)
	SetSpotStatus(ctx context.Context, id int64, from []models.SpotStatus, to models.SpotStatus) (*models.Spot, error)
	UpdateQRCode(ctx context.Context, id int64, code string, rotatedAt time.Time) error
	InitQRCode(ctx context.Context, id int64, code string, rotatedAt time.Time) (bool, error)
}

// ReservationStore persists reservations.
type ReservationStore interface {
	CreateReservation(ctx context.Context, res *models.Reservation) error
	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	ConfirmReservation(ctx context.Context, id int64, scheduled *models.Session) (*models.Reservation, *models.Session, error)
	ReleaseReservation(ctx context.Context, id int64, from, to models.ReservationStatus) (*repository.ReleaseResult, error)
	ListOverdueReservations(ctx context.Context, confirmedBefore, pendingBefore time.Time) ([]models.Reservation, error)
}

// PaymentStore persists payment transactions.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.PaymentTransaction) error
	GetPayment(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	UpdatePaymentStatus(ctx context.Context, id int64, from []models.PaymentStatus, to models.PaymentStatus) (*models.PaymentTransaction, error)
	ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.PaymentTransaction, error)
}

// TariffStore looks up the active tariff.
type TariffStore interface {
	GetActiveTariff(ctx context.Context) (*models.Tariff, error)
}

// UserStore reads and toggles accounts.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	SetUserActive(ctx context.Context, id int64, active bool) (*models.User, error)
}

// Notifier pushes state changes to realtime subscribers. Implementations never block
// the caller on delivery and never report delivery failures.
type Notifier interface {
	SpotStatusUpdated(ctx context.Context, stationID, spotID int64, status models.SpotStatus)
	SessionUpdated(ctx context.Context, session *models.Session)
	ChargingProgressUpdated(ctx context.Context, sessionID int64, progress *models.Progress)
	ReservationUpdated(ctx context.Context, reservation *models.Reservation)
	AccountStatusChanged(ctx context.Context, userID int64, isActive bool, message string)
}

// SessionCache keeps active sessions and their latest snapshot close at hand.
type SessionCache interface {
	SaveActive(ctx context.Context, session *models.Session) error
	DeleteActive(ctx context.Context, sessionID int64) error
	SaveProgress(ctx context.Context, p *models.Progress) error
	LatestProgress(ctx context.Context, sessionID int64) (*models.Progress, error)
}

// QRValidator checks a scan token against the spot's current rotating code.
type QRValidator interface {
	Validate(token string, spot *models.Spot) error
}

// PaymentOpener opens the settlement record of a completed session.
type PaymentOpener interface {
	OpenForSession(ctx context.Context, session *models.Session) (*models.PaymentTransaction, error)
}

type nopNotifier struct{}

func (nopNotifier) SpotStatusUpdated(context.Context, int64, int64, models.SpotStatus) {}
func (nopNotifier) SessionUpdated(context.Context, *models.Session) {}
func (nopNotifier) ChargingProgressUpdated(context.Context, int64, *models.Progress) {}
func (nopNotifier) ReservationUpdated(context.Context, *models.Reservation) {}
func (nopNotifier) AccountStatusChanged(context.Context, int64, bool, string) {}
