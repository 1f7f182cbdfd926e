package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/metrics"
	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
)

const (
	// DefaultNoShowGrace is how long a Confirmed reservation waits past its start.
	DefaultNoShowGrace = 15 * time.Minute

	confirmationCodeAttempts = 3
)

// ReservationsService runs the reservation lifecycle and the spot holds it creates.
type ReservationsService struct {
	reservations ReservationStore
	sessions     SessionStore
	spots        SpotStore
	notifier     Notifier
	noShowGrace  time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewReservationsService builds service.
func NewReservationsService(
	reservations ReservationStore,
	sessions SessionStore,
	spots SpotStore,
	notifier Notifier,
	noShowGrace time.Duration,
	logger *zap.Logger,
) *ReservationsService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if noShowGrace <= 0 {
		noShowGrace = DefaultNoShowGrace
	}
	return &ReservationsService{
		reservations: reservations,
		sessions:     sessions,
		spots:        spots,
		notifier:     notifier,
		noShowGrace:  noShowGrace,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
}

// CreateReservationInput carries a booking request.
type CreateReservationInput struct {
	UserID         int64
	SpotID         int64
	VehicleID      null.Int
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

// Create stores a Pending reservation with a fresh confirmation code.
func (s *ReservationsService) Create(ctx context.Context, in CreateReservationInput) (*models.Reservation, error) {
	if in.UserID <= 0 || in.SpotID <= 0 {
		return nil, validationf("user id and spot id are required")
	}
	if in.ScheduledStart.IsZero() || !in.ScheduledEnd.After(in.ScheduledStart) {
		return nil, validationf("scheduled end must be after scheduled start")
	}
	if !in.ScheduledEnd.After(s.now()) {
		return nil, validationf("reservation window is in the past")
	}

	spot, err := s.spots.GetSpot(ctx, in.SpotID)
	if err != nil {
		return nil, notFound(err, "spot", in.SpotID)
	}
	switch spot.Status {
	case models.SpotMaintenance, models.SpotOutOfOrder:
		return nil, fmt.Errorf("%w: spot %d is %s", ErrSpotUnavailable, spot.ID, spot.Status)
	case models.SpotAvailable, models.SpotOccupied, models.SpotReserved:
	}

	reservation := &models.Reservation{
		UserID:         in.UserID,
		SpotID:         spot.ID,
		StationID:      spot.StationID,
		VehicleID:      in.VehicleID,
		ScheduledStart: in.ScheduledStart.UTC(),
		ScheduledEnd:   in.ScheduledEnd.UTC(),
		Status:         models.ReservationPending,
	}
	for attempt := 0; attempt < confirmationCodeAttempts; attempt++ {
		reservation.ConfirmationCode = newConfirmationCode()
		err = s.reservations.CreateReservation(ctx, reservation)
		if !errors.Is(err, repository.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation created",
		zap.Int64("reservation_id", reservation.ID),
		zap.Int64("spot_id", reservation.SpotID),
		zap.Int64("user_id", reservation.UserID),
	)
	s.notifier.ReservationUpdated(ctx, reservation)
	return reservation, nil
}

func newConfirmationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// Get returns a reservation.
func (s *ReservationsService) Get(ctx context.Context, id int64) (*models.Reservation, error) {
	reservation, err := s.reservations.GetReservation(ctx, id)
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	return reservation, nil
}

// owned loads a reservation and checks the caller owns it. actorID 0 is staff.
func (s *ReservationsService) owned(ctx context.Context, id, actorID int64) (*models.Reservation, error) {
	reservation, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != 0 && reservation.UserID != actorID {
		return nil, fmt.Errorf("%w: reservation %d belongs to another user", ErrForbidden, id)
	}
	return reservation, nil
}

// Confirm moves a Pending reservation to Confirmed, holds its spot and creates the
// Scheduled session that Start later promotes.
func (s *ReservationsService) Confirm(ctx context.Context, id, actorID int64) (*models.Reservation, error) {
	reservation, err := s.owned(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionReservation(reservation.Status, models.ReservationConfirmed) {
		return nil, fmt.Errorf("%w: reservation %d is %s", ErrInvalidTransition, id, reservation.Status)
	}

	scheduled := &models.Session{
		SpotID:        reservation.SpotID,
		StationID:     reservation.StationID,
		UserID:        reservation.UserID,
		VehicleID:     reservation.VehicleID,
		ReservationID: null.IntFrom(reservation.ID),
		Status:        models.SessionScheduled,
		StartTime:     reservation.ScheduledStart,
		InitialSoc:    defaultInitialSoc,
		CurrentSoc:    defaultInitialSoc,
		TargetSoc:     defaultTargetSoc,
	}
	confirmed, session, err := s.reservations.ConfirmReservation(ctx, id, scheduled)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSpotBusy):
			return nil, fmt.Errorf("%w: spot %d cannot be held", ErrSpotUnavailable, reservation.SpotID)
		case errors.Is(err, repository.ErrPreconditionFailed):
			return nil, fmt.Errorf("%w: reservation %d changed concurrently", ErrInvalidTransition, id)
		}
		return nil, err
	}

	metrics.IncSessionTransition(string(session.Status))
	s.logger.Info("reservation confirmed",
		zap.Int64("reservation_id", id),
		zap.Int64("session_id", session.ID),
	)
	s.notifier.ReservationUpdated(ctx, confirmed)
	s.notifier.SpotStatusUpdated(ctx, confirmed.StationID, confirmed.SpotID, models.SpotReserved)
	s.notifier.SessionUpdated(ctx, session)
	return confirmed, nil
}

// Cancel releases a reservation on the owner's request.
func (s *ReservationsService) Cancel(ctx context.Context, id, actorID int64) (*models.Reservation, error) {
	reservation, err := s.owned(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	return s.release(ctx, reservation, models.ReservationCancelled)
}

// release moves a reservation out of the status it was read in. A concurrent change
// in between surfaces as ErrInvalidTransition.
func (s *ReservationsService) release(ctx context.Context, current *models.Reservation, to models.ReservationStatus) (*models.Reservation, error) {
	id := current.ID
	if !models.CanTransitionReservation(current.Status, to) {
		return nil, fmt.Errorf("%w: reservation %d is %s", ErrInvalidTransition, id, current.Status)
	}
	result, err := s.reservations.ReleaseReservation(ctx, id, current.Status, to)
	if err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: reservation %d cannot become %s", ErrInvalidTransition, id, to)
		}
		return nil, notFound(err, "reservation", id)
	}

	reservation := result.Reservation
	s.logger.Info("reservation released",
		zap.Int64("reservation_id", id),
		zap.String("status", string(reservation.Status)),
		zap.Bool("spot_freed", result.SpotFreed),
	)
	s.notifier.ReservationUpdated(ctx, reservation)
	if result.SpotFreed {
		s.notifier.SpotStatusUpdated(ctx, reservation.StationID, reservation.SpotID, models.SpotAvailable)
	}
	if result.CancelledSession != 0 {
		metrics.IncSessionTransition(string(models.SessionCancelled))
		if session, err := s.sessions.GetSession(ctx, result.CancelledSession); err == nil {
			s.notifier.SessionUpdated(ctx, session)
		}
	}
	return reservation, nil
}

// Sweep closes overdue reservations: Confirmed ones past start plus grace become NoShow,
// Pending ones past their end become Expired. It returns how many were closed.
func (s *ReservationsService) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	overdue, err := s.reservations.ListOverdueReservations(ctx, now.Add(-s.noShowGrace), now)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range overdue {
		reservation := &overdue[i]
		to := models.ReservationExpired
		if reservation.Status == models.ReservationConfirmed {
			to = models.ReservationNoShow
		}
		if _, err := s.release(ctx, reservation, to); err != nil {
			s.logger.Warn("failed to close overdue reservation",
				zap.Int64("reservation_id", reservation.ID),
				zap.Error(err),
			)
			continue
		}
		closed++
	}
	return closed, nil
}
