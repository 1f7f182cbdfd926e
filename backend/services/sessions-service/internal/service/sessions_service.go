package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/metrics"
	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/progress"
	"evcharge/backend/services/sessions-service/internal/repository"
)

const (
	defaultInitialSoc = 20
	defaultTargetSoc  = 100

	// DefaultBaseFee is the flat fee added to every completed session.
	DefaultBaseFee = 10000

	completeAttempts = 3
)

// SessionsDeps groups collaborators of SessionsService. Cache, Users, QR and Payments
// may be nil.
type SessionsDeps struct {
	Sessions     SessionStore
	Spots        SpotStore
	Stations     StationStore
	Reservations ReservationStore
	Users        UserStore
	Tariffs      *TariffService
	Payments     PaymentOpener
	QR           QRValidator
	Cache        SessionCache
	Notifier     Notifier
}

// SessionsOptions tunes billing and simulation.
type SessionsOptions struct {
	BaseFee   float64
	Reference time.Duration
	Now       func() time.Time
}

// SessionsService runs the charging session lifecycle.
type SessionsService struct {
	deps      SessionsDeps
	baseFee   float64
	reference time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewSessionsService builds service.
func NewSessionsService(deps SessionsDeps, opts SessionsOptions, logger *zap.Logger) *SessionsService {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if opts.BaseFee < 0 {
		opts.BaseFee = 0
	}
	if opts.Reference <= 0 {
		opts.Reference = progress.DefaultReference
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &SessionsService{
		deps:      deps,
		baseFee:   opts.BaseFee,
		reference: opts.Reference,
		now:       opts.Now,
		logger:    logger,
	}
}

// StartInput carries a session start request.
type StartInput struct {
	SpotID             int64
	UserID             int64
	VehicleID          null.Int
	ReservationID      null.Int
	QRToken            string
	InitialSoc         null.Float
	TargetSoc          null.Float
	EnergyRequestedKWh float64
	BatteryCapacityKWh null.Float
	// Staff starts skip the QR check.
	Staff bool
}

func (in *StartInput) normalize() error {
	if in.SpotID <= 0 {
		return validationf("spot id is required")
	}
	if in.UserID <= 0 {
		return validationf("user id is required")
	}
	if !in.InitialSoc.Valid {
		in.InitialSoc = null.FloatFrom(defaultInitialSoc)
	}
	if !in.TargetSoc.Valid {
		in.TargetSoc = null.FloatFrom(defaultTargetSoc)
	}
	initial, target := in.InitialSoc.Float64, in.TargetSoc.Float64
	if !socInRange(initial) || !socInRange(target) {
		return validationf("soc must be within 0..100")
	}
	if initial >= target {
		return validationf("initial soc %.1f must be below target soc %.1f", initial, target)
	}
	if in.EnergyRequestedKWh < 0 {
		return validationf("energy requested must not be negative")
	}
	if in.BatteryCapacityKWh.Valid && in.BatteryCapacityKWh.Float64 <= 0 {
		return validationf("battery capacity must be positive")
	}
	return nil
}

func socInRange(v float64) bool {
	return v >= 0 && v <= 100
}

// Start opens an InProgress session on a spot. The spot must be Available, or Reserved
// by the caller's Confirmed reservation passed in ReservationID.
func (s *SessionsService) Start(ctx context.Context, in StartInput) (*models.Session, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	spot, err := s.deps.Spots.GetSpot(ctx, in.SpotID)
	if err != nil {
		return nil, notFound(err, "spot", in.SpotID)
	}
	station, err := s.deps.Stations.GetStation(ctx, spot.StationID)
	if err != nil {
		return nil, notFound(err, "station", spot.StationID)
	}
	if station.Status != models.StationActive {
		return nil, fmt.Errorf("%w: station %d is %s", ErrSpotUnavailable, station.ID, station.Status)
	}

	if s.deps.Users != nil {
		user, err := s.deps.Users.GetUser(ctx, in.UserID)
		if err != nil {
			return nil, notFound(err, "user", in.UserID)
		}
		if !user.IsActive {
			return nil, fmt.Errorf("%w: account %d is disabled", ErrForbidden, in.UserID)
		}
	}

	params := repository.StartParams{
		ExpectedSpotStatuses: []models.SpotStatus{models.SpotAvailable},
	}
	var reservation *models.Reservation
	if in.ReservationID.Valid {
		reservation, err = s.holdingReservation(ctx, in)
		if err != nil {
			return nil, err
		}
		params.ExpectedSpotStatuses = []models.SpotStatus{models.SpotReserved}
		params.ReservationID = reservation.ID
		scheduled, err := s.deps.Sessions.GetScheduledByReservation(ctx, reservation.ID)
		switch {
		case err == nil:
			params.ScheduledSessionID = scheduled.ID
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}

	if !containsSpotStatus(params.ExpectedSpotStatuses, spot.Status) {
		return nil, fmt.Errorf("%w: spot %d is %s", ErrSpotUnavailable, spot.ID, spot.Status)
	}

	if !in.Staff {
		if s.deps.QR == nil {
			return nil, fmt.Errorf("%w: qr validation unavailable", ErrInvalidQRCode)
		}
		if err := s.deps.QR.Validate(in.QRToken, spot); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQRCode, err)
		}
	}

	price, err := s.deps.Tariffs.PriceFor(ctx, spot)
	if err != nil {
		return nil, fmt.Errorf("resolve price: %w", err)
	}

	params.Session = &models.Session{
		SpotID:             spot.ID,
		StationID:          spot.StationID,
		UserID:             in.UserID,
		VehicleID:          in.VehicleID,
		ReservationID:      in.ReservationID,
		Status:             models.SessionInProgress,
		StartTime:          s.now(),
		PricePerKWh:        price,
		EnergyRequestedKWh: in.EnergyRequestedKWh,
		InitialSoc:         in.InitialSoc.Float64,
		CurrentSoc:         in.InitialSoc.Float64,
		TargetSoc:          in.TargetSoc.Float64,
		CurrentPowerKW:     spot.PowerOutputKW,
		BatteryCapacityKWh: in.BatteryCapacityKWh,
	}

	session, err := s.deps.Sessions.StartSession(ctx, params)
	if err != nil {
		if errors.Is(err, repository.ErrSpotBusy) || errors.Is(err, repository.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: spot %d was taken", ErrSpotUnavailable, spot.ID)
		}
		return nil, err
	}

	metrics.IncSessionTransition(string(session.Status))
	s.logger.Info("charging session started",
		zap.Int64("session_id", session.ID),
		zap.Int64("spot_id", session.SpotID),
		zap.Int64("user_id", session.UserID),
		zap.Float64("price_per_kwh", session.PricePerKWh),
		zap.Bool("staff", in.Staff),
	)

	if s.deps.Cache != nil {
		if err := s.deps.Cache.SaveActive(ctx, session); err != nil {
			s.logger.Warn("failed to cache active session", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}

	s.deps.Notifier.SessionUpdated(ctx, session)
	s.deps.Notifier.SpotStatusUpdated(ctx, session.StationID, session.SpotID, models.SpotOccupied)
	if reservation != nil {
		checkedIn := *reservation
		checkedIn.Status = models.ReservationCheckedIn
		s.deps.Notifier.ReservationUpdated(ctx, &checkedIn)
	}
	return session, nil
}

func (s *SessionsService) holdingReservation(ctx context.Context, in StartInput) (*models.Reservation, error) {
	id := in.ReservationID.Int64
	if s.deps.Reservations == nil {
		return nil, fmt.Errorf("%w: reservations unavailable", ErrSpotUnavailable)
	}
	reservation, err := s.deps.Reservations.GetReservation(ctx, id)
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	if reservation.UserID != in.UserID || reservation.SpotID != in.SpotID ||
		reservation.Status != models.ReservationConfirmed {
		return nil, fmt.Errorf("%w: reservation %d does not hold spot %d for user %d",
			ErrSpotUnavailable, id, in.SpotID, in.UserID)
	}
	return reservation, nil
}

// ProgressInput is one snapshot reported for a running session.
type ProgressInput struct {
	SessionID                     int64
	SocPercentage                 float64
	PowerKW                       float64
	EnergyDeliveredKWh            float64
	EstimatedTimeRemainingMinutes null.Int
	RecordedAt                    time.Time
}

// ProgressResult reports whether a snapshot was stored.
type ProgressResult struct {
	Progress *models.Progress
	Applied  bool
}

// UpdateProgress records a snapshot of an InProgress session. A snapshot carrying less
// energy than already recorded is ignored.
func (s *SessionsService) UpdateProgress(ctx context.Context, in ProgressInput) (*ProgressResult, error) {
	if !socInRange(in.SocPercentage) {
		return nil, validationf("soc must be within 0..100")
	}
	if in.PowerKW < 0 || in.EnergyDeliveredKWh < 0 {
		return nil, validationf("power and energy must not be negative")
	}
	if in.EstimatedTimeRemainingMinutes.Valid && in.EstimatedTimeRemainingMinutes.Int64 < 0 {
		return nil, validationf("estimated time remaining must not be negative")
	}

	session, err := s.deps.Sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, notFound(err, "session", in.SessionID)
	}
	if session.Status != models.SessionInProgress {
		return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidTransition, session.ID, session.Status)
	}
	if in.EnergyDeliveredKWh < session.EnergyDeliveredKWh {
		return s.ignoreProgress(session, in), nil
	}

	recordedAt := in.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}
	snapshot := &models.Progress{
		SessionID:                     session.ID,
		RecordedAt:                    recordedAt,
		SocPercentage:                 in.SocPercentage,
		PowerKW:                       in.PowerKW,
		EnergyDeliveredKWh:            in.EnergyDeliveredKWh,
		EstimatedTimeRemainingMinutes: in.EstimatedTimeRemainingMinutes,
	}
	if err := s.deps.Sessions.RecordProgress(ctx, snapshot); err != nil {
		if !errors.Is(err, repository.ErrPreconditionFailed) {
			return nil, err
		}
		// Lost a race: either the session left InProgress or a larger reading landed first.
		current, getErr := s.deps.Sessions.GetSession(ctx, in.SessionID)
		if getErr != nil {
			return nil, notFound(getErr, "session", in.SessionID)
		}
		if current.Status != models.SessionInProgress {
			return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidTransition, current.ID, current.Status)
		}
		return s.ignoreProgress(current, in), nil
	}

	metrics.IncProgressSnapshot("applied")
	s.logger.Debug("progress recorded",
		zap.Int64("session_id", session.ID),
		zap.Float64("energy_kwh", snapshot.EnergyDeliveredKWh),
		zap.Float64("delta_kwh", progress.DeltaEnergy(session.EnergyDeliveredKWh, snapshot.EnergyDeliveredKWh)),
	)
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SaveProgress(ctx, snapshot); err != nil {
			s.logger.Warn("failed to cache progress", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}
	s.deps.Notifier.ChargingProgressUpdated(ctx, session.ID, snapshot)
	return &ProgressResult{Progress: snapshot, Applied: true}, nil
}

func (s *SessionsService) ignoreProgress(session *models.Session, in ProgressInput) *ProgressResult {
	metrics.IncProgressSnapshot("ignored")
	s.logger.Info("ignoring progress with decreasing energy",
		zap.Int64("session_id", session.ID),
		zap.Float64("stored_kwh", session.EnergyDeliveredKWh),
		zap.Float64("reported_kwh", in.EnergyDeliveredKWh),
	)
	return &ProgressResult{Applied: false}
}

// Complete finishes an InProgress session and bills it. When energy is not given the
// last recorded reading is used. A reading that lands between the read and the write
// makes the write miss, and the bill is recomputed from the fresh reading.
func (s *SessionsService) Complete(ctx context.Context, sessionID int64, energy null.Float) (*models.Session, error) {
	var result *repository.FinishResult
	for attempt := 0; ; attempt++ {
		session, err := s.deps.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, notFound(err, "session", sessionID)
		}
		if !models.CanTransition(session.Status, models.SessionCompleted) {
			return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidTransition, session.ID, session.Status)
		}

		delivered := session.EnergyDeliveredKWh
		if energy.Valid {
			if energy.Float64 < session.EnergyDeliveredKWh {
				return nil, validationf("energy %.3f kWh is below recorded %.3f kWh", energy.Float64, session.EnergyDeliveredKWh)
			}
			delivered = energy.Float64
		}
		cost := progress.Cost(delivered, session.PricePerKWh, s.baseFee)

		result, err = s.deps.Sessions.FinishSession(ctx, repository.FinishParams{
			SessionID:          session.ID,
			From:               session.Status,
			To:                 models.SessionCompleted,
			EndTime:            s.now(),
			EnergyDeliveredKWh: null.FloatFrom(delivered),
			Cost:               null.FloatFrom(cost),
			SpotTo:             models.SpotAvailable,
			ReservationTo:      models.ReservationCompleted,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrPreconditionFailed) || attempt+1 >= completeAttempts {
			return nil, s.finishError(err, session.ID)
		}
		s.logger.Info("session changed while completing, retrying",
			zap.Int64("session_id", session.ID),
			zap.Int("attempt", attempt+1),
		)
	}
	session := result.Session
	s.afterFinish(ctx, result)

	if s.deps.Payments != nil {
		if _, err := s.deps.Payments.OpenForSession(ctx, session); err != nil {
			s.logger.Error("failed to open payment", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}
	return session, nil
}

// Cancel stops a Scheduled or InProgress session without billing.
func (s *SessionsService) Cancel(ctx context.Context, sessionID int64) (*models.Session, error) {
	return s.abort(ctx, sessionID, models.SessionCancelled, null.String{})
}

// Fail marks a Scheduled or InProgress session as failed with a reason.
func (s *SessionsService) Fail(ctx context.Context, sessionID int64, reason string) (*models.Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	return s.abort(ctx, sessionID, models.SessionFailed, null.StringFrom(reason))
}

func (s *SessionsService) abort(ctx context.Context, sessionID int64, to models.SessionStatus, reason null.String) (*models.Session, error) {
	session, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session", sessionID)
	}
	if !models.CanTransition(session.Status, to) {
		return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidTransition, session.ID, session.Status)
	}

	result, err := s.deps.Sessions.FinishSession(ctx, repository.FinishParams{
		SessionID:     session.ID,
		From:          session.Status,
		To:            to,
		EndTime:       s.now(),
		FailureReason: reason,
		SpotTo:        models.SpotAvailable,
		ReservationTo: models.ReservationCancelled,
	})
	if err != nil {
		return nil, s.finishError(err, session.ID)
	}
	s.afterFinish(ctx, result)
	return result.Session, nil
}

func (s *SessionsService) finishError(err error, sessionID int64) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	case errors.Is(err, repository.ErrPreconditionFailed):
		return fmt.Errorf("%w: session %d changed concurrently", ErrInvalidTransition, sessionID)
	}
	return err
}

func (s *SessionsService) afterFinish(ctx context.Context, result *repository.FinishResult) {
	session := result.Session
	metrics.IncSessionTransition(string(session.Status))
	s.logger.Info("charging session finished",
		zap.Int64("session_id", session.ID),
		zap.String("status", string(session.Status)),
		zap.Float64("energy_kwh", session.EnergyDeliveredKWh),
		zap.Float64("cost", session.Cost.Float64),
	)

	if s.deps.Cache != nil {
		if err := s.deps.Cache.DeleteActive(ctx, session.ID); err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn("failed to delete active session cache", zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}

	s.deps.Notifier.SessionUpdated(ctx, session)
	if result.SpotChanged {
		s.deps.Notifier.SpotStatusUpdated(ctx, session.StationID, session.SpotID, models.SpotAvailable)
	}
	if result.Reservation != nil {
		s.deps.Notifier.ReservationUpdated(ctx, result.Reservation)
	}
}

// Get returns a session.
func (s *SessionsService) Get(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, "session", sessionID)
	}
	return session, nil
}

// LatestProgress returns the newest snapshot, cache first. A session without snapshots
// yields nil.
func (s *SessionsService) LatestProgress(ctx context.Context, sessionID int64) (*models.Progress, error) {
	if s.deps.Cache != nil {
		cached, err := s.deps.Cache.LatestProgress(ctx, sessionID)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn("progress cache read failed", zap.Int64("session_id", sessionID), zap.Error(err))
		}
	}
	latest, err := s.deps.Sessions.LatestProgress(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return latest, nil
}

// SimulationParams are what a client needs to interpolate between snapshots.
type SimulationParams struct {
	StartedAt        time.Time `json:"started_at"`
	InitialSoc       float64   `json:"initial_soc"`
	TargetSoc        float64   `json:"target_soc"`
	RatedPowerKW     float64   `json:"rated_power_kw"`
	ReferenceMinutes float64   `json:"reference_minutes"`
}

// ProgressView is the poll payload of a session.
type ProgressView struct {
	Session         *models.Session   `json:"session"`
	Latest          *models.Progress  `json:"latest"`
	Estimate        progress.Estimate `json:"estimate"`
	Simulation      SimulationParams  `json:"simulation"`
	ProvisionalCost float64           `json:"provisional_cost"`
}

// SimulationInput derives simulator input for a session at the given instant.
func (s *SessionsService) SimulationInput(ctx context.Context, session *models.Session, at time.Time) progress.Input {
	power := session.CurrentPowerKW
	if spot, err := s.deps.Spots.GetSpot(ctx, session.SpotID); err == nil && spot.PowerOutputKW > 0 {
		power = spot.PowerOutputKW
	}
	return progress.Input{
		InitialSoc:   session.InitialSoc,
		TargetSoc:    session.TargetSoc,
		RatedPowerKW: power,
		Elapsed:      at.Sub(session.StartTime),
		Reference: progress.ReferenceDuration(session.InitialSoc, session.TargetSoc,
			session.BatteryCapacityKWh.Float64, power, s.reference),
	}
}

// ProgressSnapshot returns the latest snapshot plus simulator parameters and a provisional
// cost for the poll fallback.
func (s *SessionsService) ProgressSnapshot(ctx context.Context, sessionID int64) (*ProgressView, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	latest, err := s.LatestProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	in := s.SimulationInput(ctx, session, s.now())
	view := &ProgressView{
		Session: session,
		Latest:  latest,
		Simulation: SimulationParams{
			StartedAt:        session.StartTime,
			InitialSoc:       in.InitialSoc,
			TargetSoc:        in.TargetSoc,
			RatedPowerKW:     in.RatedPowerKW,
			ReferenceMinutes: in.Reference.Minutes(),
		},
	}
	if session.Status == models.SessionInProgress {
		view.Estimate = progress.Simulate(in)
	}

	switch {
	case session.Cost.Valid:
		view.ProvisionalCost = session.Cost.Float64
	case session.Status == models.SessionInProgress:
		energy := session.EnergyDeliveredKWh
		if latest != nil && latest.EnergyDeliveredKWh > energy {
			energy = latest.EnergyDeliveredKWh
		}
		view.ProvisionalCost = progress.Cost(energy, session.PricePerKWh, s.baseFee)
	}
	return view, nil
}

// ProgressHistory returns stored snapshots oldest first.
func (s *SessionsService) ProgressHistory(ctx context.Context, sessionID int64, limit int) ([]models.Progress, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.deps.Sessions.ListProgress(ctx, sessionID, limit)
}

// ActiveByStation returns InProgress sessions of a station.
func (s *SessionsService) ActiveByStation(ctx context.Context, stationID int64) ([]models.Session, error) {
	if _, err := s.deps.Stations.GetStation(ctx, stationID); err != nil {
		return nil, notFound(err, "station", stationID)
	}
	return s.deps.Sessions.ListActiveByStation(ctx, stationID)
}

// ByUser returns user's session history.
func (s *SessionsService) ByUser(ctx context.Context, userID int64, limit int) ([]models.Session, error) {
	return s.deps.Sessions.ListByUser(ctx, userID, limit)
}

// ListInProgress returns currently running sessions.
func (s *SessionsService) ListInProgress(ctx context.Context, limit int) ([]models.Session, error) {
	return s.deps.Sessions.ListInProgress(ctx, limit)
}

func containsSpotStatus(set []models.SpotStatus, status models.SpotStatus) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}
	return false
}
