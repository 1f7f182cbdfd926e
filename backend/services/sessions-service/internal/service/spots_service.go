package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
)

// QRIssuer signs scan tokens and mints rotating codes.
type QRIssuer interface {
	Issue(spot *models.Spot) (string, time.Time, error)
	NewCode() string
}

// SpotsService handles spot listing, the maintenance toggle and QR codes.
type SpotsService struct {
	spots    SpotStore
	stations StationStore
	qr       QRIssuer
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewSpotsService builds service.
func NewSpotsService(spots SpotStore, stations StationStore, qr QRIssuer, notifier Notifier, logger *zap.Logger) *SpotsService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SpotsService{
		spots:    spots,
		stations: stations,
		qr:       qr,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Get returns a spot.
func (s *SpotsService) Get(ctx context.Context, id int64) (*models.Spot, error) {
	spot, err := s.spots.GetSpot(ctx, id)
	if err != nil {
		return nil, notFound(err, "spot", id)
	}
	return spot, nil
}

// ListByStation returns the spots of a station.
func (s *SpotsService) ListByStation(ctx context.Context, stationID int64) ([]models.Spot, error) {
	if _, err := s.stations.GetStation(ctx, stationID); err != nil {
		return nil, notFound(err, "station", stationID)
	}
	return s.spots.ListSpotsByStation(ctx, stationID)
}

// SetStatus applies a staff status change. Only Available, Maintenance and OutOfOrder can
// be set, and never over a spot held by a session or reservation.
func (s *SpotsService) SetStatus(ctx context.Context, id int64, to models.SpotStatus) (*models.Spot, error) {
	if !to.Valid() {
		return nil, validationf("unknown spot status %q", to)
	}
	if !to.ManuallySettable() {
		return nil, validationf("spot status %s is managed by sessions and reservations", to)
	}

	from := []models.SpotStatus{models.SpotAvailable, models.SpotMaintenance, models.SpotOutOfOrder}
	spot, err := s.spots.SetSpotStatus(ctx, id, from, to)
	if err != nil {
		if errors.Is(err, repository.ErrSpotBusy) {
			return nil, fmt.Errorf("%w: spot %d is in use", ErrInvalidTransition, id)
		}
		return nil, notFound(err, "spot", id)
	}

	s.logger.Info("spot status set", zap.Int64("spot_id", id), zap.String("status", string(to)))
	s.notifier.SpotStatusUpdated(ctx, spot.StationID, spot.ID, spot.Status)
	return spot, nil
}

// IssueQR returns a scan token for the spot display, minting a code when the spot has
// none yet.
func (s *SpotsService) IssueQR(ctx context.Context, id int64) (string, time.Time, error) {
	spot, err := s.Get(ctx, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if spot.QRCode == "" {
		code, at := s.qr.NewCode(), s.now()
		stored, err := s.spots.InitQRCode(ctx, spot.ID, code, at)
		if err != nil {
			return "", time.Time{}, notFound(err, "spot", id)
		}
		if stored {
			spot.QRCode, spot.QRRotatedAt = code, at
		} else if spot, err = s.Get(ctx, id); err != nil {
			return "", time.Time{}, err
		}
	}
	return s.qr.Issue(spot)
}

// RotateQR replaces every spot's code so previously issued tokens stop validating.
func (s *SpotsService) RotateQR(ctx context.Context) (int, error) {
	spots, err := s.spots.ListSpots(ctx)
	if err != nil {
		return 0, err
	}
	rotated := 0
	now := s.now()
	for _, spot := range spots {
		if err := s.spots.UpdateQRCode(ctx, spot.ID, s.qr.NewCode(), now); err != nil {
			s.logger.Warn("failed to rotate qr code", zap.Int64("spot_id", spot.ID), zap.Error(err))
			continue
		}
		rotated++
	}
	return rotated, nil
}
