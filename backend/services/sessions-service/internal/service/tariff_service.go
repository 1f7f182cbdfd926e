package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
)

// TariffService provides tariff lookups with fallback.
type TariffService struct {
	repo          TariffStore
	defaultTariff models.Tariff
	logger        *zap.Logger
}

// NewTariffService returns service instance. repo may be nil.
func NewTariffService(repo TariffStore, defaultPrice float64, logger *zap.Logger) *TariffService {
	return &TariffService{
		repo: repo,
		defaultTariff: models.Tariff{
			Name:        "Default",
			PricePerKWh: defaultPrice,
			IsActive:    true,
		},
		logger: logger,
	}
}

// ActiveTariff returns currently active tariff or default fallback.
func (s *TariffService) ActiveTariff(ctx context.Context) (*models.Tariff, error) {
	if s.repo == nil {
		return s.fallback(nil)
	}

	tariff, err := s.repo.GetActiveTariff(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("active tariff lookup failed", zap.Error(err))
		}
		return s.fallback(err)
	}
	if tariff.PricePerKWh <= 0 {
		return s.fallback(nil)
	}
	return tariff, nil
}

func (s *TariffService) fallback(cause error) (*models.Tariff, error) {
	if s.defaultTariff.PricePerKWh <= 0 {
		if cause != nil {
			return nil, cause
		}
		return nil, errors.New("tariff: no tariff configured")
	}
	t := s.defaultTariff
	return &t, nil
}

// PriceFor returns the per-kWh price snapshot for a new session on spot: the spot's own
// price, else the active tariff, else the configured default.
func (s *TariffService) PriceFor(ctx context.Context, spot *models.Spot) (float64, error) {
	if spot.PricePerKWh > 0 {
		return spot.PricePerKWh, nil
	}
	tariff, err := s.ActiveTariff(ctx)
	if err != nil {
		return 0, err
	}
	return tariff.PricePerKWh, nil
}
