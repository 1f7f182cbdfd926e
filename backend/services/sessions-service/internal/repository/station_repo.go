package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"evcharge/backend/services/sessions-service/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// StationRepository reads stations and their spots.
type StationRepository struct {
	db *sql.DB
}

// NewStationRepository returns repository.
func NewStationRepository(db *sql.DB) *StationRepository {
	return &StationRepository{db: db}
}

// GetStation loads a station by id.
func (r *StationRepository) GetStation(ctx context.Context, id int64) (*models.Station, error) {
	const query = `
		SELECT id, name, address, latitude, longitude, status, opening_time, closing_time, created_at, updated_at
		FROM charging_stations
		WHERE id = $1
	`
	var s models.Station
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.Name,
		&s.Address,
		&s.Latitude,
		&s.Longitude,
		&s.Status,
		&s.OpeningTime,
		&s.ClosingTime,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("StationRepository.GetStation: %w", err)
	}
	return &s, nil
}

const spotColumns = `id, station_id, spot_number, connector_type, power_output_kw, price_per_kwh, status, qr_code, qr_rotated_at, created_at, updated_at`

func scanSpot(row rowScanner) (*models.Spot, error) {
	var s models.Spot
	if err := row.Scan(
		&s.ID,
		&s.StationID,
		&s.SpotNumber,
		&s.ConnectorType,
		&s.PowerOutputKW,
		&s.PricePerKWh,
		&s.Status,
		&s.QRCode,
		&s.QRRotatedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// SpotRepository handles spot reads and status compare-and-swap writes.
type SpotRepository struct {
	db *sql.DB
}

// NewSpotRepository returns repository.
func NewSpotRepository(db *sql.DB) *SpotRepository {
	return &SpotRepository{db: db}
}

// GetSpot loads a spot by id.
func (r *SpotRepository) GetSpot(ctx context.Context, id int64) (*models.Spot, error) {
	query := `SELECT ` + spotColumns + ` FROM charging_spots WHERE id = $1`
	spot, err := scanSpot(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("SpotRepository.GetSpot: %w", err)
	}
	return spot, nil
}

// ListSpotsByStation returns the spots of a station ordered by spot number.
func (r *SpotRepository) ListSpotsByStation(ctx context.Context, stationID int64) ([]models.Spot, error) {
	query := `SELECT ` + spotColumns + ` FROM charging_spots WHERE station_id = $1 ORDER BY spot_number`
	return r.list(ctx, query, stationID)
}

// ListSpots returns every spot.
func (r *SpotRepository) ListSpots(ctx context.Context) ([]models.Spot, error) {
	query := `SELECT ` + spotColumns + ` FROM charging_spots ORDER BY id`
	return r.list(ctx, query)
}

func (r *SpotRepository) list(ctx context.Context, query string, args ...any) ([]models.Spot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SpotRepository.list: %w", err)
	}
	defer rows.Close()

	var spots []models.Spot
	for rows.Next() {
		spot, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("SpotRepository.list (scanning row): %w", err)
		}
		spots = append(spots, *spot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return spots, nil
}

// SetSpotStatus moves the spot to `to` only when it is currently in one of `from`.
func (r *SpotRepository) SetSpotStatus(ctx context.Context, id int64, from []models.SpotStatus, to models.SpotStatus) (*models.Spot, error) {
	query := `
		UPDATE charging_spots
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + spotColumns
	spot, err := scanSpot(r.db.QueryRowContext(ctx, query, id, statusStrings(from), string(to)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := r.GetSpot(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrSpotBusy
		}
		return nil, fmt.Errorf("SpotRepository.SetSpotStatus: %w", err)
	}
	return spot, nil
}

// InitQRCode stores code only while the spot has none. It reports false when another
// writer already set one.
func (r *SpotRepository) InitQRCode(ctx context.Context, id int64, code string, rotatedAt time.Time) (bool, error) {
	const query = `
		UPDATE charging_spots
		SET qr_code = $2, qr_rotated_at = $3, updated_at = NOW()
		WHERE id = $1 AND qr_code = ''
	`
	result, err := r.db.ExecContext(ctx, query, id, code, rotatedAt)
	if err != nil {
		return false, fmt.Errorf("SpotRepository.InitQRCode: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := r.GetSpot(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateQRCode replaces the spot's rotating scan code.
func (r *SpotRepository) UpdateQRCode(ctx context.Context, id int64, code string, rotatedAt time.Time) error {
	const query = `
		UPDATE charging_spots
		SET qr_code = $2, qr_rotated_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, code, rotatedAt)
	if err != nil {
		return fmt.Errorf("SpotRepository.UpdateQRCode: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
