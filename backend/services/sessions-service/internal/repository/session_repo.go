package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	libdb "evcharge/backend/libs/db"
	"evcharge/backend/services/sessions-service/internal/models"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sessionColumns = `id, spot_id, station_id, user_id, vehicle_id, reservation_id, status,
	session_start_time, session_end_time, price_per_kwh, energy_requested_kwh, energy_delivered_kwh,
	cost, initial_soc, current_soc, target_soc, current_power_kw, battery_capacity_kwh, failure_reason,
	created_at, updated_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(
		&s.ID,
		&s.SpotID,
		&s.StationID,
		&s.UserID,
		&s.VehicleID,
		&s.ReservationID,
		&s.Status,
		&s.StartTime,
		&s.EndTime,
		&s.PricePerKWh,
		&s.EnergyRequestedKWh,
		&s.EnergyDeliveredKWh,
		&s.Cost,
		&s.InitialSoc,
		&s.CurrentSoc,
		&s.TargetSoc,
		&s.CurrentPowerKW,
		&s.BatteryCapacityKWh,
		&s.FailureReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// SessionRepository handles persistence of charging sessions and their progress snapshots.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository returns repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func insertSession(ctx context.Context, q querier, s *models.Session) (*models.Session, error) {
	query := `
		INSERT INTO charging_sessions (
			spot_id, station_id, user_id, vehicle_id, reservation_id, status, session_start_time,
			price_per_kwh, energy_requested_kwh, energy_delivered_kwh, initial_soc, current_soc,
			target_soc, current_power_kw, battery_capacity_kwh, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		RETURNING ` + sessionColumns
	return scanSession(q.QueryRowContext(ctx, query,
		s.SpotID,
		s.StationID,
		s.UserID,
		s.VehicleID,
		s.ReservationID,
		string(s.Status),
		s.StartTime,
		s.PricePerKWh,
		s.EnergyRequestedKWh,
		s.EnergyDeliveredKWh,
		s.InitialSoc,
		s.CurrentSoc,
		s.TargetSoc,
		s.CurrentPowerKW,
		s.BatteryCapacityKWh,
	))
}

// StartSession occupies the spot and creates (or promotes) the InProgress session in one
// transaction. ErrSpotBusy is returned when the spot is no longer in an expected status.
func (r *SessionRepository) StartSession(ctx context.Context, params StartParams) (*models.Session, error) {
	in := params.Session
	var started *models.Session
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const occupy = `
			UPDATE charging_spots
			SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = ANY($2)
		`
		result, err := tx.ExecContext(ctx, occupy, in.SpotID, statusStrings(params.ExpectedSpotStatuses), string(models.SpotOccupied))
		if err != nil {
			return fmt.Errorf("occupy spot: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return ErrSpotBusy
		}

		if params.ReservationID != 0 {
			const checkIn = `
				UPDATE reservations
				SET status = $3, updated_at = NOW()
				WHERE id = $1 AND status = $2
			`
			result, err := tx.ExecContext(ctx, checkIn, params.ReservationID,
				string(models.ReservationConfirmed), string(models.ReservationCheckedIn))
			if err != nil {
				return fmt.Errorf("check in reservation: %w", err)
			}
			if affected, err := result.RowsAffected(); err != nil {
				return err
			} else if affected == 0 {
				return ErrPreconditionFailed
			}
		}

		if params.ScheduledSessionID != 0 {
			query := `
				UPDATE charging_sessions
				SET status = $3, session_start_time = $4, price_per_kwh = $5, energy_requested_kwh = $6,
				    initial_soc = $7, current_soc = $8, target_soc = $9, current_power_kw = $10,
				    battery_capacity_kwh = $11, vehicle_id = COALESCE($12, vehicle_id), updated_at = NOW()
				WHERE id = $1 AND status = $2
				RETURNING ` + sessionColumns
			started, err = scanSession(tx.QueryRowContext(ctx, query,
				params.ScheduledSessionID,
				string(models.SessionScheduled),
				string(models.SessionInProgress),
				in.StartTime,
				in.PricePerKWh,
				in.EnergyRequestedKWh,
				in.InitialSoc,
				in.CurrentSoc,
				in.TargetSoc,
				in.CurrentPowerKW,
				in.BatteryCapacityKWh,
				in.VehicleID,
			))
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPreconditionFailed
			}
			return err
		}

		started, err = insertSession(ctx, tx, in)
		if err != nil && isUniqueViolation(err) {
			return ErrSpotBusy
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrSpotBusy) || errors.Is(err, ErrPreconditionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("SessionRepository.StartSession: %w", err)
	}
	return started, nil
}

// FinishSession applies a terminal transition as a conditional write on the prior status,
// frees the spot held by the session and moves the linked reservation.
func (r *SessionRepository) FinishSession(ctx context.Context, params FinishParams) (*FinishResult, error) {
	result := &FinishResult{}
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE charging_sessions
			SET status = $3,
			    session_end_time = $4,
			    energy_delivered_kwh = COALESCE($5, energy_delivered_kwh),
			    cost = $6,
			    failure_reason = $7,
			    updated_at = NOW()
			WHERE id = $1
			  AND status = $2
			  AND ($5::double precision IS NULL OR energy_delivered_kwh <= $5)
			RETURNING ` + sessionColumns
		session, err := scanSession(tx.QueryRowContext(ctx, query,
			params.SessionID,
			string(params.From),
			string(params.To),
			params.EndTime,
			params.EnergyDeliveredKWh,
			params.Cost,
			params.FailureReason,
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sessionMissingOr(ctx, tx, params.SessionID, ErrPreconditionFailed)
			}
			return err
		}
		result.Session = session

		if params.SpotTo != "" {
			held := models.SpotOccupied
			if params.From == models.SessionScheduled {
				held = models.SpotReserved
			}
			const free = `
				UPDATE charging_spots
				SET status = $3, updated_at = NOW()
				WHERE id = $1 AND status = $2
			`
			res, err := tx.ExecContext(ctx, free, session.SpotID, string(held), string(params.SpotTo))
			if err != nil {
				return fmt.Errorf("free spot: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			result.SpotChanged = affected > 0
		}

		if params.ReservationTo != "" && session.ReservationID.Valid {
			reservation, err := moveReservation(ctx, tx, session.ReservationID.Int64,
				models.ReservationSourcesOf(params.ReservationTo), params.ReservationTo)
			if err != nil && !errors.Is(err, ErrPreconditionFailed) {
				return err
			}
			result.Reservation = reservation
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("SessionRepository.FinishSession: %w", err)
	}
	return result, nil
}

// sessionMissingOr tells a missing row apart from a failed condition after a write
// matched nothing.
func sessionMissingOr(ctx context.Context, q querier, id int64, failed error) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM charging_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return failed
}

// RecordProgress updates the session's live fields and appends a snapshot. The write only
// applies while the session is InProgress and the delivered energy does not decrease.
func (r *SessionRepository) RecordProgress(ctx context.Context, p *models.Progress) error {
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const update = `
			UPDATE charging_sessions
			SET current_soc = $3, current_power_kw = $4, energy_delivered_kwh = $5, updated_at = NOW()
			WHERE id = $1 AND status = $2 AND energy_delivered_kwh <= $5
		`
		res, err := tx.ExecContext(ctx, update, p.SessionID, string(models.SessionInProgress),
			p.SocPercentage, p.PowerKW, p.EnergyDeliveredKWh)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return ErrPreconditionFailed
		}

		const insert = `
			INSERT INTO charging_session_progress
				(session_id, recorded_at, soc_percentage, power_kw, energy_delivered_kwh, estimated_time_remaining_minutes)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		return tx.QueryRowContext(ctx, insert,
			p.SessionID,
			p.RecordedAt,
			p.SocPercentage,
			p.PowerKW,
			p.EnergyDeliveredKWh,
			p.EstimatedTimeRemainingMinutes,
		).Scan(&p.ID)
	})
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return err
		}
		return fmt.Errorf("SessionRepository.RecordProgress: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (r *SessionRepository) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE id = $1`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("SessionRepository.GetSession: %w", err)
	}
	return session, nil
}

// GetScheduledByReservation returns the Scheduled session created for a reservation.
func (r *SessionRepository) GetScheduledByReservation(ctx context.Context, reservationID int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE reservation_id = $1 AND status = $2`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, reservationID, string(models.SessionScheduled)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("SessionRepository.GetScheduledByReservation: %w", err)
	}
	return session, nil
}

// LatestProgress returns the most recent snapshot of a session.
func (r *SessionRepository) LatestProgress(ctx context.Context, sessionID int64) (*models.Progress, error) {
	const query = `
		SELECT id, session_id, recorded_at, soc_percentage, power_kw, energy_delivered_kwh, estimated_time_remaining_minutes
		FROM charging_session_progress
		WHERE session_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`
	var p models.Progress
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&p.ID,
		&p.SessionID,
		&p.RecordedAt,
		&p.SocPercentage,
		&p.PowerKW,
		&p.EnergyDeliveredKWh,
		&p.EstimatedTimeRemainingMinutes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("SessionRepository.LatestProgress: %w", err)
	}
	return &p, nil
}

// ListProgress returns the newest limit snapshots, oldest first.
func (r *SessionRepository) ListProgress(ctx context.Context, sessionID int64, limit int) ([]models.Progress, error) {
	if limit <= 0 {
		limit = DefaultProgressLimit
	}
	const query = `
		SELECT id, session_id, recorded_at, soc_percentage, power_kw, energy_delivered_kwh, estimated_time_remaining_minutes
		FROM (
			SELECT id, session_id, recorded_at, soc_percentage, power_kw, energy_delivered_kwh, estimated_time_remaining_minutes
			FROM charging_session_progress
			WHERE session_id = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2
		) latest
		ORDER BY recorded_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("SessionRepository.ListProgress: %w", err)
	}
	defer rows.Close()

	var snapshots []models.Progress
	for rows.Next() {
		var p models.Progress
		if err := rows.Scan(
			&p.ID,
			&p.SessionID,
			&p.RecordedAt,
			&p.SocPercentage,
			&p.PowerKW,
			&p.EnergyDeliveredKWh,
			&p.EstimatedTimeRemainingMinutes,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// ListActiveByStation returns InProgress sessions of a station.
func (r *SessionRepository) ListActiveByStation(ctx context.Context, stationID int64) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE station_id = $1 AND status = $2
		ORDER BY session_start_time DESC`
	return r.list(ctx, query, stationID, string(models.SessionInProgress))
}

// ListInProgress returns every InProgress session, capped at limit.
func (r *SessionRepository) ListInProgress(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE status = $1
		ORDER BY session_start_time ASC
		LIMIT $2`
	return r.list(ctx, query, string(models.SessionInProgress), limit)
}

// ListByUser returns last N sessions for user.
func (r *SessionRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + `
		FROM charging_sessions
		WHERE user_id = $1
		ORDER BY session_start_time DESC
		LIMIT $2`
	return r.list(ctx, query, userID, limit)
}

func (r *SessionRepository) list(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SessionRepository.list: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
