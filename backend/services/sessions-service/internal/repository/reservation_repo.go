package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	libdb "evcharge/backend/libs/db"
	"evcharge/backend/services/sessions-service/internal/models"
)

const reservationColumns = `id, user_id, spot_id, station_id, vehicle_id, scheduled_start, scheduled_end,
	status, confirmation_code, created_at, updated_at`

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.SpotID,
		&r.StationID,
		&r.VehicleID,
		&r.ScheduledStart,
		&r.ScheduledEnd,
		&r.Status,
		&r.ConfirmationCode,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func moveReservation(ctx context.Context, q querier, id int64, from []models.ReservationStatus, to models.ReservationStatus) (*models.Reservation, error) {
	query := `
		UPDATE reservations
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + reservationColumns
	reservation, err := scanReservation(q.QueryRowContext(ctx, query, id, statusStrings(from), string(to)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreconditionFailed
		}
		return nil, err
	}
	return reservation, nil
}

// ReservationRepository persists reservations and the spot holds they create.
type ReservationRepository struct {
	db *sql.DB
}

// NewReservationRepository returns repository.
func NewReservationRepository(db *sql.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// CreateReservation inserts a Pending reservation. ErrDuplicate signals a confirmation
// code collision.
func (r *ReservationRepository) CreateReservation(ctx context.Context, res *models.Reservation) error {
	const query = `
		INSERT INTO reservations (user_id, spot_id, station_id, vehicle_id, scheduled_start, scheduled_end,
			status, confirmation_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		res.UserID,
		res.SpotID,
		res.StationID,
		res.VehicleID,
		res.ScheduledStart,
		res.ScheduledEnd,
		string(res.Status),
		res.ConfirmationCode,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: confirmation code %s", ErrDuplicate, res.ConfirmationCode)
		}
		return fmt.Errorf("ReservationRepository.CreateReservation: %w", err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (r *ReservationRepository) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	reservation, err := scanReservation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ReservationRepository.GetReservation: %w", err)
	}
	return reservation, nil
}

// ConfirmReservation moves a Pending reservation to Confirmed, holds its spot (Available →
// Reserved) and inserts the Scheduled session, all in one transaction.
func (r *ReservationRepository) ConfirmReservation(ctx context.Context, id int64, scheduled *models.Session) (*models.Reservation, *models.Session, error) {
	var (
		confirmed *models.Reservation
		session   *models.Session
	)
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		confirmed, err = moveReservation(ctx, tx, id,
			[]models.ReservationStatus{models.ReservationPending}, models.ReservationConfirmed)
		if err != nil {
			return err
		}

		const hold = `
			UPDATE charging_spots
			SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`
		res, err := tx.ExecContext(ctx, hold, confirmed.SpotID, string(models.SpotAvailable), string(models.SpotReserved))
		if err != nil {
			return fmt.Errorf("hold spot: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return ErrSpotBusy
		}

		session, err = insertSession(ctx, tx, scheduled)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrSpotBusy) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("ReservationRepository.ConfirmReservation: %w", err)
	}
	return confirmed, session, nil
}

// ReleaseReservation moves a reservation from its observed status to a closing one
// (Cancelled, Expired, NoShow) as a conditional write. When from held the spot, the spot is
// freed and the Scheduled session cancelled.
func (r *ReservationRepository) ReleaseReservation(ctx context.Context, id int64, from, to models.ReservationStatus) (*ReleaseResult, error) {
	if !models.CanTransitionReservation(from, to) {
		return nil, ErrPreconditionFailed
	}
	result := &ReleaseResult{}
	err := libdb.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		reservation, err := moveReservation(ctx, tx, id, []models.ReservationStatus{from}, to)
		if errors.Is(err, ErrPreconditionFailed) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrPreconditionFailed
		}
		if err != nil {
			return err
		}
		result.Reservation = reservation

		if !from.HoldsSpot() {
			return nil
		}

		const cancelScheduled = `
			UPDATE charging_sessions
			SET status = $3, session_end_time = NOW(), updated_at = NOW()
			WHERE reservation_id = $1 AND status = $2
			RETURNING id
		`
		err = tx.QueryRowContext(ctx, cancelScheduled, id,
			string(models.SessionScheduled), string(models.SessionCancelled)).Scan(&result.CancelledSession)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cancel scheduled session: %w", err)
		}

		const free = `
			UPDATE charging_spots
			SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`
		res, err := tx.ExecContext(ctx, free, reservation.SpotID, string(models.SpotReserved), string(models.SpotAvailable))
		if err != nil {
			return fmt.Errorf("free spot: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.SpotFreed = affected > 0
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("ReservationRepository.ReleaseReservation: %w", err)
	}
	return result, nil
}

// ListOverdueReservations returns Confirmed reservations whose start is before
// confirmedBefore and Pending ones whose end is before pendingBefore.
func (r *ReservationRepository) ListOverdueReservations(ctx context.Context, confirmedBefore, pendingBefore time.Time) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
		FROM reservations
		WHERE (status = $1 AND scheduled_start < $2)
		   OR (status = $3 AND scheduled_end < $4)
		ORDER BY scheduled_start ASC
		LIMIT 500`
	rows, err := r.db.QueryContext(ctx, query,
		string(models.ReservationConfirmed), confirmedBefore,
		string(models.ReservationPending), pendingBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("ReservationRepository.ListOverdueReservations: %w", err)
	}
	defer rows.Close()

	var reservations []models.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, *reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reservations, nil
}
