package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"evcharge/backend/services/sessions-service/internal/models"
)

const paymentColumns = `id, session_id, reservation_id, user_id, amount, currency, method, status, created_at, updated_at`

func scanPayment(row rowScanner) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	if err := row.Scan(
		&p.ID,
		&p.SessionID,
		&p.ReservationID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Method,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// PaymentRepository persists payment transactions.
type PaymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository returns repository.
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// CreatePayment inserts a new transaction. A second payment for the same session yields
// ErrDuplicate.
func (r *PaymentRepository) CreatePayment(ctx context.Context, p *models.PaymentTransaction) error {
	const query = `
		INSERT INTO payment_transactions (session_id, reservation_id, user_id, amount, currency, method, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		p.SessionID,
		p.ReservationID,
		p.UserID,
		p.Amount,
		p.Currency,
		p.Method,
		string(p.Status),
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("PaymentRepository.CreatePayment: %w", err)
	}
	return nil
}

// GetPayment loads a transaction by id.
func (r *PaymentRepository) GetPayment(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE id = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("PaymentRepository.GetPayment: %w", err)
	}
	return p, nil
}

// UpdatePaymentStatus moves a transaction to `to` when it is in one of `from`.
func (r *PaymentRepository) UpdatePaymentStatus(ctx context.Context, id int64, from []models.PaymentStatus, to models.PaymentStatus) (*models.PaymentTransaction, error) {
	query := `
		UPDATE payment_transactions
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, id, statusStrings(from), string(to)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := r.GetPayment(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrPreconditionFailed
		}
		return nil, fmt.Errorf("PaymentRepository.UpdatePaymentStatus: %w", err)
	}
	return p, nil
}

// ListPaymentsByUser returns latest transactions for user.
func (r *PaymentRepository) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]models.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + paymentColumns + `
		FROM payment_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("PaymentRepository.ListPaymentsByUser: %w", err)
	}
	defer rows.Close()

	var payments []models.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}
