package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"evcharge/backend/services/sessions-service/internal/models"
)

// UserRepository reads and toggles account state.
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository returns repository instance.
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser fetches a user by id.
func (r *UserRepository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	const query = `
		SELECT id, email, is_active, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var u models.User
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("UserRepository.GetUser: %w", err)
	}
	return &u, nil
}

// SetUserActive stores the account activation flag.
func (r *UserRepository) SetUserActive(ctx context.Context, id int64, active bool) (*models.User, error) {
	const query = `
		UPDATE users
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, email, is_active, created_at, updated_at
	`
	var u models.User
	if err := r.db.QueryRowContext(ctx, query, id, active).Scan(&u.ID, &u.Email, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("UserRepository.SetUserActive: %w", err)
	}
	return &u, nil
}
