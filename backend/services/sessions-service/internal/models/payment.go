package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// PaymentTransaction is the settlement record for a completed session.
type PaymentTransaction struct {
	ID            int64         `db:"id" json:"id"`
	SessionID     null.Int      `db:"session_id" json:"session_id"`
	ReservationID null.Int      `db:"reservation_id" json:"reservation_id"`
	UserID        int64         `db:"user_id" json:"user_id"`
	Amount        float64       `db:"amount" json:"amount"`
	Currency      string        `db:"currency" json:"currency"`
	Method        string        `db:"method" json:"method"`
	Status        PaymentStatus `db:"status" json:"status"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// Tariff describes a fallback price per kWh.
type Tariff struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	PricePerKWh float64   `db:"price_per_kwh" json:"price_per_kwh"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
