package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// Reservation holds a spot for a user during a time window.
type Reservation struct {
	ID               int64             `db:"id" json:"id"`
	UserID           int64             `db:"user_id" json:"user_id"`
	SpotID           int64             `db:"spot_id" json:"spot_id"`
	StationID        int64             `db:"station_id" json:"station_id"`
	VehicleID        null.Int          `db:"vehicle_id" json:"vehicle_id"`
	ScheduledStart   time.Time         `db:"scheduled_start" json:"scheduled_start"`
	ScheduledEnd     time.Time         `db:"scheduled_end" json:"scheduled_end"`
	Status           ReservationStatus `db:"status" json:"status"`
	ConfirmationCode string            `db:"confirmation_code" json:"confirmation_code"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}
