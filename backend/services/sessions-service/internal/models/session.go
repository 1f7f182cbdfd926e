package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// Session represents one charging event occupying a spot.
type Session struct {
	ID                 int64         `db:"id" json:"id"`
	SpotID             int64         `db:"spot_id" json:"spot_id"`
	StationID          int64         `db:"station_id" json:"station_id"`
	UserID             int64         `db:"user_id" json:"user_id"`
	VehicleID          null.Int      `db:"vehicle_id" json:"vehicle_id"`
	ReservationID      null.Int      `db:"reservation_id" json:"reservation_id"`
	Status             SessionStatus `db:"status" json:"status"`
	StartTime          time.Time     `db:"session_start_time" json:"session_start_time"`
	EndTime            null.Time     `db:"session_end_time" json:"session_end_time"`
	PricePerKWh        float64       `db:"price_per_kwh" json:"price_per_kwh"`
	EnergyRequestedKWh float64       `db:"energy_requested_kwh" json:"energy_requested_kwh"`
	EnergyDeliveredKWh float64       `db:"energy_delivered_kwh" json:"energy_delivered_kwh"`
	Cost               null.Float    `db:"cost" json:"cost"`
	InitialSoc         float64       `db:"initial_soc" json:"initial_soc"`
	CurrentSoc         float64       `db:"current_soc" json:"current_soc"`
	TargetSoc          float64       `db:"target_soc" json:"target_soc"`
	CurrentPowerKW     float64       `db:"current_power_kw" json:"current_power_kw"`
	BatteryCapacityKWh null.Float    `db:"battery_capacity_kwh" json:"battery_capacity_kwh"`
	FailureReason      null.String   `db:"failure_reason" json:"failure_reason"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// Progress is an append-only point-in-time snapshot of a running session.
type Progress struct {
	ID                            int64     `db:"id" json:"id"`
	SessionID                     int64     `db:"session_id" json:"session_id"`
	RecordedAt                    time.Time `db:"recorded_at" json:"recorded_at"`
	SocPercentage                 float64   `db:"soc_percentage" json:"soc_percentage"`
	PowerKW                       float64   `db:"power_kw" json:"power_kw"`
	EnergyDeliveredKWh            float64   `db:"energy_delivered_kwh" json:"energy_delivered_kwh"`
	EstimatedTimeRemainingMinutes null.Int  `db:"estimated_time_remaining_minutes" json:"estimated_time_remaining_minutes"`
}
