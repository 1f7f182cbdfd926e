package models

import "time"

// Station is a charging site owning a set of spots.
type Station struct {
	ID          int64         `db:"id" json:"id"`
	Name        string        `db:"name" json:"name"`
	Address     string        `db:"address" json:"address"`
	Latitude    float64       `db:"latitude" json:"latitude"`
	Longitude   float64       `db:"longitude" json:"longitude"`
	Status      StationStatus `db:"status" json:"status"`
	OpeningTime string        `db:"opening_time" json:"opening_time"`
	ClosingTime string        `db:"closing_time" json:"closing_time"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// Spot is a single connector within a station.
type Spot struct {
	ID            int64      `db:"id" json:"id"`
	StationID     int64      `db:"station_id" json:"station_id"`
	SpotNumber    string     `db:"spot_number" json:"spot_number"`
	ConnectorType string     `db:"connector_type" json:"connector_type"`
	PowerOutputKW float64    `db:"power_output_kw" json:"power_output_kw"`
	PricePerKWh   float64    `db:"price_per_kwh" json:"price_per_kwh"`
	Status        SpotStatus `db:"status" json:"status"`
	QRCode        string     `db:"qr_code" json:"-"`
	QRRotatedAt   time.Time  `db:"qr_rotated_at" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}
