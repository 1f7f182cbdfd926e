package repository

import (
	"time"

	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
)

// DefaultProgressLimit caps progress history reads when no limit is given.
const DefaultProgressLimit = 500

// StartParams describes an atomic session start: the spot moves from one of
// ExpectedSpotStatuses to Occupied and the session becomes InProgress in one write.
type StartParams struct {
	Session              *models.Session
	ExpectedSpotStatuses []models.SpotStatus
	// ScheduledSessionID promotes an existing Scheduled session instead of inserting.
	ScheduledSessionID int64
	// ReservationID is moved from Confirmed to CheckedIn when non-zero.
	ReservationID int64
}

// FinishParams describes a terminal transition of a session. The write applies only while
// the session is still in From and, when EnergyDeliveredKWh is set, while the stored energy
// does not exceed it.
type FinishParams struct {
	SessionID          int64
	From               models.SessionStatus
	To                 models.SessionStatus
	EndTime            time.Time
	EnergyDeliveredKWh null.Float
	Cost               null.Float
	FailureReason      null.String
	// SpotTo is applied when the spot is currently Occupied or Reserved.
	SpotTo models.SpotStatus
	// ReservationTo is applied to the linked reservation when set.
	ReservationTo models.ReservationStatus
}

// FinishResult reports what a terminal transition changed.
type FinishResult struct {
	Session     *models.Session
	SpotChanged bool
	Reservation *models.Reservation
}

// ReleaseResult reports what releasing a reservation changed.
type ReleaseResult struct {
	Reservation      *models.Reservation
	SpotFreed        bool
	CancelledSession int64
}
