package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
)

// Event names pushed to clients.
const (
	EventSpotStatusUpdated       = "SpotStatusUpdated"
	EventSessionUpdated          = "SessionUpdated"
	EventChargingProgressUpdated = "ChargingProgressUpdated"
	EventReservationUpdated      = "ReservationUpdated"
	EventAccountStatusChanged    = "AccountStatusChanged"
)

// Envelope is the frame written to clients.
type Envelope struct {
	Event  string      `json:"event"`
	Group  string      `json:"group,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	SentAt time.Time   `json:"sentAt"`
}

type spotStatusData struct {
	SpotID int64             `json:"spotId"`
	Status models.SpotStatus `json:"status"`
}

type sessionData struct {
	SessionID int64                `json:"sessionId"`
	SpotID    int64                `json:"spotId"`
	Status    models.SessionStatus `json:"status"`
}

type progressData struct {
	SessionID int64            `json:"sessionId"`
	Progress  *models.Progress `json:"progress"`
}

type reservationData struct {
	ReservationID int64                    `json:"reservationId"`
	SpotID        int64                    `json:"spotId"`
	Status        models.ReservationStatus `json:"status"`
}

type accountData struct {
	IsActive bool   `json:"isActive"`
	Message  string `json:"message"`
}

// Notifier turns lifecycle changes into group broadcasts on a Hub.
type Notifier struct {
	hub    *Hub
	now    func() time.Time
	logger *zap.Logger
}

// NewNotifier builds notifier.
func NewNotifier(hub *Hub, logger *zap.Logger) *Notifier {
	return &Notifier{
		hub:    hub,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (n *Notifier) publish(group, event string, data interface{}) {
	frame, err := json.Marshal(Envelope{Event: event, Group: group, Data: data, SentAt: n.now()})
	if err != nil {
		n.logger.Error("failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return
	}
	n.hub.Publish(group, frame)
}

// SpotStatusUpdated notifies the station group.
func (n *Notifier) SpotStatusUpdated(_ context.Context, stationID, spotID int64, status models.SpotStatus) {
	n.publish(Group(KindStation, stationID), EventSpotStatusUpdated, spotStatusData{SpotID: spotID, Status: status})
}

// SessionUpdated notifies the station and the session owner.
func (n *Notifier) SessionUpdated(_ context.Context, session *models.Session) {
	data := sessionData{SessionID: session.ID, SpotID: session.SpotID, Status: session.Status}
	n.publish(Group(KindStation, session.StationID), EventSessionUpdated, data)
	n.publish(Group(KindUser, session.UserID), EventSessionUpdated, data)
}

// ChargingProgressUpdated notifies the session group.
func (n *Notifier) ChargingProgressUpdated(_ context.Context, sessionID int64, progress *models.Progress) {
	n.publish(Group(KindSession, sessionID), EventChargingProgressUpdated, progressData{SessionID: sessionID, Progress: progress})
}

// ReservationUpdated notifies the station group.
func (n *Notifier) ReservationUpdated(_ context.Context, reservation *models.Reservation) {
	n.publish(Group(KindStation, reservation.StationID), EventReservationUpdated, reservationData{
		ReservationID: reservation.ID,
		SpotID:        reservation.SpotID,
		Status:        reservation.Status,
	})
}

// AccountStatusChanged notifies the user group.
func (n *Notifier) AccountStatusChanged(_ context.Context, userID int64, isActive bool, message string) {
	n.publish(Group(KindUser, userID), EventAccountStatusChanged, accountData{IsActive: isActive, Message: message})
}
