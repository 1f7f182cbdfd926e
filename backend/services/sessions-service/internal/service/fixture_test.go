package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/qrcode"
	"evcharge/backend/services/sessions-service/internal/repository/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) SpotStatusUpdated(context.Context, int64, int64, models.SpotStatus) {
	n.record("SpotStatusUpdated")
}

func (n *recordingNotifier) SessionUpdated(context.Context, *models.Session) {
	n.record("SessionUpdated")
}

func (n *recordingNotifier) ChargingProgressUpdated(context.Context, int64, *models.Progress) {
	n.record("ChargingProgressUpdated")
}

func (n *recordingNotifier) ReservationUpdated(context.Context, *models.Reservation) {
	n.record("ReservationUpdated")
}

func (n *recordingNotifier) AccountStatusChanged(context.Context, int64, bool, string) {
	n.record("AccountStatusChanged")
}

func (n *recordingNotifier) take() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

type fixture struct {
	store        *memory.Store
	notifier     *recordingNotifier
	qr           *qrcode.Service
	tariffs      *TariffService
	payments     *PaymentsService
	sessions     *SessionsService
	reservations *ReservationsService
	spots        *SpotsService
	accounts     *AccountsService

	station models.Station
	spot    models.Spot
	driver  models.User
	other   models.User

	clockMu sync.Mutex
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		store:    memory.NewStore(),
		notifier: &recordingNotifier{},
		qr:       qrcode.NewService("test-secret", time.Hour),
		clock:    time.Now().UTC().Truncate(time.Second),
	}
	f.station = f.store.AddStation(models.Station{Name: "Depot", Status: models.StationActive})
	f.spot = f.store.AddSpot(models.Spot{
		StationID:     f.station.ID,
		SpotNumber:    "A1",
		ConnectorType: "CCS2",
		PowerOutputKW: 50,
		PricePerKWh:   3500,
		QRCode:        f.qr.NewCode(),
	})
	f.driver = f.store.AddUser(models.User{Email: "driver@example.com", IsActive: true})
	f.other = f.store.AddUser(models.User{Email: "other@example.com", IsActive: true})

	f.tariffs = NewTariffService(f.store, 4000, logger)
	f.payments = NewPaymentsService(f.store, "VND", logger)
	f.sessions = NewSessionsService(SessionsDeps{
		Sessions:     f.store,
		Spots:        f.store,
		Stations:     f.store,
		Reservations: f.store,
		Users:        f.store,
		Tariffs:      f.tariffs,
		Payments:     f.payments,
		QR:           f.qr,
		Notifier:     f.notifier,
	}, SessionsOptions{BaseFee: DefaultBaseFee, Now: f.now}, logger)
	f.reservations = NewReservationsService(f.store, f.store, f.store, f.notifier, 15*time.Minute, logger)
	f.reservations.now = f.now
	f.spots = NewSpotsService(f.store, f.store, f.qr, f.notifier, logger)
	f.accounts = NewAccountsService(f.store, f.notifier, logger)
	return f
}

func (f *fixture) now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(d)
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	spot, err := f.store.GetSpot(context.Background(), f.spot.ID)
	require.NoError(t, err)
	token, _, err := f.qr.Issue(spot)
	require.NoError(t, err)
	return token
}

func (f *fixture) startStaff(t *testing.T) *models.Session {
	t.Helper()
	session, err := f.sessions.Start(context.Background(), StartInput{
		SpotID: f.spot.ID,
		UserID: f.driver.ID,
		Staff:  true,
	})
	require.NoError(t, err)
	return session
}

func (f *fixture) spotStatus(t *testing.T) models.SpotStatus {
	t.Helper()
	spot, err := f.store.GetSpot(context.Background(), f.spot.ID)
	require.NoError(t, err)
	return spot.Status
}
