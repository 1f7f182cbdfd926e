package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository"
	"evcharge/backend/services/sessions-service/internal/repository/memory"
)

func (f *fixture) reserve(t *testing.T, startIn time.Duration) *models.Reservation {
	t.Helper()
	start := f.now().Add(startIn)
	reservation, err := f.reservations.Create(context.Background(), CreateReservationInput{
		UserID:         f.driver.ID,
		SpotID:         f.spot.ID,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
	})
	require.NoError(t, err)
	return reservation
}

func TestReservationConfirmHoldsSpotForOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reservation := f.reserve(t, 10*time.Minute)
	require.Equal(t, models.ReservationPending, reservation.Status)
	require.Len(t, reservation.ConfirmationCode, 10)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))

	_, err := f.reservations.Confirm(ctx, reservation.ID, f.other.ID)
	require.ErrorIs(t, err, ErrForbidden)

	confirmed, err := f.reservations.Confirm(ctx, reservation.ID, f.driver.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationConfirmed, confirmed.Status)
	require.Equal(t, models.SpotReserved, f.spotStatus(t))

	scheduled, err := f.store.GetScheduledByReservation(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionScheduled, scheduled.Status)

	_, err = f.reservations.Confirm(ctx, reservation.ID, f.driver.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.other.ID, Staff: true})
	require.ErrorIs(t, err, ErrSpotUnavailable)
	_, err = f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.other.ID, Staff: true, ReservationID: null.IntFrom(reservation.ID)})
	require.ErrorIs(t, err, ErrSpotUnavailable)
	f.notifier.take()

	started, err := f.sessions.Start(ctx, StartInput{
		SpotID:        f.spot.ID,
		UserID:        f.driver.ID,
		ReservationID: null.IntFrom(reservation.ID),
		QRToken:       f.token(t),
	})
	require.NoError(t, err)
	require.Equal(t, scheduled.ID, started.ID)
	require.Equal(t, models.SessionInProgress, started.Status)
	require.Equal(t, 3500.0, started.PricePerKWh)
	require.Equal(t, models.SpotOccupied, f.spotStatus(t))
	require.Equal(t, []string{"SessionUpdated", "SpotStatusUpdated", "ReservationUpdated"}, f.notifier.take())

	checkedIn, err := f.reservations.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationCheckedIn, checkedIn.Status)

	_, err = f.sessions.Complete(ctx, started.ID, null.FloatFrom(5))
	require.NoError(t, err)
	done, err := f.reservations.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationCompleted, done.Status)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))
}

func TestReservationCancelFreesSpot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reservation := f.reserve(t, time.Hour)
	_, err := f.reservations.Confirm(ctx, reservation.ID, f.driver.ID)
	require.NoError(t, err)
	scheduled, err := f.store.GetScheduledByReservation(ctx, reservation.ID)
	require.NoError(t, err)
	f.notifier.take()

	cancelled, err := f.reservations.Cancel(ctx, reservation.ID, f.driver.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationCancelled, cancelled.Status)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))
	require.Equal(t, []string{"ReservationUpdated", "SpotStatusUpdated", "SessionUpdated"}, f.notifier.take())

	session, err := f.sessions.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCancelled, session.Status)
	require.False(t, session.Cost.Valid)

	_, err = f.reservations.Cancel(ctx, reservation.ID, f.driver.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelScheduledSessionReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reservation := f.reserve(t, time.Hour)
	_, err := f.reservations.Confirm(ctx, reservation.ID, f.driver.ID)
	require.NoError(t, err)
	scheduled, err := f.store.GetScheduledByReservation(ctx, reservation.ID)
	require.NoError(t, err)

	_, err = f.sessions.Cancel(ctx, scheduled.ID)
	require.NoError(t, err)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))
	after, err := f.reservations.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationCancelled, after.Status)
}

func TestConfirmFailsWhenSpotTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reservation := f.reserve(t, time.Hour)
	f.startStaff(t)

	_, err := f.reservations.Confirm(ctx, reservation.ID, f.driver.ID)
	require.ErrorIs(t, err, ErrSpotUnavailable)
	pending, err := f.reservations.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationPending, pending.Status)
}

func TestReservationCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.now().Add(time.Hour)

	_, err := f.reservations.Create(ctx, CreateReservationInput{UserID: f.driver.ID, SpotID: f.spot.ID, ScheduledStart: start, ScheduledEnd: start})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.reservations.Create(ctx, CreateReservationInput{UserID: f.driver.ID, SpotID: f.spot.ID,
		ScheduledStart: f.now().Add(-3 * time.Hour), ScheduledEnd: f.now().Add(-2 * time.Hour)})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.reservations.Create(ctx, CreateReservationInput{UserID: f.driver.ID, SpotID: 999, ScheduledStart: start, ScheduledEnd: start.Add(time.Hour)})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.spots.SetStatus(ctx, f.spot.ID, models.SpotOutOfOrder)
	require.NoError(t, err)
	_, err = f.reservations.Create(ctx, CreateReservationInput{UserID: f.driver.ID, SpotID: f.spot.ID, ScheduledStart: start, ScheduledEnd: start.Add(time.Hour)})
	require.ErrorIs(t, err, ErrSpotUnavailable)
}

func TestSweepClosesOverdueReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	confirmed := f.reserve(t, 5*time.Minute)
	_, err := f.reservations.Confirm(ctx, confirmed.ID, f.driver.ID)
	require.NoError(t, err)

	spot2 := f.store.AddSpot(models.Spot{StationID: f.station.ID, PowerOutputKW: 22, PricePerKWh: 3000})
	pending, err := f.reservations.Create(ctx, CreateReservationInput{
		UserID:         f.other.ID,
		SpotID:         spot2.ID,
		ScheduledStart: f.now().Add(5 * time.Minute),
		ScheduledEnd:   f.now().Add(30 * time.Minute),
	})
	require.NoError(t, err)

	closed, err := f.reservations.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, closed)

	f.advance(25 * time.Minute)
	closed, err = f.reservations.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	noShow, err := f.reservations.Get(ctx, confirmed.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationNoShow, noShow.Status)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))

	f.advance(10 * time.Minute)
	closed, err = f.reservations.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	expired, err := f.reservations.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationExpired, expired.Status)
}

// checkInFirstStore runs a check-in right before the first release write lands.
type checkInFirstStore struct {
	*memory.Store
	checkIn func()
	once    sync.Once
}

func (s *checkInFirstStore) ReleaseReservation(ctx context.Context, id int64, from, to models.ReservationStatus) (*repository.ReleaseResult, error) {
	s.once.Do(s.checkIn)
	return s.Store.ReleaseReservation(ctx, id, from, to)
}

func TestSweepLosesToLateCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reservation := f.reserve(t, 5*time.Minute)
	_, err := f.reservations.Confirm(ctx, reservation.ID, f.driver.ID)
	require.NoError(t, err)
	f.advance(25 * time.Minute)

	var started *models.Session
	store := &checkInFirstStore{Store: f.store, checkIn: func() {
		var err error
		started, err = f.sessions.Start(ctx, StartInput{
			SpotID:        f.spot.ID,
			UserID:        f.driver.ID,
			ReservationID: null.IntFrom(reservation.ID),
			Staff:         true,
		})
		require.NoError(t, err)
	}}
	sweeper := NewReservationsService(store, f.store, f.store, f.notifier, 15*time.Minute, zap.NewNop())
	sweeper.now = f.now

	closed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, closed)

	current, err := f.reservations.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationCheckedIn, current.Status)
	session, err := f.sessions.Get(ctx, started.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionInProgress, session.Status)
	require.Equal(t, models.SpotOccupied, f.spotStatus(t))
}
