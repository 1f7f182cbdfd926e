package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/realtime"
	"evcharge/backend/services/sessions-service/internal/repository"
	"evcharge/backend/services/sessions-service/internal/repository/memory"
)

func TestScanStartProgressComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.sessions.Start(ctx, StartInput{
		SpotID:  f.spot.ID,
		UserID:  f.driver.ID,
		QRToken: f.token(t),
	})
	require.NoError(t, err)
	require.Equal(t, models.SessionInProgress, session.Status)
	require.Equal(t, 3500.0, session.PricePerKWh)
	require.Equal(t, 20.0, session.InitialSoc)
	require.Equal(t, 100.0, session.TargetSoc)
	require.False(t, session.Cost.Valid)
	require.Equal(t, models.SpotOccupied, f.spotStatus(t))
	require.Equal(t, []string{"SessionUpdated", "SpotStatusUpdated"}, f.notifier.take())

	f.advance(15 * time.Minute)
	res, err := f.sessions.UpdateProgress(ctx, ProgressInput{
		SessionID:          session.ID,
		SocPercentage:      60,
		PowerKW:            50,
		EnergyDeliveredKWh: 12.5,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, []string{"ChargingProgressUpdated"}, f.notifier.take())

	completed, err := f.sessions.Complete(ctx, session.ID, null.Float{})
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, completed.Status)
	require.True(t, completed.Cost.Valid)
	require.InDelta(t, 53750, completed.Cost.Float64, 1e-9)
	require.True(t, completed.EndTime.Valid)
	require.Equal(t, 12.5, completed.EnergyDeliveredKWh)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))
	require.Equal(t, []string{"SessionUpdated", "SpotStatusUpdated"}, f.notifier.take())

	payments, err := f.payments.ForUser(ctx, f.driver.ID, 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, models.PaymentPending, payments[0].Status)
	require.InDelta(t, 53750, payments[0].Amount, 1e-9)
	require.Equal(t, session.ID, payments[0].SessionID.Int64)
}

func TestConcurrentStartExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	const attempts = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		busy      int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sessions.Start(context.Background(), StartInput{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrSpotUnavailable):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, attempts-1, busy)
	active, err := f.sessions.ActiveByStation(context.Background(), f.station.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestStartRejectsUnavailableSpot(t *testing.T) {
	ctx := context.Background()

	t.Run("occupied", func(t *testing.T) {
		f := newFixture(t)
		f.startStaff(t)
		_, err := f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.other.ID, Staff: true})
		require.ErrorIs(t, err, ErrSpotUnavailable)
	})

	t.Run("maintenance", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.spots.SetStatus(ctx, f.spot.ID, models.SpotMaintenance)
		require.NoError(t, err)
		_, err = f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true})
		require.ErrorIs(t, err, ErrSpotUnavailable)
		sessions, err := f.sessions.ByUser(ctx, f.driver.ID, 10)
		require.NoError(t, err)
		require.Empty(t, sessions)
	})

	t.Run("station inactive", func(t *testing.T) {
		f := newFixture(t)
		station := f.store.AddStation(models.Station{Name: "Closed", Status: models.StationClosed})
		spot := f.store.AddSpot(models.Spot{StationID: station.ID, PowerOutputKW: 22, PricePerKWh: 3000})
		_, err := f.sessions.Start(ctx, StartInput{SpotID: spot.ID, UserID: f.driver.ID, Staff: true})
		require.ErrorIs(t, err, ErrSpotUnavailable)
	})

	t.Run("unknown spot", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.sessions.Start(ctx, StartInput{SpotID: 999, UserID: f.driver.ID, Staff: true})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStartRequiresCurrentQRCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.driver.ID})
	require.ErrorIs(t, err, ErrInvalidQRCode)

	token := f.token(t)
	rotated, err := f.spots.RotateQR(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rotated)

	_, err = f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.driver.ID, QRToken: token})
	require.ErrorIs(t, err, ErrInvalidQRCode)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))

	_, err = f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.driver.ID, QRToken: f.token(t)})
	require.NoError(t, err)
}

func TestStartReportsBusySpotBeforeQRCode(t *testing.T) {
	f := newFixture(t)
	f.startStaff(t)

	_, err := f.sessions.Start(context.Background(), StartInput{SpotID: f.spot.ID, UserID: f.other.ID, QRToken: "garbage"})
	require.ErrorIs(t, err, ErrSpotUnavailable)
	require.NotErrorIs(t, err, ErrInvalidQRCode)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []StartInput{
		{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true, InitialSoc: null.FloatFrom(80), TargetSoc: null.FloatFrom(80)},
		{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true, TargetSoc: null.FloatFrom(120)},
		{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true, InitialSoc: null.FloatFrom(-1)},
		{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true, EnergyRequestedKWh: -5},
		{SpotID: f.spot.ID, Staff: true},
	}
	for _, in := range cases {
		_, err := f.sessions.Start(ctx, in)
		require.ErrorIs(t, err, ErrValidation)
	}
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))
}

func TestStartRejectsDisabledAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.accounts.SetActive(ctx, f.driver.ID, false, "")
	require.NoError(t, err)
	require.Equal(t, []string{"AccountStatusChanged"}, f.notifier.take())

	_, err = f.sessions.Start(ctx, StartInput{SpotID: f.spot.ID, UserID: f.driver.ID, Staff: true})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestStartFallsBackToTariffPrice(t *testing.T) {
	f := newFixture(t)
	spot := f.store.AddSpot(models.Spot{StationID: f.station.ID, PowerOutputKW: 22})

	session, err := f.sessions.Start(context.Background(), StartInput{SpotID: spot.ID, UserID: f.driver.ID, Staff: true})
	require.NoError(t, err)
	require.Equal(t, 4000.0, session.PricePerKWh)

	f.store.AddTariff(models.Tariff{Name: "Peak", PricePerKWh: 4200, IsActive: true})
	spot2 := f.store.AddSpot(models.Spot{StationID: f.station.ID, PowerOutputKW: 22})
	session, err = f.sessions.Start(context.Background(), StartInput{SpotID: spot2.ID, UserID: f.other.ID, Staff: true})
	require.NoError(t, err)
	require.Equal(t, 4200.0, session.PricePerKWh)
}

func TestUpdateProgressIgnoresDecreasingEnergy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)
	f.notifier.take()

	res, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 50, PowerKW: 50, EnergyDeliveredKWh: 10})
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 55, PowerKW: 50, EnergyDeliveredKWh: 8})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Nil(t, res.Progress)

	history, err := f.sessions.ProgressHistory(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	current, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 10.0, current.EnergyDeliveredKWh)
	require.Equal(t, []string{"ChargingProgressUpdated"}, f.notifier.take())
}

func TestUpdateProgressLogsEnergyIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	f.sessions.logger = zap.New(core)
	session := f.startStaff(t)

	for _, energy := range []float64{10, 12.5} {
		_, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 50, PowerKW: 50, EnergyDeliveredKWh: energy})
		require.NoError(t, err)
	}

	recorded := logs.FilterMessage("progress recorded").AllUntimed()
	require.Len(t, recorded, 2)
	require.Equal(t, 10.0, recorded[0].ContextMap()["delta_kwh"])
	require.Equal(t, 2.5, recorded[1].ContextMap()["delta_kwh"])
}

func TestUpdateProgressEnergyNeverDecreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)

	readings := []float64{1, 3, 2, 5, 5, 4, 9, 0, 12}
	for _, energy := range readings {
		_, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 50, PowerKW: 50, EnergyDeliveredKWh: energy})
		require.NoError(t, err)
	}

	history, err := f.sessions.ProgressHistory(ctx, session.ID, 0)
	require.NoError(t, err)
	for i := 1; i < len(history); i++ {
		require.GreaterOrEqual(t, history[i].EnergyDeliveredKWh, history[i-1].EnergyDeliveredKWh)
	}
	require.Equal(t, 12.0, history[len(history)-1].EnergyDeliveredKWh)
}

func TestUpdateProgressRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: 404, SocPercentage: 10})
	require.ErrorIs(t, err, ErrNotFound)

	session := f.startStaff(t)
	_, err = f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 101})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 50, PowerKW: -1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.sessions.Cancel(ctx, session.ID)
	require.NoError(t, err)
	_, err = f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 50, EnergyDeliveredKWh: 1})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

type frameCounter struct {
	mu     sync.Mutex
	frames int
}

func (c *frameCounter) ID() string { return "dashboard" }

func (c *frameCounter) Send([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	return nil
}

func (c *frameCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func TestEachAppliedProgressPushesOneFrame(t *testing.T) {
	f := newFixture(t)
	hub := realtime.NewHub(zap.NewNop())
	f.sessions.deps.Notifier = realtime.NewNotifier(hub, zap.NewNop())
	session := f.startStaff(t)

	conn := &frameCounter{}
	hub.Register(conn)
	require.NoError(t, hub.Subscribe(conn, realtime.Group(realtime.KindSession, session.ID)))

	for i, energy := range []float64{2, 4, 6} {
		_, err := f.sessions.UpdateProgress(context.Background(), ProgressInput{
			SessionID:          session.ID,
			SocPercentage:      30 + float64(i)*10,
			PowerKW:            50,
			EnergyDeliveredKWh: energy,
		})
		require.NoError(t, err)
		require.Equal(t, i+1, conn.count())
	}
	_, err := f.sessions.UpdateProgress(context.Background(), ProgressInput{SessionID: session.ID, SocPercentage: 60, EnergyDeliveredKWh: 1})
	require.NoError(t, err)
	require.Equal(t, 3, conn.count())
}

func TestCompleteOnlyFromInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)

	cancelled, err := f.sessions.Cancel(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCancelled, cancelled.Status)
	f.notifier.take()

	_, err = f.sessions.Complete(ctx, session.ID, null.FloatFrom(10))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.sessions.Fail(ctx, session.ID, "late")
	require.ErrorIs(t, err, ErrInvalidTransition)

	after, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCancelled, after.Status)
	require.False(t, after.Cost.Valid)
	require.Empty(t, f.notifier.take())

	_, err = f.sessions.Complete(ctx, 404, null.Float{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteRejectsLowerEnergy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)
	_, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 40, PowerKW: 50, EnergyDeliveredKWh: 10})
	require.NoError(t, err)

	_, err = f.sessions.Complete(ctx, session.ID, null.FloatFrom(9))
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, models.SpotOccupied, f.spotStatus(t))

	completed, err := f.sessions.Complete(ctx, session.ID, null.FloatFrom(11))
	require.NoError(t, err)
	require.InDelta(t, 11*3500+DefaultBaseFee, completed.Cost.Float64, 1e-9)
}

// lateReadingStore records one more meter reading right before the first finish write.
type lateReadingStore struct {
	*memory.Store
	energy float64
	once   sync.Once
}

func (s *lateReadingStore) FinishSession(ctx context.Context, params repository.FinishParams) (*repository.FinishResult, error) {
	var err error
	s.once.Do(func() {
		err = s.RecordProgress(ctx, &models.Progress{
			SessionID:          params.SessionID,
			RecordedAt:         time.Now().UTC(),
			SocPercentage:      70,
			PowerKW:            50,
			EnergyDeliveredKWh: s.energy,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Store.FinishSession(ctx, params)
}

func (f *fixture) sessionsOver(store SessionStore) *SessionsService {
	return NewSessionsService(SessionsDeps{
		Sessions: store,
		Spots:    f.store,
		Stations: f.store,
		Users:    f.store,
		Tariffs:  f.tariffs,
		Payments: f.payments,
		QR:       f.qr,
		Notifier: f.notifier,
	}, SessionsOptions{BaseFee: DefaultBaseFee, Now: f.now}, zap.NewNop())
}

func TestCompleteBillsReadingRecordedMidway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)
	_, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 40, PowerKW: 50, EnergyDeliveredKWh: 10})
	require.NoError(t, err)

	svc := f.sessionsOver(&lateReadingStore{Store: f.store, energy: 20})
	completed, err := svc.Complete(ctx, session.ID, null.Float{})
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, completed.Status)
	require.Equal(t, 20.0, completed.EnergyDeliveredKWh)
	require.InDelta(t, 20*3500+DefaultBaseFee, completed.Cost.Float64, 1e-9)

	stored, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 20.0, stored.EnergyDeliveredKWh)
}

func TestCompleteRejectsGivenEnergyOvertakenMidway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)
	_, err := f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 40, PowerKW: 50, EnergyDeliveredKWh: 10})
	require.NoError(t, err)

	svc := f.sessionsOver(&lateReadingStore{Store: f.store, energy: 20})
	_, err = svc.Complete(ctx, session.ID, null.FloatFrom(15))
	require.ErrorIs(t, err, ErrValidation)

	stored, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionInProgress, stored.Status)
	require.Equal(t, 20.0, stored.EnergyDeliveredKWh)
	require.False(t, stored.Cost.Valid)
}

func TestProgressHistoryKeepsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)
	for i := 1; i <= 5; i++ {
		f.advance(time.Minute)
		_, err := f.sessions.UpdateProgress(ctx, ProgressInput{
			SessionID:          session.ID,
			SocPercentage:      float64(20 + i),
			PowerKW:            50,
			EnergyDeliveredKWh: float64(i),
		})
		require.NoError(t, err)
	}

	history, err := f.sessions.ProgressHistory(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 3.0, history[0].EnergyDeliveredKWh)
	require.Equal(t, 5.0, history[2].EnergyDeliveredKWh)
}

func TestCostOnlyOnCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.startStaff(t)
	failed, err := f.sessions.Fail(ctx, session.ID, "connector fault")
	require.NoError(t, err)
	require.Equal(t, models.SessionFailed, failed.Status)
	require.False(t, failed.Cost.Valid)
	require.Equal(t, "connector fault", failed.FailureReason.String)
	require.Equal(t, models.SpotAvailable, f.spotStatus(t))

	session = f.startStaff(t)
	cancelled, err := f.sessions.Cancel(ctx, session.ID)
	require.NoError(t, err)
	require.False(t, cancelled.Cost.Valid)
	require.True(t, cancelled.EndTime.Valid)

	payments, err := f.payments.ForUser(ctx, f.driver.ID, 10)
	require.NoError(t, err)
	require.Empty(t, payments)
}

func TestProgressSnapshotView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)

	view, err := f.sessions.ProgressSnapshot(ctx, session.ID)
	require.NoError(t, err)
	require.Nil(t, view.Latest)
	require.Equal(t, 50.0, view.Simulation.RatedPowerKW)
	require.Equal(t, 60.0, view.Simulation.ReferenceMinutes)
	require.InDelta(t, DefaultBaseFee, view.ProvisionalCost, 1e-9)

	f.advance(30 * time.Minute)
	_, err = f.sessions.UpdateProgress(ctx, ProgressInput{SessionID: session.ID, SocPercentage: 60, PowerKW: 50, EnergyDeliveredKWh: 25})
	require.NoError(t, err)

	view, err = f.sessions.ProgressSnapshot(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Latest)
	require.InDelta(t, 60, view.Estimate.CurrentSoc, 1e-9)
	require.InDelta(t, 25, view.Estimate.EnergyDeliveredKWh, 1e-9)
	require.InDelta(t, 25*3500+DefaultBaseFee, view.ProvisionalCost, 1e-9)
}
