package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
	"evcharge/backend/services/sessions-service/internal/repository/memory"
)

func TestPaymentStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.startStaff(t)
	completed, err := f.sessions.Complete(ctx, session.ID, null.FloatFrom(2))
	require.NoError(t, err)

	payments, err := f.payments.ForUser(ctx, f.driver.ID, 0)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	id := payments[0].ID

	_, err = f.payments.OpenForSession(ctx, completed)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.payments.UpdateStatus(ctx, id, models.PaymentRefunded)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.payments.UpdateStatus(ctx, id, models.PaymentStatus("Settled"))
	require.ErrorIs(t, err, ErrValidation)

	captured, err := f.payments.UpdateStatus(ctx, id, models.PaymentCaptured)
	require.NoError(t, err)
	require.Equal(t, models.PaymentCaptured, captured.Status)

	refunded, err := f.payments.UpdateStatus(ctx, id, models.PaymentRefunded)
	require.NoError(t, err)
	require.Equal(t, models.PaymentRefunded, refunded.Status)

	_, err = f.payments.UpdateStatus(ctx, 404, models.PaymentCaptured)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenForSessionRequiresCompletedSession(t *testing.T) {
	f := newFixture(t)
	session := f.startStaff(t)
	_, err := f.payments.OpenForSession(context.Background(), session)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTariffFallback(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	_, err := NewTariffService(store, 0, zap.NewNop()).ActiveTariff(ctx)
	require.Error(t, err)

	svc := NewTariffService(store, 3000, zap.NewNop())
	tariff, err := svc.ActiveTariff(ctx)
	require.NoError(t, err)
	require.Equal(t, 3000.0, tariff.PricePerKWh)

	store.AddTariff(models.Tariff{Name: "Night", PricePerKWh: 2500, IsActive: true})
	price, err := svc.PriceFor(ctx, &models.Spot{})
	require.NoError(t, err)
	require.Equal(t, 2500.0, price)

	price, err = svc.PriceFor(ctx, &models.Spot{PricePerKWh: 3800})
	require.NoError(t, err)
	require.Equal(t, 3800.0, price)

	price, err = NewTariffService(nil, 3100, zap.NewNop()).PriceFor(ctx, &models.Spot{})
	require.NoError(t, err)
	require.Equal(t, 3100.0, price)
}
