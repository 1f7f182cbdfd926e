package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return NewStore(client, time.Minute)
}

func TestStoreActiveSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := &models.Session{ID: 9001, SpotID: 2, StationID: 1, UserID: 5, PricePerKWh: 3500, StartTime: time.Now().UTC()}

	require.NoError(t, store.SaveActive(ctx, session))
	cached, err := store.GetActive(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.SpotID, cached.SpotID)

	require.NoError(t, store.SaveProgress(ctx, &models.Progress{
		SessionID:                     session.ID,
		EnergyDeliveredKWh:            12.5,
		EstimatedTimeRemainingMinutes: null.IntFrom(30),
	}))
	latest, err := store.LatestProgress(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 12.5, latest.EnergyDeliveredKWh)

	require.NoError(t, store.DeleteActive(ctx, session.ID))
	_, err = store.LatestProgress(ctx, session.ID)
	require.ErrorIs(t, err, redis.Nil)
}
