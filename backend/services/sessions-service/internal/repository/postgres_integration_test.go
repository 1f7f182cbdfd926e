package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v4"

	libdb "evcharge/backend/libs/db"
	"evcharge/backend/services/sessions-service/internal/models"
)

// openTestDB creates a throwaway schema in PG_DSN and applies the migrations into it.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	admin, err := libdb.NewPostgresDB(dsn)
	require.NoError(t, err)
	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	_, err = admin.Exec(`CREATE SCHEMA ` + schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(`DROP SCHEMA ` + schema + ` CASCADE`)
		admin.Close()
	})

	scoped := dsn + " search_path=" + schema
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		scoped = dsn + sep + "search_path=" + schema
	}
	db, err := libdb.NewPostgresDB(scoped)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ddl, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(ddl))
	require.NoError(t, err)
	return db
}

func seed(t *testing.T, db *sql.DB) (stationID, spotID, userID int64) {
	t.Helper()
	require.NoError(t, db.QueryRow(`INSERT INTO charging_stations (name) VALUES ('Depot') RETURNING id`).Scan(&stationID))
	require.NoError(t, db.QueryRow(
		`INSERT INTO charging_spots (station_id, spot_number, power_output_kw, price_per_kwh) VALUES ($1, 'A1', 50, 3500) RETURNING id`,
		stationID,
	).Scan(&spotID))
	require.NoError(t, db.QueryRow(`INSERT INTO users (email) VALUES ('driver@example.com') RETURNING id`).Scan(&userID))
	return stationID, spotID, userID
}

func newRunningSession(stationID, spotID, userID int64) *models.Session {
	return &models.Session{
		SpotID:      spotID,
		StationID:   stationID,
		UserID:      userID,
		Status:      models.SessionInProgress,
		StartTime:   time.Now().UTC(),
		PricePerKWh: 3500,
		InitialSoc:  20,
		CurrentSoc:  20,
		TargetSoc:   100,
	}
}

func TestPostgresSingleWinnerStart(t *testing.T) {
	db := openTestDB(t)
	stationID, spotID, userID := seed(t, db)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		busy    int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.StartSession(ctx, StartParams{
				Session:              newRunningSession(stationID, spotID, userID),
				ExpectedSpotStatuses: []models.SpotStatus{models.SpotAvailable},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrSpotBusy):
				busy++
			default:
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
	require.Equal(t, contenders-1, busy)

	spot, err := NewSpotRepository(db).GetSpot(ctx, spotID)
	require.NoError(t, err)
	require.Equal(t, models.SpotOccupied, spot.Status)
}

func TestPostgresProgressAndFinish(t *testing.T) {
	db := openTestDB(t)
	stationID, spotID, userID := seed(t, db)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	session, err := repo.StartSession(ctx, StartParams{
		Session:              newRunningSession(stationID, spotID, userID),
		ExpectedSpotStatuses: []models.SpotStatus{models.SpotAvailable},
	})
	require.NoError(t, err)

	for i, energy := range []float64{5, 10, 7} {
		err := repo.RecordProgress(ctx, &models.Progress{
			SessionID:          session.ID,
			RecordedAt:         time.Now().UTC().Add(time.Duration(i) * time.Second),
			SocPercentage:      30 + float64(i),
			PowerKW:            50,
			EnergyDeliveredKWh: energy,
		})
		if energy == 7 {
			require.ErrorIs(t, err, ErrPreconditionFailed)
			continue
		}
		require.NoError(t, err)
	}

	latest, err := repo.LatestProgress(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 10.0, latest.EnergyDeliveredKWh)

	history, err := repo.ListProgress(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	newest, err := repo.ListProgress(ctx, session.ID, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	require.Equal(t, 10.0, newest[0].EnergyDeliveredKWh)

	_, err = repo.FinishSession(ctx, FinishParams{
		SessionID:          session.ID,
		From:               models.SessionInProgress,
		To:                 models.SessionCompleted,
		EndTime:            time.Now().UTC(),
		EnergyDeliveredKWh: null.FloatFrom(5),
		Cost:               null.FloatFrom(5*3500 + 10000),
		SpotTo:             models.SpotAvailable,
	})
	require.ErrorIs(t, err, ErrPreconditionFailed)

	finished, err := repo.FinishSession(ctx, FinishParams{
		SessionID:          session.ID,
		From:               models.SessionInProgress,
		To:                 models.SessionCompleted,
		EndTime:            time.Now().UTC(),
		EnergyDeliveredKWh: null.FloatFrom(10),
		Cost:               null.FloatFrom(10*3500 + 10000),
		SpotTo:             models.SpotAvailable,
	})
	require.NoError(t, err)
	require.True(t, finished.SpotChanged)
	require.Equal(t, models.SessionCompleted, finished.Session.Status)
	require.Equal(t, 45000.0, finished.Session.Cost.Float64)

	_, err = repo.FinishSession(ctx, FinishParams{
		SessionID: session.ID,
		From:      models.SessionInProgress,
		To:        models.SessionCancelled,
		EndTime:   time.Now().UTC(),
		SpotTo:    models.SpotAvailable,
	})
	require.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = repo.GetSession(ctx, session.ID+1000)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FinishSession(ctx, FinishParams{
		SessionID: session.ID + 1000,
		From:      models.SessionInProgress,
		To:        models.SessionCancelled,
		EndTime:   time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrNotFound)
}
