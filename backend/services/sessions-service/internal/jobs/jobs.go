// Package jobs holds the background work of the sessions service: simulated progress
// snapshots, the reservation sweeper and QR code rotation.
package jobs

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"

	"evcharge/backend/services/sessions-service/internal/progress"
	"evcharge/backend/services/sessions-service/internal/service"
)

// SnapshotJob feeds simulated progress of every InProgress session into UpdateProgress.
type SnapshotJob struct {
	sessions *service.SessionsService
	now      func() time.Time
	logger   *zap.Logger
}

// NewSnapshotJob builds job.
func NewSnapshotJob(sessions *service.SessionsService, logger *zap.Logger) *SnapshotJob {
	return &SnapshotJob{
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// RunOnce records one snapshot per running session and returns how many were applied.
// Per-session failures are logged, not returned.
func (j *SnapshotJob) RunOnce(ctx context.Context) (int, error) {
	running, err := j.sessions.ListInProgress(ctx, 0)
	if err != nil {
		return 0, err
	}

	now := j.now()
	applied := 0
	for i := range running {
		session := &running[i]
		in := j.sessions.SimulationInput(ctx, session, now)
		estimate := progress.Simulate(in)

		power := in.RatedPowerKW
		if estimate.SocFraction >= 1 {
			power = 0
		}
		result, err := j.sessions.UpdateProgress(ctx, service.ProgressInput{
			SessionID:                     session.ID,
			SocPercentage:                 estimate.CurrentSoc,
			PowerKW:                       power,
			EnergyDeliveredKWh:            estimate.EnergyDeliveredKWh,
			EstimatedTimeRemainingMinutes: null.IntFrom(int64(math.Round(estimate.EstimatedTimeRemainingMinutes))),
			RecordedAt:                    now,
		})
		if err != nil {
			if !errors.Is(err, service.ErrInvalidTransition) {
				j.logger.Warn("snapshot failed", zap.Int64("session_id", session.ID), zap.Error(err))
			}
			continue
		}
		if result.Applied {
			applied++
		}
	}
	return applied, nil
}

// Job adapts the snapshot run for the scheduler.
func (j *SnapshotJob) Job(interval time.Duration) Job {
	return Job{
		Name:     "progress_snapshot",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := j.RunOnce(ctx)
			return err
		},
	}
}

// ReservationSweepJob closes overdue reservations.
func ReservationSweepJob(reservations *service.ReservationsService, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     "reservation_sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			closed, err := reservations.Sweep(ctx)
			if closed > 0 {
				logger.Info("overdue reservations closed", zap.Int("count", closed))
			}
			return err
		},
	}
}

// QRRotationJob replaces every spot's QR code.
func QRRotationJob(spots *service.SpotsService, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     "qr_rotation",
		Interval: interval,
		Run: func(ctx context.Context) error {
			rotated, err := spots.RotateQR(ctx)
			logger.Debug("qr codes rotated", zap.Int("count", rotated))
			return err
		},
	}
}
