package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/metrics"
)

// Job is a periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their own tickers until the context ends.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

// NewScheduler constructs a Scheduler. Jobs with a non-positive interval are skipped.
func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	active := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Interval > 0 && job.Run != nil {
			active = append(active, job)
		}
	}
	return &Scheduler{jobs: active, logger: logger}
}

// Start blocks until ctx is done and every job loop has returned.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	started := time.Now()
	err := job.Run(ctx)
	metrics.ObserveJob(job.Name, err, time.Since(started))
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("job run failed", zap.String("job", job.Name), zap.Error(err))
	}
}
