package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Retention deletes snapshots older than MaxAge on a fixed interval.
type Retention struct {
	store     Store
	maxAge    time.Duration
	now       func() time.Time
	log       *slog.Logger
	scheduler gocron.Scheduler
}

// NewRetention builds a retention job for store. It does nothing until Start.
func NewRetention(store Store, maxAge time.Duration, log *slog.Logger) (*Retention, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create retention scheduler: %w", err)
	}
	return &Retention{store: store, maxAge: maxAge, now: time.Now, log: log, scheduler: s}, nil
}

// Start schedules a sweep every interval and runs one immediately.
func (r *Retention) Start(interval time.Duration) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.sweep),
		gocron.WithName("checkpoint-retention"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	r.log.Info("checkpoint retention started", "max_age", r.maxAge, "interval", interval)
	r.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (r *Retention) Stop() error {
	return r.scheduler.Shutdown()
}

func (r *Retention) sweep() {
	if _, err := r.Sweep(context.Background()); err != nil {
		r.log.Error("checkpoint retention failed", "error", err)
	}
}

// Sweep prunes once and returns the number of snapshots removed.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.log.Info("pruned checkpoints", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
