package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"didvault/internal/provisioning"
)

// Reaper periodically requeues jobs stuck in the running state, which happens
// when a worker dies between claiming a job and recording its outcome.
type Reaper struct {
	scheduler gocron.Scheduler
	jobs      provisioning.JobStore
	publisher *Publisher
	logger    *slog.Logger

	interval   time.Duration
	stuckAfter time.Duration
}

// NewReaper builds a reaper that sweeps every interval and considers a
// running job stuck once it has gone stuckAfter without an update.
func NewReaper(jobs provisioning.JobStore, publisher *Publisher, interval, stuckAfter time.Duration, logger *slog.Logger) (*Reaper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Reaper{
		scheduler:  scheduler,
		jobs:       jobs,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		stuckAfter: stuckAfter,
	}, nil
}

// Start registers the sweep job and begins the schedule.
func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() { r.sweep(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	r.scheduler.Start()
	return nil
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.stuckAfter)
	stuck, err := r.jobs.ListStuckJobs(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "stuck job sweep failed", "error", err.Error())
		return
	}
	for _, job := range stuck {
		if job.Attempt >= maxAttempts {
			job.State = provisioning.JobFailed
			job.Error = "abandoned after repeated worker loss"
			job.UpdatedAt = time.Now().UTC()
			if err := r.jobs.UpdateJob(ctx, job); err != nil {
				r.logger.ErrorContext(ctx, "failed to fail abandoned job",
					"job_id", job.ID,
					"error", err.Error(),
				)
			}
			continue
		}
		if err := r.publisher.Requeue(ctx, job); err != nil {
			r.logger.ErrorContext(ctx, "failed to requeue stuck job",
				"job_id", job.ID,
				"error", err.Error(),
			)
			continue
		}
		r.logger.InfoContext(ctx, "requeued stuck job",
			"job_id", job.ID,
			"user_id", job.UserID,
			"attempt", job.Attempt+1,
		)
	}
}

// Stop shuts the schedule down.
func (r *Reaper) Stop() error {
	return r.scheduler.Shutdown()
}
