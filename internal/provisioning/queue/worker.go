package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"didvault/internal/platform/metrics"
	"didvault/internal/provisioning"
	"didvault/pkg/platform/sentinel"
)

// maxAttempts bounds redelivery for jobs that keep losing the run lease.
const maxAttempts = 5

// requeueBackoff is the per-attempt spacing for contended jobs. Without it
// all redeliveries would burn within one poll while the holder still runs.
const requeueBackoff = 2 * time.Second

// requeueDelay grows linearly with the attempt about to be redelivered.
func requeueDelay(attempt int) time.Duration {
	if attempt < 2 {
		attempt = 2
	}
	return time.Duration(attempt-1) * requeueBackoff
}

// Runner executes one provisioning run. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, userID string) (provisioning.Summary, error)
}

// Worker consumes provisioning jobs and drives the pipeline. Offsets are
// committed only after the job row reflects the outcome, so a crash mid-run
// redelivers rather than drops.
type Worker struct {
	client      *kgo.Client
	jobs        provisioning.JobStore
	runner      Runner
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxInFlight int
}

// NewWorker joins the consumer group for the jobs topic.
func NewWorker(brokers []string, topic, group string, jobs provisioning.JobStore, runner Runner, maxInFlight int, logger *slog.Logger, m *metrics.Metrics) (*Worker, error) {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.DisableAutoCommit(),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka consumer: %w", err)
	}
	return &Worker{
		client:      client,
		jobs:        jobs,
		runner:      runner,
		logger:      logger,
		metrics:     m,
		maxInFlight: maxInFlight,
	}, nil
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		fetches := w.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			w.logger.ErrorContext(ctx, "fetch error",
				"topic", topic,
				"partition", partition,
				"error", err.Error(),
			)
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(w.maxInFlight)
		for _, record := range records {
			group.Go(func() error {
				w.process(groupCtx, record)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		if err := w.client.CommitRecords(ctx, records...); err != nil {
			w.logger.ErrorContext(ctx, "commit offsets failed", "error", err.Error())
		}
	}
}

// process runs one job through the pipeline and records its outcome.
// Malformed records are logged and dropped; redelivering them cannot help.
func (w *Worker) process(ctx context.Context, record *kgo.Record) {
	var msg jobMessage
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		w.logger.ErrorContext(ctx, "malformed job record, dropping",
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err.Error(),
		)
		return
	}

	job, err := w.jobs.FindJob(ctx, msg.JobID)
	if err != nil {
		w.logger.ErrorContext(ctx, "job record without job row, dropping",
			"job_id", msg.JobID,
			"error", err.Error(),
		)
		return
	}
	if job.State == provisioning.JobSucceeded {
		return
	}

	job.State = provisioning.JobRunning
	job.Attempt = msg.Attempt
	job.UpdatedAt = time.Now().UTC()
	if err := w.jobs.UpdateJob(ctx, job); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark job running",
			"job_id", job.ID,
			"error", err.Error(),
		)
		return
	}

	summary, runErr := w.runner.Run(ctx, job.UserID)
	switch {
	case runErr == nil:
		job.State = provisioning.JobSucceeded
		job.Stage = ""
		job.Error = ""
	case errors.Is(runErr, sentinel.ErrRunInProgress):
		w.retryLater(ctx, job)
		return
	default:
		job.State = provisioning.JobFailed
		job.Stage = failedStage(summary)
		job.Error = runErr.Error()
	}
	job.UpdatedAt = time.Now().UTC()
	if err := w.jobs.UpdateJob(ctx, job); err != nil {
		w.logger.ErrorContext(ctx, "failed to record job outcome",
			"job_id", job.ID,
			"state", string(job.State),
			"error", err.Error(),
		)
	}
}

// retryLater re-produces a job that lost the per-user run lease. After
// maxAttempts the job fails instead of circulating forever.
func (w *Worker) retryLater(ctx context.Context, job provisioning.Job) {
	if job.Attempt >= maxAttempts {
		job.State = provisioning.JobFailed
		job.Error = "run lease contention persisted across attempts"
		job.UpdatedAt = time.Now().UTC()
		if err := w.jobs.UpdateJob(ctx, job); err != nil {
			w.logger.ErrorContext(ctx, "failed to fail exhausted job",
				"job_id", job.ID,
				"error", err.Error(),
			)
		}
		return
	}

	// Wait while the row still reads running: a shutdown mid-wait leaves it
	// for the reaper to re-enqueue.
	select {
	case <-ctx.Done():
		return
	case <-time.After(requeueDelay(job.Attempt + 1)):
	}

	job.State = provisioning.JobQueued
	job.Attempt++
	job.UpdatedAt = time.Now().UTC()
	if err := w.jobs.UpdateJob(ctx, job); err != nil {
		w.logger.ErrorContext(ctx, "failed to requeue contended job",
			"job_id", job.ID,
			"error", err.Error(),
		)
		return
	}
	payload, err := json.Marshal(jobMessage{JobID: job.ID, UserID: job.UserID, Attempt: job.Attempt})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to encode requeued job",
			"job_id", job.ID,
			"error", err.Error(),
		)
		return
	}
	w.client.Produce(ctx, &kgo.Record{Key: []byte(job.UserID), Value: payload}, func(_ *kgo.Record, err error) {
		if err != nil {
			w.logger.Error("failed to re-produce contended job",
				"job_id", job.ID,
				"error", err.Error(),
			)
			return
		}
		w.metrics.RecordJobRequeued()
	})
}

func failedStage(summary provisioning.Summary) provisioning.Stage {
	for _, stage := range []provisioning.Stage{
		provisioning.StageVault,
		provisioning.StageAnchor,
		provisioning.StageDIDMint,
		provisioning.StageRegister,
	} {
		if _, ok := summary.Errors[string(stage)]; ok {
			return stage
		}
	}
	return ""
}

// Close leaves the consumer group.
func (w *Worker) Close() {
	w.client.Close()
}
