// Package queue is the durable provisioning job queue. Jobs are persisted in
// the job store for status queries and produced to Kafka for delivery;
// records are keyed by user id so retries for the same user stay ordered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"didvault/internal/platform/metrics"
	"didvault/internal/provisioning"
)

// jobMessage is the wire form of a queued provisioning request.
type jobMessage struct {
	JobID   string `json:"jobId"`
	UserID  string `json:"userId"`
	Attempt int    `json:"attempt"`
}

// Publisher enqueues provisioning jobs.
type Publisher struct {
	client  *kgo.Client
	jobs    provisioning.JobStore
	topic   string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPublisher connects a producer to the broker set.
func NewPublisher(brokers []string, topic string, jobs provisioning.JobStore, logger *slog.Logger, m *metrics.Metrics) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return &Publisher{
		client:  client,
		jobs:    jobs,
		topic:   topic,
		logger:  logger,
		metrics: m,
	}, nil
}

// EnsureTopic creates the jobs topic when it does not exist yet.
func (p *Publisher) EnsureTopic(ctx context.Context, partitions int32) error {
	admin := kadm.NewClient(p.client)
	resp, err := admin.CreateTopics(ctx, partitions, 1, nil, p.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.topic, err)
	}
	for _, result := range resp {
		if result.Err != nil && !errors.Is(result.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", result.Topic, result.Err)
		}
	}
	return nil
}

// Enqueue records the job and produces it. The job row is written first so a
// produce failure leaves a queryable failed job rather than a silent drop.
func (p *Publisher) Enqueue(ctx context.Context, userID string) (provisioning.Job, error) {
	now := time.Now().UTC()
	job := provisioning.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		State:      provisioning.JobQueued,
		Attempt:    1,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return provisioning.Job{}, fmt.Errorf("persist job: %w", err)
	}

	if err := p.produce(ctx, job); err != nil {
		job.State = provisioning.JobFailed
		job.Error = err.Error()
		job.UpdatedAt = time.Now().UTC()
		if updateErr := p.jobs.UpdateJob(ctx, job); updateErr != nil {
			p.logger.ErrorContext(ctx, "failed to mark unproduced job",
				"job_id", job.ID,
				"error", updateErr.Error(),
			)
		}
		return provisioning.Job{}, err
	}

	p.metrics.RecordJobEnqueued()
	p.logger.InfoContext(ctx, "provisioning job enqueued",
		"job_id", job.ID,
		"user_id", userID,
	)
	return job, nil
}

// Requeue re-produces a stuck job with a bumped attempt counter.
func (p *Publisher) Requeue(ctx context.Context, job provisioning.Job) error {
	job.State = provisioning.JobQueued
	job.Attempt++
	job.Error = ""
	job.UpdatedAt = time.Now().UTC()
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job queued: %w", err)
	}
	if err := p.produce(ctx, job); err != nil {
		return err
	}
	p.metrics.RecordJobRequeued()
	return nil
}

func (p *Publisher) produce(ctx context.Context, job provisioning.Job) error {
	payload, err := json.Marshal(jobMessage{JobID: job.ID, UserID: job.UserID, Attempt: job.Attempt})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(job.UserID),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce job: %w", err)
	}
	return nil
}

// Close flushes pending records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
