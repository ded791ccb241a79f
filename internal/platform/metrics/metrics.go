package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the provisioning pipeline.
// All methods are nil-safe so tests can pass a nil *Metrics.
type Metrics struct {
	RunsStarted      prometheus.Counter
	RunsSucceeded    prometheus.Counter
	RunsFailed       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ChainFailures    *prometheus.CounterVec
	RegistrySkipped  prometheus.Counter
	JobsEnqueued     prometheus.Counter
	JobsRequeued     prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
	ProviderRetries  *prometheus.CounterVec
	BreakerOpenTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "didvault_provisioning_runs_started_total",
			Help: "Total number of provisioning runs started",
		}),
		RunsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "didvault_provisioning_runs_succeeded_total",
			Help: "Total number of provisioning runs that completed successfully",
		}),
		RunsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "didvault_provisioning_runs_failed_total",
			Help: "Total number of provisioning runs that failed, by stage",
		}, []string{"stage"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "didvault_provisioning_stage_duration_seconds",
			Help:    "Duration of each provisioning stage",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		ChainFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "didvault_wallet_chain_failures_total",
			Help: "Per-chain wallet derivation failures",
		}, []string{"chain"}),
		RegistrySkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "didvault_registry_already_exists_total",
			Help: "On-chain registrations skipped because the DID was already registered",
		}),
		JobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "didvault_provisioning_jobs_enqueued_total",
			Help: "Provisioning jobs enqueued on the durable queue",
		}),
		JobsRequeued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "didvault_provisioning_jobs_requeued_total",
			Help: "Stuck provisioning jobs requeued by the reaper",
		}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "didvault_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		ProviderRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "didvault_provider_retries_total",
			Help: "Retried calls against external providers",
		}, []string{"provider"}),
		BreakerOpenTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "didvault_circuit_breaker_opened_total",
			Help: "Circuit breaker open transitions by provider",
		}, []string{"provider"}),
	}
}

// ObserveRequest records an HTTP request latency sample.
func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, status).Observe(seconds)
}

// ObserveStage records a stage duration sample.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordRunStarted increments the started-runs counter.
func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

// RecordRunSucceeded increments the succeeded-runs counter.
func (m *Metrics) RecordRunSucceeded() {
	if m == nil {
		return
	}
	m.RunsSucceeded.Inc()
}

// RecordRunFailed increments the failed-runs counter for a stage.
func (m *Metrics) RecordRunFailed(stage string) {
	if m == nil {
		return
	}
	m.RunsFailed.WithLabelValues(stage).Inc()
}

// RecordChainFailure increments the per-chain failure counter.
func (m *Metrics) RecordChainFailure(chain string) {
	if m == nil {
		return
	}
	m.ChainFailures.WithLabelValues(chain).Inc()
}

// RecordRegistrySkipped increments the already-registered counter.
func (m *Metrics) RecordRegistrySkipped() {
	if m == nil {
		return
	}
	m.RegistrySkipped.Inc()
}

// RecordJobEnqueued increments the enqueued-jobs counter.
func (m *Metrics) RecordJobEnqueued() {
	if m == nil {
		return
	}
	m.JobsEnqueued.Inc()
}

// RecordJobRequeued increments the requeued-jobs counter.
func (m *Metrics) RecordJobRequeued() {
	if m == nil {
		return
	}
	m.JobsRequeued.Inc()
}

// RecordProviderRetry increments the provider retry counter.
func (m *Metrics) RecordProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// RecordBreakerOpened increments the breaker-opened counter.
func (m *Metrics) RecordBreakerOpened(provider string) {
	if m == nil {
		return
	}
	m.BreakerOpenTotal.WithLabelValues(provider).Inc()
}
