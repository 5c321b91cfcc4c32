// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for curator. Metrics live on a private registry so that several
// providers can coexist in one process (tests, CLI commands).
//
// A nil *Provider is valid and records nothing.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "curator"

// Processing outcomes.
const (
	OutcomeReady     = "ready"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeLeaseLost = "lease_lost"
)

// Clustering outcomes.
const (
	ClusterOutcomeReplaced  = "replaced"
	ClusterOutcomeSkipped   = "skipped"
	ClusterOutcomeContended = "contended"
	ClusterOutcomeFailed    = "failed"
)

// Metrics holds all curator Prometheus metrics
type Metrics struct {
	// Processing metrics
	ProcessingOutcomes *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	StageFailures      *prometheus.CounterVec
	RetriesScheduled   prometheus.Counter
	JobsReclaimed      prometheus.Counter
	CategoryFallbacks  prometheus.Counter

	// Ingestion metrics
	SavesCreated    *prometheus.CounterVec
	DuplicateSaves  prometheus.Counter
	ContentResolved *prometheus.CounterVec

	// Clustering metrics
	ClusteringRuns     *prometheus.CounterVec
	ClusteringDuration prometheus.Histogram
	ClustersPerRun     prometheus.Histogram
	LockContention     prometheus.Counter

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// Provider wraps telemetry providers
type Provider struct {
	Tracer   trace.Tracer
	Metrics  *Metrics
	registry *prometheus.Registry
}

// NewProvider initializes telemetry with a fresh Prometheus registry and
// the global tracer provider.
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Provider{
		Tracer:   otel.Tracer(serviceName),
		Metrics:  initMetrics(promauto.With(reg)),
		registry: reg,
	}
}

// NewNoopProvider records metrics on a private registry but discards spans.
func NewNoopProvider() *Provider {
	p := NewProvider()
	p.Tracer = noop.NewTracerProvider().Tracer(serviceName)
	return p
}

// Registry exposes the underlying registry, mostly for tests.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func initMetrics(f promauto.Factory) *Metrics {
	m := &Metrics{}
	initProcessingMetrics(f, m)
	initIngestMetrics(f, m)
	initClusteringMetrics(f, m)
	initQueueMetrics(f, m)
	initHTTPMetrics(f, m)
	return m
}

func initProcessingMetrics(f promauto.Factory, m *Metrics) {
	m.ProcessingOutcomes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_processing_outcomes_total",
		Help: "Processing attempts by outcome",
	}, []string{"outcome"})

	m.StageDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curator_stage_duration_seconds",
		Help:    "Time spent in each processing stage",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	m.StageFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_stage_failures_total",
		Help: "Stage failures by stage and kind (transient, permanent)",
	}, []string{"stage", "kind"})

	m.RetriesScheduled = f.NewCounter(prometheus.CounterOpts{
		Name: "curator_retries_scheduled_total",
		Help: "Jobs parked for a delayed retry",
	})

	m.JobsReclaimed = f.NewCounter(prometheus.CounterOpts{
		Name: "curator_jobs_reclaimed_total",
		Help: "Jobs reclaimed after their lease expired or their message was lost",
	})

	m.CategoryFallbacks = f.NewCounter(prometheus.CounterOpts{
		Name: "curator_category_fallbacks_total",
		Help: "Classifications outside the closed set that fell back to Misc",
	})
}

func initIngestMetrics(f promauto.Factory, m *Metrics) {
	m.SavesCreated = f.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_saves_created_total",
		Help: "Saves created, by whether the shared record was new",
	}, []string{"new_content"})

	m.DuplicateSaves = f.NewCounter(prometheus.CounterOpts{
		Name: "curator_duplicate_saves_total",
		Help: "Submissions rejected because the user already saved the content",
	})

	m.ContentResolved = f.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_content_resolved_total",
		Help: "Registry lookups by platform and whether a record was created",
	}, []string{"platform", "created"})
}

func initClusteringMetrics(f promauto.Factory, m *Metrics) {
	m.ClusteringRuns = f.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_clustering_runs_total",
		Help: "Partition recomputes by outcome",
	}, []string{"outcome"})

	m.ClusteringDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "curator_clustering_duration_seconds",
		Help:    "Time to recompute one partition",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	m.ClustersPerRun = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "curator_clusters_per_run",
		Help:    "Clusters written per recompute",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 12, 20},
	})

	m.LockContention = f.NewCounter(prometheus.CounterOpts{
		Name: "curator_partition_lock_contention_total",
		Help: "Recomputes that could not take the partition lock in time",
	})
}

func initQueueMetrics(f promauto.Factory, m *Metrics) {
	m.QueueDepth = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "curator_queue_depth",
		Help: "Messages waiting per stream, split into ready and delayed",
	}, []string{"stream", "state"})
}

func initHTTPMetrics(f promauto.Factory, m *Metrics) {
	m.HTTPRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	m.HTTPDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curator_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
}

// RecordOutcome counts one processing attempt outcome.
func (p *Provider) RecordOutcome(outcome string) {
	if p == nil {
		return
	}
	p.Metrics.ProcessingOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStage records the duration of a stage and, when err is non-nil, its
// failure kind.
func (p *Provider) RecordStage(stage string, duration time.Duration, failureKind string) {
	if p == nil {
		return
	}
	p.Metrics.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if failureKind != "" {
		p.Metrics.StageFailures.WithLabelValues(stage, failureKind).Inc()
	}
}

// RecordRetry counts a scheduled retry.
func (p *Provider) RecordRetry() {
	if p == nil {
		return
	}
	p.Metrics.RetriesScheduled.Inc()
}

// RecordReclaimed counts reclaimed jobs.
func (p *Provider) RecordReclaimed(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.Metrics.JobsReclaimed.Add(float64(n))
}

// RecordCategoryFallback counts an out-of-set classification.
func (p *Provider) RecordCategoryFallback() {
	if p == nil {
		return
	}
	p.Metrics.CategoryFallbacks.Inc()
}

// RecordResolve counts a registry lookup.
func (p *Provider) RecordResolve(platform string, created bool) {
	if p == nil {
		return
	}
	p.Metrics.ContentResolved.WithLabelValues(platform, boolLabel(created)).Inc()
}

// RecordSave counts a created save.
func (p *Provider) RecordSave(newContent bool) {
	if p == nil {
		return
	}
	p.Metrics.SavesCreated.WithLabelValues(boolLabel(newContent)).Inc()
}

// RecordDuplicateSave counts a rejected duplicate submission.
func (p *Provider) RecordDuplicateSave() {
	if p == nil {
		return
	}
	p.Metrics.DuplicateSaves.Inc()
}

// RecordClustering records one partition recompute.
func (p *Provider) RecordClustering(outcome string, duration time.Duration, clusters int) {
	if p == nil {
		return
	}
	p.Metrics.ClusteringRuns.WithLabelValues(outcome).Inc()
	if outcome == ClusterOutcomeReplaced || outcome == ClusterOutcomeSkipped {
		p.Metrics.ClusteringDuration.Observe(duration.Seconds())
		p.Metrics.ClustersPerRun.Observe(float64(clusters))
	}
}

// RecordLockContention counts a recompute that lost the race for the lock.
func (p *Provider) RecordLockContention() {
	if p == nil {
		return
	}
	p.Metrics.LockContention.Inc()
}

// SetQueueDepth sets the current depth of a stream.
func (p *Provider) SetQueueDepth(stream string, ready, delayed int64) {
	if p == nil {
		return
	}
	p.Metrics.QueueDepth.WithLabelValues(stream, "ready").Set(float64(ready))
	p.Metrics.QueueDepth.WithLabelValues(stream, "delayed").Set(float64(delayed))
}

// SetPendingDepth sets how many messages of a stream are delivered but not
// yet acknowledged.
func (p *Provider) SetPendingDepth(stream string, pending int64) {
	if p == nil {
		return
	}
	p.Metrics.QueueDepth.WithLabelValues(stream, "pending").Set(float64(pending))
}

// StartSpan starts a new trace span.
// The caller is responsible for ending the span with span.End().
//
//nolint:spancheck // Caller is responsible for ending the span
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
