package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	queuedRuns     prometheus.Gauge
	conflictsTotal *prometheus.CounterVec

	checkpointsTotal prometheus.Counter
	streamEvents     *prometheus.CounterVec

	cronFiresTotal *prometheus.CounterVec
	cronJobsArmed  prometheus.Gauge

	webhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_runs_total",
				Help: "Total number of runs by terminal status",
			},
			[]string{"assistant", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_run_duration_seconds",
				Help:    "Run duration from start to terminal status",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"assistant"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentserver_active_runs",
				Help: "Number of runs currently executing",
			},
		),
		queuedRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentserver_queued_runs",
				Help: "Number of pending runs waiting behind another run",
			},
		),
		conflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_multitask_total",
				Help: "Run requests that found an active run, by strategy",
			},
			[]string{"strategy"},
		),

		checkpointsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentserver_checkpoints_total",
				Help: "Total number of checkpoints written",
			},
		),
		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_stream_events_total",
				Help: "Total number of SSE events written, by event type",
			},
			[]string{"event"},
		),

		cronFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_cron_fires_total",
				Help: "Total number of cron firings by outcome",
			},
			[]string{"outcome"},
		),
		cronJobsArmed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentserver_cron_jobs_armed",
				Help: "Number of cron jobs with an active timer",
			},
		),

		webhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_webhook_deliveries_total",
				Help: "Total number of webhook deliveries by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.queuedRuns,
		m.conflictsTotal,
		m.checkpointsTotal,
		m.streamEvents,
		m.cronFiresTotal,
		m.cronJobsArmed,
		m.webhookDeliveries,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RunStarted marks a run as executing.
func (m *Metrics) RunStarted() {
	m.activeRuns.Inc()
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(assistant, status string, duration time.Duration) {
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(assistant, status).Inc()
	m.runDuration.WithLabelValues(assistant).Observe(duration.Seconds())
}

// RunCancelledBeforeStart records a pending run that never executed.
func (m *Metrics) RunCancelledBeforeStart(assistant, status string) {
	m.runsTotal.WithLabelValues(assistant, status).Inc()
}

// AddQueued adjusts the queued runs gauge.
func (m *Metrics) AddQueued(delta int) {
	m.queuedRuns.Add(float64(delta))
}

// RecordMultitask records a run request that met an active run.
func (m *Metrics) RecordMultitask(strategy string) {
	m.conflictsTotal.WithLabelValues(strategy).Inc()
}

// RecordCheckpoint counts a checkpoint write.
func (m *Metrics) RecordCheckpoint() {
	m.checkpointsTotal.Inc()
}

// RecordStreamEvent counts an SSE event written to a client.
func (m *Metrics) RecordStreamEvent(event string) {
	m.streamEvents.WithLabelValues(event).Inc()
}

// RecordCronFire counts a cron firing; outcome is ok, error or expired.
func (m *Metrics) RecordCronFire(outcome string) {
	m.cronFiresTotal.WithLabelValues(outcome).Inc()
}

// SetCronJobsArmed sets the armed cron jobs gauge.
func (m *Metrics) SetCronJobsArmed(count int) {
	m.cronJobsArmed.Set(float64(count))
}

// RecordWebhook counts a webhook delivery attempt.
func (m *Metrics) RecordWebhook(outcome string) {
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}
