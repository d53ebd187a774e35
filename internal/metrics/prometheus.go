package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Deploy metrics
	DeploysTotal   *prometheus.CounterVec
	DeployDuration *prometheus.HistogramVec
	RollbacksTotal *prometheus.CounterVec

	// Lifecycle metrics
	RemovalsTotal    *prometheus.CounterVec
	SuspensionsTotal prometheus.Counter
	Stacks           *prometheus.GaugeVec

	// Backend metrics
	HealthPolls   *prometheus.CounterVec
	BackendErrors *prometheus.CounterVec

	// Stats cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil
// registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DeploysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_deploys_total",
				Help: "Total number of deploy attempts by outcome",
			},
			[]string{"backend", "result"},
		),

		DeployDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provisioner_deploy_duration_seconds",
				Help:    "Duration of deploy attempts from admission to the final status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"backend"},
		),

		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_rollbacks_total",
				Help: "Total number of rollbacks after failed deploys",
			},
			[]string{"backend", "result"},
		),

		RemovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_removals_total",
				Help: "Total number of stack removals",
			},
			[]string{"result"},
		),

		SuspensionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "provisioner_suspensions_total",
				Help: "Total number of stacks suspended for exceeding storage quota",
			},
		),

		Stacks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provisioner_stacks",
				Help: "Number of registered stacks by status",
			},
			[]string{"status"},
		),

		HealthPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_health_polls_total",
				Help: "Total number of health polls during deploys",
			},
			[]string{"result"},
		),

		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_backend_errors_total",
				Help: "Total number of backend operation errors",
			},
			[]string{"backend", "operation"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_stats_cache_hits_total",
				Help: "Total number of stats snapshot cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_stats_cache_misses_total",
				Help: "Total number of stats snapshot cache misses",
			},
			[]string{"cache_type"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_notifications_total",
				Help: "Total number of notification deliveries by outcome",
			},
			[]string{"kind", "result"},
		),
	}
}

// RecordDeploy records the outcome of a deploy attempt
func (m *Metrics) RecordDeploy(backend, result string, duration float64) {
	m.DeploysTotal.WithLabelValues(backend, result).Inc()
	m.DeployDuration.WithLabelValues(backend).Observe(duration)
}

// RecordRollback records a rollback
func (m *Metrics) RecordRollback(backend, result string) {
	m.RollbacksTotal.WithLabelValues(backend, result).Inc()
}

// RecordRemoval records a stack removal
func (m *Metrics) RecordRemoval(result string) {
	m.RemovalsTotal.WithLabelValues(result).Inc()
}

// RecordSuspension records a quota suspension
func (m *Metrics) RecordSuspension() {
	m.SuspensionsTotal.Inc()
}

// RecordHealthPoll records one health poll during a deploy
func (m *Metrics) RecordHealthPoll(result string) {
	m.HealthPolls.WithLabelValues(result).Inc()
}

// RecordBackendError records a failed backend operation
func (m *Metrics) RecordBackendError(backend, operation string) {
	m.BackendErrors.WithLabelValues(backend, operation).Inc()
}

// RecordCacheHit records a stats cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a stats cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordNotification records a notification delivery
func (m *Metrics) RecordNotification(kind, result string) {
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// SetStacks replaces the per-status stack counts
func (m *Metrics) SetStacks(counts map[string]int) {
	m.Stacks.Reset()
	for status, n := range counts {
		m.Stacks.WithLabelValues(status).Set(float64(n))
	}
}
