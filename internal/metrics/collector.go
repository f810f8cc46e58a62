package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/blueprinthq/valueflow/types"
)

// Collector records engine and HTTP metrics. It satisfies the workflow
// engine's Metrics interface.
type Collector struct {
	// workflow metrics
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionsActive   prometheus.Gauge
	stageAttempts      *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	routingDecisions   *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	compensationRuns   *prometheus.CounterVec
	compensatedStages  prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// database metrics
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. A nil registerer
// falls back to the prometheus default.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.executionsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_started_total",
		Help:      "Total number of workflow executions started",
	})

	c.executionsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Total number of workflow executions finished",
		},
		[]string{"status"},
	)

	c.executionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executions_active",
		Help:      "Number of workflow executions currently running",
	})

	c.stageAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Total number of stage attempts",
		},
		[]string{"lifecycle", "outcome"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"lifecycle"},
	)

	c.routingDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"sticky", "degraded"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"to_state"},
	)

	c.compensationRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_runs_total",
			Help:      "Total number of compensation runs",
		},
		[]string{"result"},
	)

	c.compensatedStages = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensated_stages_total",
		Help:      "Total number of stages compensated during rollbacks",
	})

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// ExecutionStarted implements workflow.Metrics.
func (c *Collector) ExecutionStarted() {
	c.executionsStarted.Inc()
	c.executionsActive.Inc()
}

// ExecutionFinished implements workflow.Metrics.
func (c *Collector) ExecutionFinished(status types.ExecutionStatus) {
	c.executionsFinished.WithLabelValues(string(status)).Inc()
	c.executionsActive.Dec()
}

// StageAttempt implements workflow.Metrics.
func (c *Collector) StageAttempt(lifecycle types.LifecycleStage, outcome string, duration float64) {
	c.stageAttempts.WithLabelValues(string(lifecycle), outcome).Inc()
	c.stageDuration.WithLabelValues(string(lifecycle)).Observe(duration)
}

// RoutingDecision implements workflow.Metrics.
func (c *Collector) RoutingDecision(sticky, degraded bool) {
	c.routingDecisions.WithLabelValues(boolLabel(sticky), boolLabel(degraded)).Inc()
}

// BreakerTransition implements workflow.Metrics.
func (c *Collector) BreakerTransition(to string) {
	c.breakerTransitions.WithLabelValues(to).Inc()
}

// CompensationRun implements workflow.Metrics.
func (c *Collector) CompensationRun(succeeded bool, stages int) {
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	c.compensationRuns.WithLabelValues(result).Inc()
	c.compensatedStages.Add(float64(stages))
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBConnections records the connection pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// statusCode buckets HTTP status codes by class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
