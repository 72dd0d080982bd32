// Package metrics exports the service's Prometheus metrics. A Collector is
// passed to the provider, the executor and the verification client as their
// observer.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/volunteerhub/signupdb"
	"github.com/volunteerhub/signupdb/verify"
)

// Collector holds the metric vectors.
type Collector struct {
	poolState          *prometheus.GaugeVec
	poolTransitions    *prometheus.CounterVec
	connectAttempts    *prometheus.CounterVec
	connectDuration    prometheus.Histogram
	poolConnsOpen      prometheus.Gauge
	poolConnsInUse     prometheus.Gauge
	poolWaitCount      prometheus.Gauge
	statements         *prometheus.CounterVec
	statementDuration  *prometheus.HistogramVec
	verifications      *prometheus.CounterVec
	verifyDuration     *prometheus.HistogramVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

// NewCollector registers the metrics on reg under namespace.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	f := promauto.With(reg)
	c := &Collector{}

	c.poolState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sql_pool_state",
		Help:      "1 for the current connection pool state, 0 for the others",
	}, []string{"state"})

	c.poolTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sql_pool_transitions_total",
		Help:      "Connection pool state transitions",
	}, []string{"from", "to"})

	c.connectAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sql_connect_attempts_total",
		Help:      "Physical connection attempts by outcome",
	}, []string{"outcome"})

	c.connectDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sql_connect_duration_seconds",
		Help:      "Duration of a single connection attempt",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	c.poolConnsOpen = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sql_pool_connections_open",
		Help:      "Open physical connections",
	})

	c.poolConnsInUse = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sql_pool_connections_in_use",
		Help:      "Connections currently running a statement",
	})

	c.poolWaitCount = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sql_pool_wait_count",
		Help:      "Total number of waits for a free connection",
	})

	c.statements = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sql_statements_total",
		Help:      "Statements executed by kind and result",
	}, []string{"op", "result"})

	c.statementDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sql_statement_duration_seconds",
		Help:      "Statement duration including pool acquisition",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	c.verifications = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Downstream verification calls by service and classification",
	}, []string{"service", "classification"})

	c.verifyDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "verification_duration_seconds",
		Help:      "Downstream verification call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service"})

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	c.httpRequestLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	for _, s := range []signupdb.State{signupdb.StateUnconnected, signupdb.StateConnecting, signupdb.StateConnected, signupdb.StateFailed} {
		c.poolState.WithLabelValues(s.String()).Set(0)
	}
	c.poolState.WithLabelValues(signupdb.StateUnconnected.String()).Set(1)
	return c
}

// PoolStateChanged implements signupdb.Observer.
func (c *Collector) PoolStateChanged(from, to signupdb.State) {
	c.poolState.WithLabelValues(from.String()).Set(0)
	c.poolState.WithLabelValues(to.String()).Set(1)
	c.poolTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ConnectAttempt implements signupdb.Observer.
func (c *Collector) ConnectAttempt(outcome string, elapsed time.Duration) {
	c.connectAttempts.WithLabelValues(outcome).Inc()
	c.connectDuration.Observe(elapsed.Seconds())
}

// Statement implements signupdb.StatementObserver.
func (c *Collector) Statement(op string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.statements.WithLabelValues(op, result).Inc()
	c.statementDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Verification implements verify.Observer.
func (c *Collector) Verification(service string, cl verify.Classification, elapsed time.Duration, err error) {
	label := string(cl)
	switch {
	case err == nil:
	case errors.Is(err, verify.ErrTimeout):
		label = "timeout"
	default:
		label = "error"
	}
	c.verifications.WithLabelValues(service, label).Inc()
	c.verifyDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// RecordPoolStats copies database/sql's pool counters.
func (c *Collector) RecordPoolStats(s sql.DBStats) {
	c.poolConnsOpen.Set(float64(s.OpenConnections))
	c.poolConnsInUse.Set(float64(s.InUse))
	c.poolWaitCount.Set(float64(s.WaitCount))
}

// RecordHTTPRequest records one handled request. route is the pattern, not
// the raw path.
func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

var (
	_ signupdb.Observer          = (*Collector)(nil)
	_ signupdb.StatementObserver = (*Collector)(nil)
	_ verify.Observer            = (*Collector)(nil)
)
