// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"worktally/internal/core/tenant"
)

const namespace = "worktally"

// Metrics groups every collector. It implements tenant.Observer.
type Metrics struct {
	RouteTotal    *prometheus.CounterVec
	RouteDuration prometheus.Histogram
	PoolsOpen     prometheus.Gauge
	PoolsClosed   *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	PaymentsTotal *prometheus.CounterVec
	RenewalsTotal *prometheus.CounterVec
	OutboxRelayed prometheus.Counter
	IdempotencyGC prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RouteTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "routes_total",
			Help:      "Tenant routing attempts by outcome.",
		}, []string{"outcome"}), // outcome: ok, not_found, inactive, no_database, error
		RouteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "route_duration_seconds",
			Help:      "Time to resolve a tenant handle.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PoolsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "pools_open",
			Help:      "Tenant connection pools currently open.",
		}),
		PoolsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "pools_closed_total",
			Help:      "Tenant pools closed by reason.",
		}, []string{"reason"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		PaymentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "payments_total",
			Help:      "Payment confirmations by gateway and resulting status.",
		}, []string{"gateway", "status"}),
		RenewalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "renewals_total",
			Help:      "Renewal worker actions by outcome.",
		}, []string{"outcome"}), // outcome: renewed, failed, grace_expired, error
		OutboxRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "relayed_total",
			Help:      "Outbox messages delivered.",
		}),
		IdempotencyGC: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "expired_deleted_total",
			Help:      "Expired idempotency keys removed.",
		}),
	}
}

func (m *Metrics) RouteResolved(outcome string, elapsed time.Duration) {
	m.RouteTotal.WithLabelValues(outcome).Inc()
	m.RouteDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PoolOpened() { m.PoolsOpen.Inc() }

func (m *Metrics) PoolClosed(reason string) {
	m.PoolsOpen.Dec()
	m.PoolsClosed.WithLabelValues(reason).Inc()
}

// ObserveHTTP records one finished request. route is the matched pattern,
// not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) PaymentConfirmed(gateway, status string) {
	m.PaymentsTotal.WithLabelValues(gateway, status).Inc()
}

func (m *Metrics) Renewal(outcome string) {
	m.RenewalsTotal.WithLabelValues(outcome).Inc()
}

var _ tenant.Observer = (*Metrics)(nil)
