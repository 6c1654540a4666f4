// Package metrics exposes the thin, external-collaborator-only
// Prometheus surface: queue depth by status, push outcomes, the audit
// journal's monotonic seq, and authenticator cache hit/miss. Nothing
// in the core pipeline reads these values back to make decisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its own Prometheus registry, keeping this process's
// custom metrics isolated from the default global registry.
type Collector struct {
	registry *prometheus.Registry

	queueDepth         *prometheus.GaugeVec
	pushAttemptsTotal  *prometheus.CounterVec
	auditSeq           prometheus.Gauge
	authCacheTotal     *prometheus.CounterVec
	ingressTotal       *prometheus.CounterVec
}

// NewCollector builds a Collector and registers every metric.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cot_relay_queue_depth",
		Help: "Current count of queue items by status",
	}, []string{"status"})
	reg.MustRegister(c.queueDepth)

	c.pushAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cot_relay_push_attempts_total",
		Help: "Total number of TAK push attempts by outcome",
	}, []string{"outcome"})
	reg.MustRegister(c.pushAttemptsTotal)

	c.auditSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cot_relay_audit_journal_seq",
		Help: "Most recently assigned audit journal sequence number",
	})
	reg.MustRegister(c.auditSeq)

	c.authCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cot_relay_authenticator_cache_total",
		Help: "Bearer token validation cache lookups by result",
	}, []string{"result"})
	reg.MustRegister(c.authCacheTotal)

	c.ingressTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cot_relay_ingress_requests_total",
		Help: "Total ingress detection requests by outcome",
	}, []string{"outcome"})
	reg.MustRegister(c.ingressTotal)

	return c
}

// Handler serves this Collector's registry in Prometheus exposition
// format, mounted at GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// IncPush implements delivery.Metrics.
func (c *Collector) IncPush(outcome string) {
	c.pushAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQueueDepth implements delivery.Metrics.
func (c *Collector) ObserveQueueDepth(pending, inFlight int) {
	c.queueDepth.WithLabelValues("PENDING").Set(float64(pending))
	c.queueDepth.WithLabelValues("IN_FLIGHT").Set(float64(inFlight))
}

// SetAuditSeq records the most recent audit journal sequence number.
func (c *Collector) SetAuditSeq(seq uint64) {
	c.auditSeq.Set(float64(seq))
}

// RecordCacheHit and RecordCacheMiss track the authenticator's bearer
// validation cache.
func (c *Collector) RecordCacheHit()  { c.authCacheTotal.WithLabelValues("hit").Inc() }
func (c *Collector) RecordCacheMiss() { c.authCacheTotal.WithLabelValues("miss").Inc() }

// RecordIngress tracks an ingress request outcome (e.g. "accepted",
// "validation_failed", "rate_limited", "auth_failed").
func (c *Collector) RecordIngress(outcome string) {
	c.ingressTotal.WithLabelValues(outcome).Inc()
}
