// Package metrics defines the Prometheus collectors exported by the tenant
// boundary. All recording methods are safe to call on a nil *Collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"

	CacheHit  = "hit"
	CacheMiss = "miss"

	QueryOK       = "ok"
	QueryRejected = "rejected"
	QueryError    = "error"

	EventTenantMissing = "tenant_missing"
	EventUnscopedQuery = "unscoped_query"
	EventMissingScope  = "missing_scope"
)

const namespace = "tenantgate"

// Collectors holds the boundary's metrics.
type Collectors struct {
	Decisions         *prometheus.CounterVec
	DecisionCache     *prometheus.CounterVec
	ScopedQueries     *prometheus.CounterVec
	SecurityEvents    *prometheus.CounterVec
	AuthorizeDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Authorization decisions by effect.",
		}, []string{"effect"}),

		DecisionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_total",
			Help:      "Decision cache lookups by result.",
		}, []string{"result"}),

		ScopedQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoped_queries_total",
			Help:      "Tenant-scoped queries by outcome.",
		}, []string{"outcome"}),

		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Tenant isolation violations by kind.",
		}, []string{"kind"}),

		AuthorizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authorize_duration_seconds",
			Help:      "Time spent producing an authorization decision.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 8),
		}, []string{"effect"}),
	}
	if reg != nil {
		reg.MustRegister(c.PrometheusCollectors()...)
	}
	return c
}

// PrometheusCollectors returns every collector.
func (c *Collectors) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.Decisions,
		c.DecisionCache,
		c.ScopedQueries,
		c.SecurityEvents,
		c.AuthorizeDuration,
	}
}

// Decision records one authorization outcome.
func (c *Collectors) Decision(allowed bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	effect := EffectDeny
	if allowed {
		effect = EffectAllow
	}
	c.Decisions.WithLabelValues(effect).Inc()
	c.AuthorizeDuration.WithLabelValues(effect).Observe(elapsed.Seconds())
}

// CacheLookup records a decision cache hit or miss.
func (c *Collectors) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.DecisionCache.WithLabelValues(CacheHit).Inc()
		return
	}
	c.DecisionCache.WithLabelValues(CacheMiss).Inc()
}

// Query records a scoped query outcome.
func (c *Collectors) Query(outcome string) {
	if c == nil {
		return
	}
	c.ScopedQueries.WithLabelValues(outcome).Inc()
}

// SecurityEvent records a tenant isolation violation.
func (c *Collectors) SecurityEvent(kind string) {
	if c == nil {
		return
	}
	c.SecurityEvents.WithLabelValues(kind).Inc()
}
