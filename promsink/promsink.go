// Package promsink implements jwkscache.MetricsSink on top of
// github.com/prometheus/client_golang, following avapigw's
// observability/metrics.REDMetrics promauto construction idiom.
package promsink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is a jwkscache.MetricsSink backed by Prometheus counters and a
// histogram, registered under the canonical names:
// jwks_cache_requests_total, jwks_cache_hits_total, jwks_cache_misses_total,
// jwks_cache_stale_total, jwks_cache_refresh_total,
// jwks_cache_refresh_errors_total, jwks_cache_refresh_duration_seconds, all
// labeled by tenant and provider.
type Sink struct {
	requestsTotal      *prometheus.CounterVec
	hitsTotal          *prometheus.CounterVec
	missesTotal        *prometheus.CounterVec
	staleTotal         *prometheus.CounterVec
	refreshTotal       *prometheus.CounterVec
	refreshErrorsTotal *prometheus.CounterVec
	refreshDuration    *prometheus.HistogramVec
}

// New registers the jwks_cache_* metric family with reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	labels := []string{"tenant", "provider"}

	return &Sink{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_cache_requests_total",
			Help: "Total number of JWKS resolve requests.",
		}, labels),
		hitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_cache_hits_total",
			Help: "Total number of resolves served from a warm cache entry.",
		}, labels),
		missesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_cache_misses_total",
			Help: "Total number of resolves that required an on-demand load.",
		}, labels),
		staleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_cache_stale_total",
			Help: "Total number of resolves served a stale payload during stale-while-error.",
		}, labels),
		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_cache_refresh_total",
			Help: "Total number of upstream JWKS fetch cycles started.",
		}, labels),
		refreshErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_cache_refresh_errors_total",
			Help: "Total number of upstream JWKS fetch cycles that ended in error.",
		}, labels),
		refreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jwks_cache_refresh_duration_seconds",
			Help:    "Duration of an upstream JWKS fetch cycle, including retries.",
			Buckets: prometheus.DefBuckets,
		}, labels),
	}
}

func (s *Sink) IncRequests(tenant, provider string) { s.requestsTotal.WithLabelValues(tenant, provider).Inc() }
func (s *Sink) IncHits(tenant, provider string)     { s.hitsTotal.WithLabelValues(tenant, provider).Inc() }
func (s *Sink) IncMisses(tenant, provider string)   { s.missesTotal.WithLabelValues(tenant, provider).Inc() }
func (s *Sink) IncStale(tenant, provider string)    { s.staleTotal.WithLabelValues(tenant, provider).Inc() }
func (s *Sink) IncRefresh(tenant, provider string)  { s.refreshTotal.WithLabelValues(tenant, provider).Inc() }
func (s *Sink) IncRefreshErrors(tenant, provider string) {
	s.refreshErrorsTotal.WithLabelValues(tenant, provider).Inc()
}
func (s *Sink) ObserveRefreshDuration(tenant, provider string, d time.Duration) {
	s.refreshDuration.WithLabelValues(tenant, provider).Observe(d.Seconds())
}
