package jwkscache

import "time"

// MetricsSink receives the counters and histograms a deployment needs to
// observe cache behavior:
// jwks_cache_requests_total, jwks_cache_hits_total, jwks_cache_misses_total,
// jwks_cache_stale_total, jwks_cache_refresh_total,
// jwks_cache_refresh_errors_total, jwks_cache_refresh_duration_seconds.
// Implementations are expected to label by tenant and provider.
type MetricsSink interface {
	IncRequests(tenant, provider string)
	IncHits(tenant, provider string)
	IncMisses(tenant, provider string)
	IncStale(tenant, provider string)
	IncRefresh(tenant, provider string)
	IncRefreshErrors(tenant, provider string)
	ObserveRefreshDuration(tenant, provider string, d time.Duration)
}

// NoopMetricsSink discards every observation. It is the Registry default
// when no sink is supplied.
type NoopMetricsSink struct{}

func (NoopMetricsSink) IncRequests(tenant, provider string)      {}
func (NoopMetricsSink) IncHits(tenant, provider string)          {}
func (NoopMetricsSink) IncMisses(tenant, provider string)        {}
func (NoopMetricsSink) IncStale(tenant, provider string)         {}
func (NoopMetricsSink) IncRefresh(tenant, provider string)       {}
func (NoopMetricsSink) IncRefreshErrors(tenant, provider string) {}
func (NoopMetricsSink) ObserveRefreshDuration(tenant, provider string, d time.Duration) {
}
