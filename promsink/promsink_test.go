package promsink

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_CountersIncrementPerLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := New(reg)

	s.IncRequests("tenant-1", "provider-1")
	s.IncHits("tenant-1", "provider-1")
	s.IncMisses("tenant-1", "provider-1")
	s.IncStale("tenant-1", "provider-1")
	s.IncRefresh("tenant-1", "provider-1")
	s.IncRefreshErrors("tenant-1", "provider-1")
	s.ObserveRefreshDuration("tenant-1", "provider-1", 250*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.requestsTotal.WithLabelValues("tenant-1", "provider-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.hitsTotal.WithLabelValues("tenant-1", "provider-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.missesTotal.WithLabelValues("tenant-1", "provider-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.staleTotal.WithLabelValues("tenant-1", "provider-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.refreshTotal.WithLabelValues("tenant-1", "provider-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.refreshErrorsTotal.WithLabelValues("tenant-1", "provider-1")))
}

func TestSink_RegistersCanonicalMetricNames(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := New(reg)

	// A label vector is reported by Gather only once it has at least one
	// label combination, so touch each metric once before gathering.
	s.IncRequests("tenant-1", "provider-1")
	s.IncHits("tenant-1", "provider-1")
	s.IncMisses("tenant-1", "provider-1")
	s.IncStale("tenant-1", "provider-1")
	s.IncRefresh("tenant-1", "provider-1")
	s.IncRefreshErrors("tenant-1", "provider-1")
	s.ObserveRefreshDuration("tenant-1", "provider-1", time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"jwks_cache_requests_total",
		"jwks_cache_hits_total",
		"jwks_cache_misses_total",
		"jwks_cache_stale_total",
		"jwks_cache_refresh_total",
		"jwks_cache_refresh_errors_total",
		"jwks_cache_refresh_duration_seconds",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestSink_LabelsPartitionByTenantAndProvider(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := New(reg)

	s.IncRequests("tenant-a", "provider-x")
	s.IncRequests("tenant-b", "provider-y")
	s.IncRequests("tenant-a", "provider-x")

	assert.Equal(t, float64(2), testutil.ToFloat64(s.requestsTotal.WithLabelValues("tenant-a", "provider-x")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.requestsTotal.WithLabelValues("tenant-b", "provider-y")))
}
