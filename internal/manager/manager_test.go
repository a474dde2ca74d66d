package manager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hack-ink/jwks-cache/internal/cacheerr"
	"github.com/hack-ink/jwks-cache/internal/jitter"
)

type countingSink struct {
	hits, misses, requests, refreshErrors int32
}

func (s *countingSink) IncRequests(tenant, provider string) { atomic.AddInt32(&s.requests, 1) }
func (s *countingSink) IncHits(tenant, provider string)     { atomic.AddInt32(&s.hits, 1) }
func (s *countingSink) IncMisses(tenant, provider string)   { atomic.AddInt32(&s.misses, 1) }
func (s *countingSink) IncStale(tenant, provider string)    {}
func (s *countingSink) IncRefresh(tenant, provider string)  {}
func (s *countingSink) IncRefreshErrors(tenant, provider string) {
	atomic.AddInt32(&s.refreshErrors, 1)
}
func (s *countingSink) ObserveRefreshDuration(tenant, provider string, d time.Duration) {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name, tenant, provider string) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func jwkBody(t *testing.T, kid string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := map[string]any{
		"kty": "RSA",
		"kid": kid,
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
	body, err := json.Marshal(map[string]any{"keys": []any{jwk}})
	require.NoError(t, err)
	return body
}

func testConfig(url string) Config {
	return Config{
		Tenant:           "tenant-1",
		Provider:         "provider-1",
		URL:              url,
		RequireHTTPS:     false,
		HostAllowed:      func(string) bool { return true },
		MaxRedirects:     3,
		MaxResponseBytes: 1 << 20,
		MinTTL:           time.Millisecond,
		MaxTTL:           time.Hour,
		RefreshEarly:     50 * time.Millisecond,
		PrefetchJitter:   0,
		StaleWhileError:  time.Hour,
		NegativeCacheTTL: 0,
		RetryPolicy: jitter.Policy{
			MaxRetries:     0,
			AttemptTimeout: 2 * time.Second,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			Deadline:       2 * time.Second,
			JitterMode:     jitter.None,
		},
	}
}

func TestManager_ResolveLoadsAndCachesOnHit(t *testing.T) {
	t.Parallel()

	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	sink := &countingSink{}
	m := New(testConfig(srv.URL), sink, noopTracer{}, zap.NewNop())
	defer m.Close()

	ks, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, ks)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.misses))

	ks2, err := m.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Same(t, ks, ks2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.hits))
}

func TestManager_ResolveUnknownKidThrottlesOpportunisticRefresh(t *testing.T) {
	t.Parallel()

	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	_, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))

	_, err = m.Resolve(context.Background(), "missing-kid")
	require.Error(t, err)
	var knf *cacheerr.KeyNotFoundError
	require.ErrorAs(t, err, &knf)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))

	_, err = m.Resolve(context.Background(), "missing-kid")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "second lookup within window must not re-fetch")
}

func TestManager_RefreshForcesReload(t *testing.T) {
	t.Parallel()

	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	_, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
}

func TestManager_StatusReportsReadyAfterLoad(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	before := m.Status()
	assert.Equal(t, "empty", before.State)
	assert.False(t, before.HasPayload)

	_, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)

	after := m.Status()
	assert.Equal(t, "ready", after.State)
	assert.True(t, after.HasPayload)
	assert.Equal(t, 0, after.ErrorCount)
}

func TestManager_DumpRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=300")
		w.Header().Set("ETag", `"v1"`)
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	_, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)

	snap, ok := m.Dump()
	require.True(t, ok)
	assert.Equal(t, `"v1"`, snap.ETag)

	restored := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer restored.Close()

	restored.Restore(snap)
	status := restored.Status()
	assert.Equal(t, "ready", status.State)
	assert.True(t, status.HasPayload)

	ks, err := restored.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	assert.NotNil(t, ks)
}

func TestManager_RefreshPolicyExposesConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://example.invalid")
	m := New(cfg, &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	refreshEarly, prefetchJitter := m.RefreshPolicy()
	assert.Equal(t, cfg.RefreshEarly, refreshEarly)
	assert.Equal(t, cfg.PrefetchJitter, prefetchJitter)
}

func TestManager_ServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	ks, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, ks)

	failing.Store(true)
	err = m.Refresh(context.Background())
	require.Error(t, err)

	stale, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, ks, stale, "resolve should keep serving the last good snapshot while stale-while-error is in effect")

	status := m.Status()
	assert.Equal(t, 1, status.ErrorCount)
}

func TestManager_EvictsPastStaleDeadlineOnPersistentFailure(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "max-age=0")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.StaleWhileError = 0
	m := New(cfg, &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	_, err := m.Resolve(context.Background(), "")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	failing.Store(true)
	err = m.Refresh(context.Background())
	require.Error(t, err)

	_, err = m.Resolve(context.Background(), "")
	require.Error(t, err, "snapshot should have been evicted once past its stale deadline")

	status := m.Status()
	assert.False(t, status.HasPayload)
}

func TestManager_ConcurrentResolveOnColdEntryIssuesOneFetch(t *testing.T) {
	t.Parallel()

	var requestCount int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		<-release
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write(jwkBody(t, "key-1"))
	}))
	defer srv.Close()

	m := New(testConfig(srv.URL), &countingSink{}, noopTracer{}, zap.NewNop())
	defer m.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Resolve(context.Background(), "")
		}(i)
	}

	// Give every goroutine a chance to reach Resolve before the single
	// in-flight fetch is allowed to complete, so they all arrive at the
	// singleflight.Group while the entry is still cold.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount), "N concurrent resolves on a cold entry must collapse to exactly one upstream request")
}

func TestManager_CloseCancelsInFlightWaiters(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryPolicy.AttemptTimeout = 5 * time.Second
	cfg.RetryPolicy.Deadline = 5 * time.Second
	m := New(cfg, &countingSink{}, noopTracer{}, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := m.Resolve(context.Background(), "")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, cacheerr.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("resolve did not return after Close")
	}
	close(block)
}
