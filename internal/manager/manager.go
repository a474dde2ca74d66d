// Package manager implements CacheManager and its Scheduler: the
// per-registration state machine driver, single-flight fetch coordination,
// atomic snapshot publication, and background refresh wakeups.
//
// Single-flight coordination follows dropDatabas3/hellojohn's
// tenantcache.Manager, which collapses concurrent per-key work through a
// golang.org/x/sync/singleflight.Group. The background wakeup loop follows
// istio's jwtPubKeyResolver.refresher select-on-timer-or-close idiom,
// generalized from a fixed ticker to a per-entry deadline timer. The
// bounded "one opportunistic refresh per unresolved kid per window" policy
// follows acronis-go-authkit's issuerCacheEntry.missingKeys idiom, without
// pulling in its LRU dependency since the bound here is small and
// registration-scoped.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hack-ink/jwks-cache/internal/cacheerr"
	"github.com/hack-ink/jwks-cache/internal/entry"
	"github.com/hack-ink/jwks-cache/internal/httpfetch"
	"github.com/hack-ink/jwks-cache/internal/jitter"
	"github.com/hack-ink/jwks-cache/internal/keyset"
	"github.com/hack-ink/jwks-cache/internal/semantics"
)

// maxTrackedMissingKids bounds the opportunistic-refresh throttle map so a
// client that probes many bogus kids cannot grow it unboundedly.
const maxTrackedMissingKids = 256

// MetricsSink receives per-registration counters. The root package's
// concrete sinks (promsink, a no-op default) satisfy this structurally —
// manager never imports the root package, so there is no cycle.
type MetricsSink interface {
	IncRequests(tenant, provider string)
	IncHits(tenant, provider string)
	IncMisses(tenant, provider string)
	IncStale(tenant, provider string)
	IncRefresh(tenant, provider string)
	IncRefreshErrors(tenant, provider string)
	ObserveRefreshDuration(tenant, provider string, d time.Duration)
}

// TraceEmitter starts a span for a fetch/refresh cycle and returns a
// closure that ends it with the outcome.
type TraceEmitter interface {
	StartSpan(ctx context.Context, name, tenant, provider string) (context.Context, func(err error))
}

// Config is the subset of an IdentityProviderRegistration a CacheManager
// needs, decoupled from the root package's type to keep this package
// leaf-level.
type Config struct {
	Tenant, Provider string

	URL              string
	RequireHTTPS     bool
	HostAllowed      func(host string) bool
	MaxRedirects     int
	MaxResponseBytes int64
	PinnedSPKI       map[string]struct{}

	MinTTL           time.Duration
	MaxTTL           time.Duration
	RefreshEarly     time.Duration
	PrefetchJitter   time.Duration
	StaleWhileError  time.Duration
	NegativeCacheTTL time.Duration

	RetryPolicy jitter.Policy
}

// Snapshot is the immutable, atomically published view of a CacheManager's
// current payload. Readers dereference it without locking.
type Snapshot struct {
	KeySet *keyset.KeySet
	Raw    []byte

	ETag         string
	LastModified string

	FetchedAt     time.Time
	ExpiresAt     time.Time
	NextRefreshAt time.Time
	StaleDeadline time.Time
}

// StatusSnapshot is the consumer-facing status report returned by Status.
type StatusSnapshot struct {
	Tenant, Provider string
	State            string
	HasPayload       bool
	FetchedAt        time.Time
	ExpiresAt        time.Time
	NextRefreshAt    time.Time
	StaleDeadline    time.Time
	ErrorCount       int
}

// Manager is the per-registration CacheManager.
type Manager struct {
	cfg     Config
	fetcher *httpfetch.Fetcher
	metrics MetricsSink
	tracer  TraceEmitter
	logger  *zap.Logger

	mu            sync.Mutex
	state         entry.State
	etag          string
	lastModified  string
	errorCount    int
	retryBackoff  time.Duration
	negativeUntil time.Time
	lastErr       error

	missingKidAttempts map[string]time.Time

	snapshot atomic.Pointer[Snapshot]

	sf singleflight.Group

	timer *time.Timer

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New builds a Manager in the Empty state and starts its scheduler
// goroutine. metrics and tracer are injected by the Registry and must never
// be nil (callers pass no-op defaults — sinks are injected, never
// discovered); the fetcher is built here from cfg.
func New(cfg Config, metrics MetricsSink, tracer TraceEmitter, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:                cfg,
		fetcher:            httpfetch.New(fetchParams(cfg)),
		metrics:            metrics,
		tracer:             tracer,
		logger:             logger,
		state:              entry.Empty,
		missingKidAttempts: make(map[string]time.Time),
		baseCtx:            ctx,
		cancelBase:         cancel,
		timer:              time.NewTimer(time.Hour),
	}
	m.timer.Stop()

	go m.runScheduler()

	return m
}

func fetchParams(cfg Config) httpfetch.Params {
	return httpfetch.Params{
		URL:              cfg.URL,
		RequireHTTPS:     cfg.RequireHTTPS,
		MaxRedirects:     cfg.MaxRedirects,
		MaxResponseBytes: cfg.MaxResponseBytes,
		PinnedSPKI:       cfg.PinnedSPKI,
		HostAllowed:      cfg.HostAllowed,
		AttemptTimeout:   cfg.RetryPolicy.AttemptTimeout,
	}
}

func (m *Manager) semanticsParams() semantics.Params {
	return semantics.Params{
		MinTTL:          m.cfg.MinTTL,
		MaxTTL:          m.cfg.MaxTTL,
		RefreshEarly:    m.cfg.RefreshEarly,
		PrefetchJitter:  m.cfg.PrefetchJitter,
		StaleWhileError: m.cfg.StaleWhileError,
	}
}

// Resolve returns the current key set, performing an on-demand load if the
// entry is Empty and triggering at most one opportunistic refresh per
// unresolved kid per RefreshEarly window.
func (m *Manager) Resolve(ctx context.Context, kid string) (*keyset.KeySet, error) {
	m.metrics.IncRequests(m.cfg.Tenant, m.cfg.Provider)

	snap := m.snapshot.Load()
	if snap == nil {
		m.metrics.IncMisses(m.cfg.Tenant, m.cfg.Provider)
		if err := m.ensureLoaded(ctx); err != nil {
			return nil, err
		}
		snap = m.snapshot.Load()
		if snap == nil {
			m.mu.Lock()
			err := m.lastErr
			m.mu.Unlock()
			if err == nil {
				err = cacheerr.ErrTransport
			}
			return nil, err
		}
	} else {
		m.metrics.IncHits(m.cfg.Tenant, m.cfg.Provider)
	}

	if kid == "" {
		return snap.KeySet, nil
	}
	if _, ok := snap.KeySet.ByKid(kid); ok {
		return snap.KeySet, nil
	}

	if !m.shouldAttemptOpportunisticRefresh(kid) {
		return nil, cacheerr.NewKeyNotFound(kid)
	}
	err := m.triggerFetch(ctx)
	// The throttle window for this kid runs from when the refresh finished,
	// not from when it was requested.
	m.mu.Lock()
	if _, ok := m.missingKidAttempts[kid]; ok {
		m.missingKidAttempts[kid] = time.Now()
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if snap = m.snapshot.Load(); snap != nil {
		if _, ok := snap.KeySet.ByKid(kid); ok {
			return snap.KeySet, nil
		}
	}
	return nil, cacheerr.NewKeyNotFound(kid)
}

// Refresh forces a refresh: transitions Ready->Refreshing, or joins/starts
// a Loading fetch from Empty. It is idempotent while a fetch is in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.triggerFetch(ctx)
}

// Status returns a snapshot of the manager's current bookkeeping.
func (m *Manager) Status() StatusSnapshot {
	m.mu.Lock()
	state, errCount := m.state, m.errorCount
	m.mu.Unlock()

	snap := m.snapshot.Load()
	s := StatusSnapshot{
		Tenant:     m.cfg.Tenant,
		Provider:   m.cfg.Provider,
		State:      state.String(),
		HasPayload: snap != nil,
		ErrorCount: errCount,
	}
	if snap != nil {
		s.FetchedAt = snap.FetchedAt
		s.ExpiresAt = snap.ExpiresAt
		s.NextRefreshAt = snap.NextRefreshAt
		s.StaleDeadline = snap.StaleDeadline
	}
	return s
}

// RefreshPolicy exposes the registration's refresh_early and
// prefetch_jitter, used by the Registry to recompute next_refresh_at for
// a restored snapshot without duplicating the registration's config.
func (m *Manager) RefreshPolicy() (refreshEarly, prefetchJitter time.Duration) {
	return m.cfg.RefreshEarly, m.cfg.PrefetchJitter
}

// StaleWhileError exposes the registration's stale_while_error grace
// window, used by the Registry to recompute stale_deadline for a restored
// snapshot the same way a live fetch derives it.
func (m *Manager) StaleWhileError() time.Duration {
	return m.cfg.StaleWhileError
}

// Close cancels the scheduler and any in-flight fetch, resolving pending
// waiters with a cancellation error.
func (m *Manager) Close() {
	m.cancelBase()
}

// Dump returns the current published snapshot for persistence, if any.
func (m *Manager) Dump() (*Snapshot, bool) {
	snap := m.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// Restore seeds the manager directly into Ready from a previously
// persisted, already monotonic-translated snapshot.
func (m *Manager) Restore(snap *Snapshot) {
	m.mu.Lock()
	m.state = entry.Ready
	m.etag = snap.ETag
	m.lastModified = snap.LastModified
	m.errorCount = 0
	m.retryBackoff = 0
	m.negativeUntil = time.Time{}
	m.mu.Unlock()

	m.snapshot.Store(snap)
	m.armScheduler(snap.NextRefreshAt)
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	negUntil := m.negativeUntil
	lastErr := m.lastErr
	m.mu.Unlock()

	if state == entry.Empty && !negUntil.IsZero() && time.Now().Before(negUntil) {
		if lastErr != nil {
			return lastErr
		}
		return cacheerr.ErrKeyNotFound
	}
	return m.triggerFetch(ctx)
}

// triggerFetch starts (or joins) the single in-flight fetch for this
// manager. It runs the fetch against the manager's own lifetime context
// rather than the caller's, so a caller's cancellation never aborts work
// shared with other waiters — only Close() does that. DoChan lets a
// cancelled caller stop waiting without stopping the shared call.
func (m *Manager) triggerFetch(ctx context.Context) error {
	ch := m.sf.DoChan("fetch", func() (interface{}, error) {
		m.beginFetch()
		return nil, m.runFetchCycle(m.baseCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return cacheerr.ErrCancelled
	case <-m.baseCtx.Done():
		return cacheerr.ErrCancelled
	}
}

func (m *Manager) beginFetch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case entry.Empty, entry.Ready:
		newState, _ := entry.Transition(m.state, entry.EventResolveOrForcedRefresh)
		m.state = newState
	}
}

func (m *Manager) shouldAttemptOpportunisticRefresh(kid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.missingKidAttempts[kid]; ok && now.Sub(last) < m.cfg.RefreshEarly {
		return false
	}
	if len(m.missingKidAttempts) >= maxTrackedMissingKids {
		for k := range m.missingKidAttempts {
			delete(m.missingKidAttempts, k)
			break
		}
	}
	m.missingKidAttempts[kid] = now
	return true
}

// runFetchCycle executes one bounded retry loop against the upstream JWKS
// endpoint, applying the outcome to the entry's state machine.
func (m *Manager) runFetchCycle(ctx context.Context) error {
	ctx, end := m.tracer.StartSpan(ctx, "jwks.fetch", m.cfg.Tenant, m.cfg.Provider)

	m.metrics.IncRefresh(m.cfg.Tenant, m.cfg.Provider)
	start := time.Now()

	policy := m.cfg.RetryPolicy
	backoff := policy.NewBackoff()
	deadline := start.Add(policy.Deadline)

	m.mu.Lock()
	validators := httpfetch.Validators{ETag: m.etag, LastModified: m.lastModified}
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			d := backoff.Next(attempt - 1)
			if time.Now().Add(d).After(deadline) {
				break
			}
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				err := m.applyFailure(cacheerr.ErrCancelled)
				m.metrics.ObserveRefreshDuration(m.cfg.Tenant, m.cfg.Provider, time.Since(start))
				end(err)
				return err
			}
		}
		if time.Now().After(deadline) {
			break
		}

		outcome := m.fetcher.Fetch(ctx, validators)
		if outcome.Err != nil {
			lastErr = outcome.Err
			if !cacheerr.IsRetryable(outcome.Err) {
				break
			}
			continue
		}

		err := m.applyOutcome(outcome)
		m.metrics.ObserveRefreshDuration(m.cfg.Tenant, m.cfg.Provider, time.Since(start))
		end(err)
		return err
	}

	m.metrics.IncRefreshErrors(m.cfg.Tenant, m.cfg.Provider)
	err := m.applyFailure(lastErr)
	m.metrics.ObserveRefreshDuration(m.cfg.Tenant, m.cfg.Provider, time.Since(start))
	end(err)
	return err
}

func (m *Manager) applyOutcome(o httpfetch.Outcome) error {
	now := time.Now()

	switch {
	case o.Fresh != nil:
		ks, err := keyset.Parse(o.Fresh.Body)
		if err != nil {
			return m.applyFailure(err)
		}
		fresh := semantics.Compute(o.Fresh.Header, now, m.semanticsParams())
		snap := &Snapshot{
			KeySet:        ks,
			Raw:           o.Fresh.Body,
			ETag:          o.Fresh.Header.Get("ETag"),
			LastModified:  o.Fresh.Header.Get("Last-Modified"),
			FetchedAt:     now,
			ExpiresAt:     fresh.ExpiresAt,
			NextRefreshAt: fresh.NextRefreshAt,
			StaleDeadline: fresh.StaleDeadline,
		}
		m.publishSuccess(snap, entry.EventFetchOK, entry.EventFetchOKDuringRefresh)
		return nil

	case o.NotModified != nil:
		prev := m.snapshot.Load()
		if prev == nil {
			return m.applyFailure(cacheerr.NewProtocol(304))
		}
		fresh := semantics.Compute(o.NotModified.Header, now, m.semanticsParams())
		etag := prev.ETag
		if h := o.NotModified.Header.Get("ETag"); h != "" {
			etag = h
		}
		lm := prev.LastModified
		if h := o.NotModified.Header.Get("Last-Modified"); h != "" {
			lm = h
		}
		snap := &Snapshot{
			KeySet:        prev.KeySet,
			Raw:           prev.Raw,
			ETag:          etag,
			LastModified:  lm,
			FetchedAt:     prev.FetchedAt,
			ExpiresAt:     fresh.ExpiresAt,
			NextRefreshAt: fresh.NextRefreshAt,
			StaleDeadline: fresh.StaleDeadline,
		}
		m.publishSuccess(snap, entry.EventFetchOK, entry.EventFetchOKDuringRefresh)
		return nil
	}
	return nil
}

func (m *Manager) publishSuccess(snap *Snapshot, fromEmpty, fromRefreshing entry.Event) {
	m.mu.Lock()
	ev := fromRefreshing
	if m.state == entry.Loading {
		ev = fromEmpty
	}
	newState, _ := entry.Transition(m.state, ev)
	m.state = newState
	m.etag = snap.ETag
	m.lastModified = snap.LastModified
	m.errorCount = 0
	m.retryBackoff = 0
	m.negativeUntil = time.Time{}
	m.lastErr = nil
	m.mu.Unlock()

	m.snapshot.Store(snap)
	m.armScheduler(snap.NextRefreshAt)

	m.logger.Debug("jwks cache refreshed",
		zap.String("tenant", m.cfg.Tenant),
		zap.String("provider", m.cfg.Provider),
		zap.Int("keys", snap.KeySet.Len()),
		zap.Time("expires_at", snap.ExpiresAt),
	)
}

func (m *Manager) applyFailure(err error) error {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastErr = err
	m.errorCount++

	switch m.state {
	case entry.Loading:
		newState, _ := entry.Transition(m.state, entry.EventFetchFailNoStale)
		m.state = newState
		if m.cfg.NegativeCacheTTL > 0 {
			m.negativeUntil = now.Add(m.cfg.NegativeCacheTTL)
		}
		m.logger.Warn("jwks cache load failed",
			zap.String("tenant", m.cfg.Tenant), zap.String("provider", m.cfg.Provider), zap.Error(err))
		return err

	case entry.Refreshing:
		snap := m.snapshot.Load()
		if snap != nil && now.Before(snap.StaleDeadline) {
			newState, _ := entry.Transition(m.state, entry.EventFetchFailStillStale)
			m.state = newState
			m.retryBackoff = m.cfg.RetryPolicy.MaxBackoff
			wake := now.Add(m.retryBackoff)
			if wake.After(snap.StaleDeadline) {
				wake = snap.StaleDeadline
			}
			m.logger.Warn("jwks cache refresh failed, serving stale",
				zap.String("tenant", m.cfg.Tenant), zap.String("provider", m.cfg.Provider), zap.Error(err))
			m.armScheduler(wake)
			return err
		}

		newState, _ := entry.Transition(m.state, entry.EventFetchFailPastStaleDeadline)
		m.state = newState
		m.etag, m.lastModified = "", ""
		m.snapshot.Store(nil)
		m.logger.Warn("jwks cache evicted past stale deadline",
			zap.String("tenant", m.cfg.Tenant), zap.String("provider", m.cfg.Provider), zap.Error(err))
		return err
	}
	return err
}

func (m *Manager) armScheduler(at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	m.timer.Stop()
	m.timer.Reset(d)
}

func (m *Manager) runScheduler() {
	for {
		select {
		case <-m.timer.C:
			_ = m.triggerFetch(m.baseCtx)
		case <-m.baseCtx.Done():
			m.timer.Stop()
			return
		}
	}
}
