package jwkscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hack-ink/jwks-cache/internal/cacheerr"
	"github.com/hack-ink/jwks-cache/internal/jitter"
	"github.com/hack-ink/jwks-cache/internal/keyset"
	"github.com/hack-ink/jwks-cache/internal/manager"
)

type registrationKey struct {
	tenant, provider string
}

// Registry owns the set of per-registration CacheManagers and the shared
// defaults (transport-security policy, retry policy, snapshot store) they
// are built with. The zero value is not usable; construct one with
// NewRegistryBuilder.
type Registry struct {
	mu       sync.RWMutex
	managers map[registrationKey]*manager.Manager

	requireHTTPS         bool
	defaultRefreshEarly  time.Duration
	defaultStaleWhileErr time.Duration
	allowedDomains       []string
	defaultRetryPolicy   RetryPolicy
	snapshotStore        SnapshotStore
	metrics              MetricsSink
	tracer               TraceEmitter
	logger               *zap.Logger
}

// RegistryBuilder configures a Registry before it accepts registrations.
type RegistryBuilder struct {
	r *Registry
}

// NewRegistryBuilder starts a RegistryBuilder with sane defaults: HTTPS
// required, a 30s default refresh_early, no stale-while-error
// grace, no allow-listed domains beyond each registration's own, the
// default RetryPolicy, a no-op snapshot store, no-op metrics, and no-op
// tracing.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		r: &Registry{
			managers:             make(map[registrationKey]*manager.Manager),
			requireHTTPS:         true,
			defaultRefreshEarly:  30 * time.Second,
			defaultStaleWhileErr: 0,
			defaultRetryPolicy:   DefaultRetryPolicy(),
			snapshotStore:        NoopSnapshotStore{},
			metrics:              NoopMetricsSink{},
			tracer:               NoopTraceEmitter{},
			logger:               zap.NewNop(),
		},
	}
}

// RequireHTTPS overrides the registry-wide default for whether a
// registration's jwks_url must be HTTPS. Individual registrations may
// still opt out via their own RequireHTTPS field.
func (b *RegistryBuilder) RequireHTTPS(v bool) *RegistryBuilder {
	b.r.requireHTTPS = v
	return b
}

// WithDefaultRefreshEarly sets the refresh_early applied to registrations
// that leave the field unset.
func (b *RegistryBuilder) WithDefaultRefreshEarly(d time.Duration) *RegistryBuilder {
	b.r.defaultRefreshEarly = d
	return b
}

// WithDefaultStaleWhileError sets the stale_while_error grace window
// applied to registrations that leave the field unset.
func (b *RegistryBuilder) WithDefaultStaleWhileError(d time.Duration) *RegistryBuilder {
	b.r.defaultStaleWhileErr = d
	return b
}

// AddAllowedDomain adds a domain suffix to the registry-wide allow-list,
// checked in addition to each registration's own allowed_domains.
func (b *RegistryBuilder) AddAllowedDomain(domain string) *RegistryBuilder {
	b.r.allowedDomains = append(b.r.allowedDomains, domain)
	return b
}

// WithDefaultRetryPolicy sets the RetryPolicy applied to registrations
// that leave their own RetryPolicy at the zero value.
func (b *RegistryBuilder) WithDefaultRetryPolicy(p RetryPolicy) *RegistryBuilder {
	b.r.defaultRetryPolicy = p
	return b
}

// WithSnapshotStore injects a persistence backend for persist_all and
// restore_from_persistence. Defaults to NoopSnapshotStore.
func (b *RegistryBuilder) WithSnapshotStore(s SnapshotStore) *RegistryBuilder {
	b.r.snapshotStore = s
	return b
}

// WithMetrics injects a MetricsSink. Defaults to NoopMetricsSink.
func (b *RegistryBuilder) WithMetrics(m MetricsSink) *RegistryBuilder {
	b.r.metrics = m
	return b
}

// WithTracer injects a TraceEmitter. Defaults to NoopTraceEmitter.
func (b *RegistryBuilder) WithTracer(t TraceEmitter) *RegistryBuilder {
	b.r.tracer = t
	return b
}

// WithLogger injects a *zap.Logger. Defaults to a no-op logger.
func (b *RegistryBuilder) WithLogger(l *zap.Logger) *RegistryBuilder {
	b.r.logger = l
	return b
}

// Build finalizes the Registry.
func (b *RegistryBuilder) Build() *Registry {
	return b.r
}

func (reg *Registry) defaultAllowed(host string) bool {
	for _, suffix := range reg.allowedDomains {
		if hostMatchesSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Register validates r, applies registry-wide defaults for any unset
// field, and starts a CacheManager for the (tenant, provider) pair. It
// fails with a RegistrationError matching ErrConflict if the pair is
// already registered.
func (reg *Registry) Register(r IdentityProviderRegistration) error {
	if r.RequireHTTPS == nil {
		v := reg.requireHTTPS
		r.RequireHTTPS = &v
	}
	if r.RefreshEarly == 0 {
		r.RefreshEarly = reg.defaultRefreshEarly
	}
	if r.StaleWhileError == 0 {
		r.StaleWhileError = reg.defaultStaleWhileErr
	}
	if r.RetryPolicy == (RetryPolicy{}) {
		r.RetryPolicy = reg.defaultRetryPolicy
	}

	if err := r.Validate(reg.defaultAllowed); err != nil {
		return err
	}

	key := registrationKey{tenant: r.TenantID, provider: r.ProviderID}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.managers[key]; exists {
		return cacheerr.NewConflict(r.TenantID, r.ProviderID)
	}

	allowed := r.AllowedDomains
	cfg := manager.Config{
		Tenant:           r.TenantID,
		Provider:         r.ProviderID,
		URL:              r.JWKSURL,
		RequireHTTPS:     *r.RequireHTTPS,
		HostAllowed:      func(host string) bool { return reg.defaultAllowed(host) || hostAllowedBy(allowed, host) },
		MaxRedirects:     r.MaxRedirects,
		MaxResponseBytes: r.MaxResponseBytes,
		PinnedSPKI:       pinnedSPKISet(r.PinnedSPKI),
		MinTTL:           r.MinTTL,
		MaxTTL:           r.MaxTTL,
		RefreshEarly:     r.RefreshEarly,
		PrefetchJitter:   r.PrefetchJitter,
		StaleWhileError:  r.StaleWhileError,
		NegativeCacheTTL: r.NegativeCacheTTL,
		RetryPolicy: jitter.Policy{
			MaxRetries:     r.RetryPolicy.MaxRetries,
			AttemptTimeout: r.RetryPolicy.AttemptTimeout,
			InitialBackoff: r.RetryPolicy.InitialBackoff,
			MaxBackoff:     r.RetryPolicy.MaxBackoff,
			Deadline:       r.RetryPolicy.Deadline,
			JitterMode:     jitter.Mode(r.RetryPolicy.Jitter),
		},
	}

	reg.managers[key] = manager.New(cfg, reg.metrics, reg.tracer, reg.logger)
	return nil
}

func hostAllowedBy(domains []string, host string) bool {
	for _, suffix := range domains {
		if hostMatchesSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Unregister stops the (tenant, provider) pair's CacheManager, aborting
// any in-flight fetch and resolving its waiters with Cancelled, and
// removes it from the registry. It is a no-op if the pair is unknown.
func (reg *Registry) Unregister(tenant, provider string) {
	key := registrationKey{tenant: tenant, provider: provider}

	reg.mu.Lock()
	m, ok := reg.managers[key]
	if ok {
		delete(reg.managers, key)
	}
	reg.mu.Unlock()

	if ok {
		m.Close()
	}
}

func (reg *Registry) lookup(tenant, provider string) (*manager.Manager, error) {
	reg.mu.RLock()
	m, ok := reg.managers[registrationKey{tenant: tenant, provider: provider}]
	reg.mu.RUnlock()
	if !ok {
		return nil, cacheerr.NewNotFound(tenant, provider)
	}
	return m, nil
}

// Resolve returns the current key set for (tenant, provider), loading it
// on demand if the entry is cold. If kid is non-empty, Resolve returns
// KeyNotFoundError when the key set has no matching key, after first
// attempting at most one opportunistic refresh.
func (reg *Registry) Resolve(ctx context.Context, tenant, provider, kid string) (*KeySet, error) {
	m, err := reg.lookup(tenant, provider)
	if err != nil {
		return nil, err
	}
	return m.Resolve(ctx, kid)
}

// Refresh forces a refresh of (tenant, provider), coalesced with any
// already in-flight fetch.
func (reg *Registry) Refresh(ctx context.Context, tenant, provider string) error {
	m, err := reg.lookup(tenant, provider)
	if err != nil {
		return err
	}
	return m.Refresh(ctx)
}

// StatusSnapshot is a point-in-time report of one registration's cache
// state, returned by ProviderStatus and AllStatuses.
type StatusSnapshot = manager.StatusSnapshot

// ProviderStatus reports the current state of (tenant, provider).
func (reg *Registry) ProviderStatus(tenant, provider string) (StatusSnapshot, error) {
	m, err := reg.lookup(tenant, provider)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return m.Status(), nil
}

// AllStatuses reports the current state of every registration.
func (reg *Registry) AllStatuses() []StatusSnapshot {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]StatusSnapshot, 0, len(reg.managers))
	for _, m := range reg.managers {
		out = append(out, m.Status())
	}
	return out
}

// PersistAll writes the current Ready payload of every registration that
// has one to the SnapshotStore, keyed using the
// "jwks-cache/v1/{tenant}/{provider}" scheme. Registrations without a
// published payload are skipped. The first persistence error is
// returned after attempting every registration.
func (reg *Registry) PersistAll(ctx context.Context) error {
	reg.mu.RLock()
	snapshot := make(map[registrationKey]*manager.Manager, len(reg.managers))
	for k, m := range reg.managers {
		snapshot[k] = m
	}
	reg.mu.RUnlock()

	var firstErr error
	for key, m := range snapshot {
		snap, ok := m.Dump()
		if !ok {
			continue
		}
		env := snapshotEnvelope{
			TenantID:     key.tenant,
			ProviderID:   key.provider,
			JWKSBytes:    snap.Raw,
			ETag:         snap.ETag,
			LastModified: snap.LastModified,
			ExpiresAtUTC: snap.ExpiresAt.Unix(),
			PersistedUTC: time.Now().Unix(),
		}
		ttl := time.Until(snap.StaleDeadline)
		if ttl < 0 {
			ttl = 0
		}
		if err := reg.snapshotStore.Put(ctx, snapshotKey(key.tenant, key.provider), encodeSnapshotEnvelope(env), ttl); err != nil {
			if firstErr == nil {
				firstErr = &cacheerr.RegistrationError{Tenant: key.tenant, Provider: key.provider, Cause: fmt.Errorf("%w: %v", cacheerr.ErrPersistence, err)}
			}
		}
	}
	return firstErr
}

// RestoreFromPersistence loads every registered (tenant, provider) pair's
// snapshot from the SnapshotStore and, for entries not already expired,
// seeds the manager directly into Ready by translating wall-clock
// timestamps to the monotonic clock via
// now_mono + (wall - now_wall). Entries with no stored snapshot, or whose
// wall-clock expiry has already passed, are left untouched (cold).
func (reg *Registry) RestoreFromPersistence(ctx context.Context) error {
	reg.mu.RLock()
	snapshot := make(map[registrationKey]*manager.Manager, len(reg.managers))
	for k, m := range reg.managers {
		snapshot[k] = m
	}
	reg.mu.RUnlock()

	nowMono := time.Now()
	nowWall := time.Now()

	var firstErr error
	for key, m := range snapshot {
		raw, found, err := reg.snapshotStore.Get(ctx, snapshotKey(key.tenant, key.provider))
		if err != nil {
			if firstErr == nil {
				firstErr = &cacheerr.RegistrationError{Tenant: key.tenant, Provider: key.provider, Cause: fmt.Errorf("%w: %v", cacheerr.ErrPersistence, err)}
			}
			continue
		}
		if !found {
			continue
		}
		env, err := decodeSnapshotEnvelope(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		expiresWall := time.Unix(env.ExpiresAtUTC, 0)
		if !expiresWall.After(nowWall) {
			continue
		}

		expiresAt := nowMono.Add(expiresWall.Sub(nowWall))
		if expiresAt.Before(nowMono) {
			expiresAt = nowMono
		}

		ks, err := parseRestoredKeySet(env.JWKSBytes)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		refreshEarly, jitterWindow := m.RefreshPolicy()
		nextRefresh := expiresAt.Add(-refreshEarly)
		if jitterWindow > 0 {
			nextRefresh = nextRefresh.Add(time.Duration(float64(jitterWindow) * 0.5))
		}
		if nextRefresh.Before(nowMono) {
			nextRefresh = nowMono
		}

		staleDeadline := expiresAt
		if staleWhileError := m.StaleWhileError(); staleWhileError > 0 {
			staleDeadline = expiresAt.Add(staleWhileError)
		}

		m.Restore(&manager.Snapshot{
			KeySet:        ks,
			Raw:           env.JWKSBytes,
			ETag:          env.ETag,
			LastModified:  env.LastModified,
			FetchedAt:     nowMono,
			ExpiresAt:     expiresAt,
			NextRefreshAt: nextRefresh,
			StaleDeadline: staleDeadline,
		})
	}
	return firstErr
}

func parseRestoredKeySet(raw []byte) (*KeySet, error) {
	return keyset.Parse(raw)
}
