package jwkscache

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/hack-ink/jwks-cache/internal/cacheerr"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// JitterMode selects a RetryPolicy's backoff jitter strategy.
type JitterMode string

const (
	JitterNone         JitterMode = "none"
	JitterFull         JitterMode = "full"
	JitterEqual        JitterMode = "equal"
	JitterDecorrelated JitterMode = "decorrelated"
)

// RetryPolicy configures the exponential backoff retry loop around a
// fetch.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout,omitempty" json:"attemptTimeout,omitempty"`
	InitialBackoff time.Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
	Deadline       time.Duration `yaml:"deadline,omitempty" json:"deadline,omitempty"`
	Jitter         JitterMode    `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// DefaultRetryPolicy returns the recommended defaults: three retries, a 2s
// attempt timeout, 250ms initial/10s max exponential backoff, a 30s total
// deadline, and full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		AttemptTimeout: 2 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Deadline:       30 * time.Second,
		Jitter:         JitterFull,
	}
}

// Validate normalizes zero-valued fields and checks the cross-field
// constraints between them.
func (p *RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return &ConfigError{Field: "retry_policy.max_retries", Cause: fmt.Errorf("must be >= 0")}
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 2 * time.Second
	}
	if p.AttemptTimeout < 100*time.Millisecond {
		return &ConfigError{Field: "retry_policy.attempt_timeout", Cause: fmt.Errorf("must be >= 100ms")}
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		return &ConfigError{Field: "retry_policy.max_backoff", Cause: fmt.Errorf("must be >= initial_backoff")}
	}
	if p.Deadline == 0 {
		p.Deadline = 30 * time.Second
	}
	if p.Deadline < p.AttemptTimeout {
		return &ConfigError{Field: "retry_policy.deadline", Cause: fmt.Errorf("must be >= attempt_timeout")}
	}
	switch p.Jitter {
	case "":
		p.Jitter = JitterNone
	case JitterNone, JitterFull, JitterEqual, JitterDecorrelated:
	default:
		return &ConfigError{Field: "retry_policy.jitter", Cause: fmt.Errorf("unknown mode %q", p.Jitter)}
	}
	return nil
}

// IdentityProviderRegistration describes one identity provider's JWKS
// endpoint and the caching policy to apply to it. It is immutable after
// insertion into a Registry except by replacement (unregister +
// register).
type IdentityProviderRegistration struct {
	TenantID   string `yaml:"tenantId" json:"tenantId"`
	ProviderID string `yaml:"providerId" json:"providerId"`
	JWKSURL    string `yaml:"jwksUrl" json:"jwksUrl"`

	RefreshEarly     time.Duration `yaml:"refreshEarly,omitempty" json:"refreshEarly,omitempty"`
	StaleWhileError  time.Duration `yaml:"staleWhileError,omitempty" json:"staleWhileError,omitempty"`
	MinTTL           time.Duration `yaml:"minTtl,omitempty" json:"minTtl,omitempty"`
	MaxTTL           time.Duration `yaml:"maxTtl,omitempty" json:"maxTtl,omitempty"`
	MaxResponseBytes int64         `yaml:"maxResponseBytes,omitempty" json:"maxResponseBytes,omitempty"`
	NegativeCacheTTL time.Duration `yaml:"negativeCacheTtl,omitempty" json:"negativeCacheTtl,omitempty"`

	RequireHTTPS   *bool         `yaml:"requireHttps,omitempty" json:"requireHttps,omitempty"`
	AllowedDomains []string      `yaml:"allowedDomains,omitempty" json:"allowedDomains,omitempty"`
	MaxRedirects   int           `yaml:"maxRedirects,omitempty" json:"maxRedirects,omitempty"`
	PinnedSPKI     []string      `yaml:"pinnedSpki,omitempty" json:"pinnedSpki,omitempty"`
	PrefetchJitter time.Duration `yaml:"prefetchJitter,omitempty" json:"prefetchJitter,omitempty"`

	RetryPolicy RetryPolicy `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`
}

// Validate fills in default values and checks every field's range and
// cross-field constraint, following avapigw's config.go: early
// required-field checks, then per-field range checks, wrapped ConfigErrors.
func (r *IdentityProviderRegistration) Validate(registryDefaultAllowed func(host string) bool) error {
	if !identifierPattern.MatchString(r.TenantID) {
		return &ConfigError{Field: "tenant_id", Cause: fmt.Errorf("must match [A-Za-z0-9_-]{1,64}")}
	}
	if !identifierPattern.MatchString(r.ProviderID) {
		return &ConfigError{Field: "provider_id", Cause: fmt.Errorf("must match [A-Za-z0-9_-]{1,64}")}
	}

	parsed, err := url.Parse(r.JWKSURL)
	if err != nil || parsed.Host == "" {
		return &ConfigError{Field: "jwks_url", Cause: fmt.Errorf("must be an absolute URL")}
	}

	requireHTTPS := true
	if r.RequireHTTPS != nil {
		requireHTTPS = *r.RequireHTTPS
	}
	r.RequireHTTPS = &requireHTTPS
	if requireHTTPS && parsed.Scheme != "https" {
		return &ConfigError{Field: "jwks_url", Cause: fmt.Errorf("must be HTTPS when require_https is set")}
	}

	host, err := normalizeHost(parsed.Hostname())
	if err != nil {
		return &ConfigError{Field: "jwks_url", Cause: fmt.Errorf("invalid host: %w", err)}
	}
	allowed := registryDefaultAllowed != nil && registryDefaultAllowed(host)
	if !allowed {
		for _, suffix := range r.AllowedDomains {
			if hostMatchesSuffix(host, suffix) {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return &cacheerr.PolicyError{Kind: "host-not-allowed"}
	}

	if r.MinTTL == 0 {
		r.MinTTL = 30 * time.Second
	}
	if r.MaxTTL == 0 {
		r.MaxTTL = 24 * time.Hour
	}
	if r.MinTTL < 30*time.Second || r.MinTTL > r.MaxTTL {
		return &ConfigError{Field: "min_ttl", Cause: fmt.Errorf("must satisfy 30s <= min_ttl <= max_ttl")}
	}

	if r.RefreshEarly == 0 {
		r.RefreshEarly = 30 * time.Second
	}
	if r.RefreshEarly < time.Second {
		return &ConfigError{Field: "refresh_early", Cause: fmt.Errorf("must be >= 1s")}
	}
	if r.RefreshEarly >= r.MinTTL {
		return &ConfigError{Field: "refresh_early", Cause: fmt.Errorf("must be strictly less than the effective TTL floor")}
	}

	if r.StaleWhileError < 0 {
		return &ConfigError{Field: "stale_while_error", Cause: fmt.Errorf("must be >= 0")}
	}

	if r.MaxResponseBytes == 0 {
		r.MaxResponseBytes = 1048576
	}
	if r.MaxResponseBytes <= 0 {
		return &ConfigError{Field: "max_response_bytes", Cause: fmt.Errorf("must be positive")}
	}

	if r.NegativeCacheTTL < 0 {
		return &ConfigError{Field: "negative_cache_ttl", Cause: fmt.Errorf("must be >= 0")}
	}

	if r.MaxRedirects == 0 {
		r.MaxRedirects = 3
	}
	if r.MaxRedirects < 0 || r.MaxRedirects > 10 {
		return &ConfigError{Field: "max_redirects", Cause: fmt.Errorf("must be in [0, 10]")}
	}

	if r.PrefetchJitter == 0 {
		r.PrefetchJitter = 5 * time.Second
	}
	if r.PrefetchJitter < 0 {
		return &ConfigError{Field: "prefetch_jitter", Cause: fmt.Errorf("must be >= 0")}
	}

	if err := r.RetryPolicy.Validate(); err != nil {
		return err
	}

	return nil
}

// normalizeHost lowercases and IDNA-normalizes host, stripping a trailing
// dot first so "Example.COM." and "example.com" canonicalize identically.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return ascii, nil
}

// hostMatchesSuffix reports whether host is suffix itself or a subdomain of
// it, after normalizing both sides. This is the only place allow-list
// membership is decided, so it is applied identically whether the host
// comes from a registration's own jwks_url, a live fetch, or a redirect
// target.
func hostMatchesSuffix(host, suffix string) bool {
	if suffix == "" {
		return false
	}
	normHost, err := normalizeHost(host)
	if err != nil {
		return false
	}
	normSuffix, err := normalizeHost(suffix)
	if err != nil {
		return false
	}
	if normHost == normSuffix {
		return true
	}
	return len(normHost) > len(normSuffix) && normHost[len(normHost)-len(normSuffix)-1] == '.' && normHost[len(normHost)-len(normSuffix):] == normSuffix
}

func pinnedSPKISet(fingerprints []string) map[string]struct{} {
	if len(fingerprints) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		set[fp] = struct{}{}
	}
	return set
}
