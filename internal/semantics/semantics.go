// Package semantics implements the HTTP caching-semantics layer: TTL
// derivation from response headers, clamping, and refresh/stale instant
// computation. It is grounded on auth0-go-jwt-middleware's
// parseCacheControl max-age scanning, generalized to recognize s-maxage,
// no-cache, no-store, private, and the Expires/Date fallback.
package semantics

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives is the parsed subset of Cache-Control relevant to JWKS
// freshness decisions.
type Directives struct {
	SMaxAge    time.Duration
	HasSMaxAge bool
	MaxAge     time.Duration
	HasMaxAge  bool
	NoCache    bool
	NoStore    bool
	Private    bool
}

// ParseCacheControl scans a Cache-Control header value for the directives
// this cache cares about. Unknown directives are ignored.
func ParseCacheControl(header string) Directives {
	var d Directives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "no-cache":
			d.NoCache = true
		case part == "no-store":
			d.NoStore = true
		case part == "private":
			d.Private = true
		case strings.HasPrefix(part, "s-maxage="):
			if secs, err := strconv.ParseInt(strings.TrimPrefix(part, "s-maxage="), 10, 64); err == nil && secs >= 0 {
				d.SMaxAge = time.Duration(secs) * time.Second
				d.HasSMaxAge = true
			}
		case strings.HasPrefix(part, "max-age="):
			if secs, err := strconv.ParseInt(strings.TrimPrefix(part, "max-age="), 10, 64); err == nil && secs >= 0 {
				d.MaxAge = time.Duration(secs) * time.Second
				d.HasMaxAge = true
			}
		}
	}
	return d
}

// Freshness is the set of derived instants computed from a response and a
// registration's TTL/refresh configuration. All instants are monotonic,
// anchored at receivedAt.
type Freshness struct {
	EffectiveTTL  time.Duration
	ExpiresAt     time.Time
	NextRefreshAt time.Time
	StaleDeadline time.Time
}

// Params bundles the registration-derived inputs Compute needs, independent
// of the root package's registration type to keep this package leaf-level.
type Params struct {
	MinTTL          time.Duration
	MaxTTL          time.Duration
	RefreshEarly    time.Duration
	PrefetchJitter  time.Duration
	StaleWhileError time.Duration
}

// Compute derives TTL and scheduling instants from response headers:
// s-maxage preferred over max-age, falling back to
// Expires-Date, and finally to MinTTL when no directive is present. Raw TTL
// is clamped into [MinTTL, MaxTTL]. no-cache forces immediate revalidation
// by pinning NextRefreshAt to receivedAt.
func Compute(header http.Header, receivedAt time.Time, p Params) Freshness {
	d := ParseCacheControl(header.Get("Cache-Control"))

	rawTTL, ok := rawTTLFromDirectives(d)
	if !ok {
		rawTTL, ok = rawTTLFromExpiresDate(header)
	}
	if !ok {
		rawTTL = p.MinTTL
	}

	effectiveTTL := clamp(rawTTL, p.MinTTL, p.MaxTTL)
	expiresAt := receivedAt.Add(effectiveTTL)

	var nextRefreshAt time.Time
	if d.NoCache {
		nextRefreshAt = receivedAt
	} else {
		jitter := time.Duration(0)
		if p.PrefetchJitter > 0 {
			jitter = time.Duration(rand.Float64() * float64(p.PrefetchJitter))
		}
		nextRefreshAt = expiresAt.Add(-p.RefreshEarly).Add(jitter)
		if nextRefreshAt.Before(receivedAt) {
			nextRefreshAt = receivedAt
		}
		if nextRefreshAt.After(expiresAt) {
			nextRefreshAt = expiresAt
		}
	}

	staleDeadline := expiresAt
	if p.StaleWhileError > 0 {
		staleDeadline = expiresAt.Add(p.StaleWhileError)
	}

	return Freshness{
		EffectiveTTL:  effectiveTTL,
		ExpiresAt:     expiresAt,
		NextRefreshAt: nextRefreshAt,
		StaleDeadline: staleDeadline,
	}
}

func rawTTLFromDirectives(d Directives) (time.Duration, bool) {
	if d.HasSMaxAge {
		return d.SMaxAge, true
	}
	if d.HasMaxAge {
		return d.MaxAge, true
	}
	return 0, false
}

func rawTTLFromExpiresDate(header http.Header) (time.Duration, bool) {
	expiresRaw := header.Get("Expires")
	if expiresRaw == "" {
		return 0, false
	}
	expires, err := http.ParseTime(expiresRaw)
	if err != nil {
		return 0, false
	}

	dateRaw := header.Get("Date")
	var date time.Time
	if dateRaw != "" {
		date, err = http.ParseTime(dateRaw)
		if err != nil {
			date = time.Now()
		}
	} else {
		date = time.Now()
	}

	ttl := expires.Sub(date)
	if ttl < 0 {
		return 0, false
	}
	return ttl, true
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
