// Package jwkscache implements a production-grade JSON Web Key Set (JWKS)
// caching core for high-throughput token-verification services.
//
// A process constructs a [Registry] and registers one or more
// [IdentityProviderRegistration] values, each identified by a
// (tenant, provider) pair. Each registration gets its own cache manager
// that fetches, caches, and refreshes the provider's JWKS document
// according to HTTP caching semantics, tolerating upstream failures within
// a bounded staleness window and coalescing concurrent fetches through
// single-flight.
//
// # Features
//
//   - Per-registration state machine (Empty/Loading/Ready/Refreshing) with
//     single-flight refresh coordination.
//   - HTTP caching semantics: Cache-Control/Expires-derived TTLs,
//     conditional requests, 304 merge.
//   - Retry with exponential backoff and four jitter modes, bounded by a
//     total deadline and per-attempt timeout.
//   - Transport-security policy: mandatory HTTPS, SPKI certificate
//     pinning, redirect host allow-listing, response size bounds.
//   - Multi-tenant registry with reader-preferring locking and an
//     optional snapshot store for warm starts.
//   - Metrics and tracing sinks are injected interfaces; both ship with
//     no-op defaults so the library works unconfigured.
//
// # Usage
//
//	registry := jwkscache.NewRegistryBuilder().
//		AddAllowedDomain("auth0.com").
//		WithDefaultRetryPolicy(jwkscache.DefaultRetryPolicy()).
//		Build()
//
//	err := registry.Register(jwkscache.IdentityProviderRegistration{
//		TenantID:   "acme",
//		ProviderID: "auth0",
//		JWKSURL:    "https://acme.auth0.com/.well-known/jwks.json",
//	})
//
//	keys, err := registry.Resolve(ctx, "acme", "auth0", "")
package jwkscache
