package jwkscache

import "github.com/hack-ink/jwks-cache/internal/keyset"

// KeySet is the parsed, deterministically ordered form of a JWKS document.
// Keys without a kid are ordered by (alg, use, kty, document order) for
// deterministic iteration.
type KeySet = keyset.KeySet

// Key is one entry of a KeySet.
type Key = keyset.Key
