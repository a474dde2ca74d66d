// Package keyset parses JWKS documents into a deterministically ordered
// KeySet and materializes individual keys into crypto.PublicKey values via
// lestrrat-go/jwx.
package keyset

import (
	"crypto"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/hack-ink/jwks-cache/internal/cacheerr"
)

// Key is one entry of a parsed JWKS document, carrying both the raw fields
// needed for deterministic ordering and the materialized public key.
type Key struct {
	Kid    string
	Kty    string
	Alg    string
	Use    string
	Public crypto.PublicKey

	// docOrder is the key's position in the original keys array, used as
	// the final tiebreaker for kid-less ordering.
	docOrder int
}

// KeySet is the parsed, ordered form of a JWKS document.
type KeySet struct {
	Keys []Key

	// Raw is the exact body bytes this KeySet was parsed from, kept for
	// byte-for-bit snapshot round-tripping.
	Raw []byte
}

// ByKid returns the key with the given kid, or ok=false if absent.
func (k *KeySet) ByKid(kid string) (Key, bool) {
	for _, key := range k.Keys {
		if key.Kid == kid {
			return key, true
		}
	}
	return Key{}, false
}

// Len reports the number of keys in the set.
func (k *KeySet) Len() int { return len(k.Keys) }

type rawJWKS struct {
	Keys []json.RawMessage `json:"keys"`
}

type rawJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Parse decodes a JWKS document, validates the required fields per key type
// per spec (RSA {kty,n,e}; EC {kty,crv,x,y} with crv in P-256/P-384; OKP
// {kty,crv,x} with crv Ed25519), materializes each key's crypto.PublicKey
// via jwx, and orders all keys, with or without a kid, by (alg, use, kty,
// document order).
func Parse(body []byte) (*KeySet, error) {
	var doc rawJWKS
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &parseError{cause: fmt.Errorf("invalid JWKS document: %w", err)}
	}

	set := &KeySet{Raw: body}
	for i, raw := range doc.Keys {
		var rk rawJWK
		if err := json.Unmarshal(raw, &rk); err != nil {
			return nil, &parseError{cause: fmt.Errorf("invalid JWK at index %d: %w", i, err)}
		}
		if err := validateRequiredFields(rk); err != nil {
			return nil, &parseError{cause: fmt.Errorf("JWK at index %d: %w", i, err)}
		}

		parsed, err := jwk.ParseKey(raw)
		if err != nil {
			return nil, &parseError{cause: fmt.Errorf("JWK at index %d: %w", i, err)}
		}

		var pub crypto.PublicKey
		if err := parsed.Raw(&pub); err != nil {
			return nil, &parseError{cause: fmt.Errorf("JWK at index %d: materializing public key: %w", i, err)}
		}

		set.Keys = append(set.Keys, Key{
			Kid:      rk.Kid,
			Kty:      rk.Kty,
			Alg:      rk.Alg,
			Use:      rk.Use,
			Public:   pub,
			docOrder: i,
		})
	}

	sort.SliceStable(set.Keys, func(i, j int) bool {
		a, b := set.Keys[i], set.Keys[j]
		// The ordering rule only matters for kid-less keys, but it is applied
		// to every key, so keys with a kid are also reordered by
		// (alg, use, kty); docOrder settles ties.
		if a.Alg != b.Alg {
			return a.Alg < b.Alg
		}
		if a.Use != b.Use {
			return a.Use < b.Use
		}
		if a.Kty != b.Kty {
			return a.Kty < b.Kty
		}
		return a.docOrder < b.docOrder
	})

	return set, nil
}

func validateRequiredFields(k rawJWK) error {
	switch k.Kty {
	case "RSA":
		if k.N == "" || k.E == "" {
			return fmt.Errorf("RSA key missing required field n or e")
		}
	case "EC":
		if k.Crv == "" || k.X == "" || k.Y == "" {
			return fmt.Errorf("EC key missing required field crv, x, or y")
		}
		if k.Crv != "P-256" && k.Crv != "P-384" {
			return fmt.Errorf("EC key has unsupported crv %q", k.Crv)
		}
	case "OKP":
		if k.Crv == "" || k.X == "" {
			return fmt.Errorf("OKP key missing required field crv or x")
		}
		if k.Crv != "Ed25519" {
			return fmt.Errorf("OKP key has unsupported crv %q", k.Crv)
		}
	default:
		return fmt.Errorf("unsupported key type %q", k.Kty)
	}
	return nil
}

type parseError struct {
	cause error
}

func (e *parseError) Error() string        { return e.cause.Error() }
func (e *parseError) Unwrap() error        { return cacheerr.ErrParse }
func (e *parseError) Is(target error) bool { return target == cacheerr.ErrParse }
