package jwkscache

import "github.com/hack-ink/jwks-cache/internal/cacheerr"

// Error taxonomy sentinels, one per failure kind. Use errors.Is against
// these, or errors.As against the typed wrappers below to recover
// structured detail.
var (
	ErrConfig      = cacheerr.ErrConfig
	ErrConflict    = cacheerr.ErrConflict
	ErrPolicy      = cacheerr.ErrPolicy
	ErrTransport   = cacheerr.ErrTransport
	ErrProtocol    = cacheerr.ErrProtocol
	ErrParse       = cacheerr.ErrParse
	ErrKeyNotFound = cacheerr.ErrKeyNotFound
	ErrNotFound    = cacheerr.ErrNotFound
	ErrCancelled   = cacheerr.ErrCancelled
	ErrPersistence = cacheerr.ErrPersistence
)

// TransportError, ProtocolError, PolicyError, ConfigError, RegistrationError,
// and KeyNotFoundError carry the structured detail behind the sentinels
// above; use errors.As to recover them.
type (
	TransportError    = cacheerr.TransportError
	ProtocolError     = cacheerr.ProtocolError
	PolicyError       = cacheerr.PolicyError
	ConfigError       = cacheerr.ConfigError
	RegistrationError = cacheerr.RegistrationError
	KeyNotFoundError  = cacheerr.KeyNotFoundError
)
