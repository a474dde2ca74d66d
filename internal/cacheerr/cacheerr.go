// Package cacheerr defines the error taxonomy shared by every layer of the
// JWKS cache: configuration, transport, HTTP protocol, policy, parsing, and
// lookup failures all resolve to one of the sentinels below.
package cacheerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is against these to classify a failure; use
// errors.As against the wrapper types below to recover structured detail.
var (
	// ErrConfig indicates an invalid registration or registry configuration.
	ErrConfig = errors.New("jwks-cache: invalid configuration")

	// ErrConflict indicates a duplicate (tenant, provider) registration.
	ErrConflict = errors.New("jwks-cache: registration already exists")

	// ErrPolicy indicates a transport-security or response-shape policy
	// violation: disallowed host, HTTPS downgrade, oversized body,
	// disallowed redirect. A pinning mismatch is a TransportError, not a
	// policy violation.
	ErrPolicy = errors.New("jwks-cache: policy violation")

	// ErrTransport indicates a DNS, connect, TLS, or timeout failure below
	// the HTTP protocol layer.
	ErrTransport = errors.New("jwks-cache: transport error")

	// ErrProtocol indicates a non-2xx/304 HTTP response.
	ErrProtocol = errors.New("jwks-cache: protocol error")

	// ErrParse indicates malformed JWKS JSON or an invalid JWK.
	ErrParse = errors.New("jwks-cache: parse error")

	// ErrKeyNotFound indicates the requested kid is absent from the
	// resolved key set.
	ErrKeyNotFound = errors.New("jwks-cache: key not found")

	// ErrNotFound indicates an unknown (tenant, provider) registration.
	ErrNotFound = errors.New("jwks-cache: registration not found")

	// ErrCancelled indicates the operation was aborted by unregister or by
	// caller cancellation.
	ErrCancelled = errors.New("jwks-cache: operation cancelled")

	// ErrPersistence indicates a snapshot store failure.
	ErrPersistence = errors.New("jwks-cache: persistence error")
)

// TransportError carries the retryable classification for DNS, connect,
// TLS, pinning, and timeout failures.
type TransportError struct {
	Kind      string
	Retryable bool
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("jwks-cache: transport error (%s, retryable=%t): %v", e.Kind, e.Retryable, e.Cause)
}

func (e *TransportError) Unwrap() error { return ErrTransport }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NewTransport builds a TransportError.
func NewTransport(kind string, retryable bool, cause error) *TransportError {
	return &TransportError{Kind: kind, Retryable: retryable, Cause: cause}
}

// ProtocolError carries the HTTP status code and retryable classification
// for non-2xx/304 responses.
type ProtocolError struct {
	Status    int
	Retryable bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jwks-cache: protocol error (status=%d, retryable=%t)", e.Status, e.Retryable)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocol builds a ProtocolError, deriving the retryable flag from the
// status code per spec: retryable for 408/429/5xx, non-retryable otherwise.
func NewProtocol(status int) *ProtocolError {
	retryable := status == 408 || status == 429 || status >= 500
	return &ProtocolError{Status: status, Retryable: retryable}
}

// PolicyError carries the kind of policy violation (https, invalid-url,
// host-not-allowed, redirect, redirect-downgrade, oversize).
type PolicyError struct {
	Kind string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("jwks-cache: policy violation (%s)", e.Kind)
}

func (e *PolicyError) Unwrap() error { return ErrPolicy }

func (e *PolicyError) Is(target error) bool { return target == ErrPolicy }

// NewPolicy builds a PolicyError.
func NewPolicy(kind string) *PolicyError {
	return &PolicyError{Kind: kind}
}

// ConfigError wraps a field-level configuration failure with its field name.
type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("jwks-cache: invalid configuration: %v", e.Cause)
	}
	return fmt.Sprintf("jwks-cache: invalid configuration: %s: %v", e.Field, e.Cause)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// NewConfig builds a ConfigError.
func NewConfig(field string, cause error) *ConfigError {
	return &ConfigError{Field: field, Cause: cause}
}

// RegistrationError identifies the (tenant, provider) pair a NotFound or
// Conflict error applies to.
type RegistrationError struct {
	Tenant, Provider string
	Cause            error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("jwks-cache: %v (tenant=%s, provider=%s)", e.Cause, e.Tenant, e.Provider)
}

func (e *RegistrationError) Unwrap() error { return e.Cause }

func (e *RegistrationError) Is(target error) bool { return errors.Is(e.Cause, target) }

// NewNotFound builds a RegistrationError wrapping ErrNotFound.
func NewNotFound(tenant, provider string) *RegistrationError {
	return &RegistrationError{Tenant: tenant, Provider: provider, Cause: ErrNotFound}
}

// NewConflict builds a RegistrationError wrapping ErrConflict.
func NewConflict(tenant, provider string) *RegistrationError {
	return &RegistrationError{Tenant: tenant, Provider: provider, Cause: ErrConflict}
}

// KeyNotFoundError carries the kid that could not be resolved.
type KeyNotFoundError struct {
	Kid string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("jwks-cache: key %q not found", e.Kid)
}

func (e *KeyNotFoundError) Unwrap() error { return ErrKeyNotFound }

func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// NewKeyNotFound builds a KeyNotFoundError.
func NewKeyNotFound(kid string) *KeyNotFoundError {
	return &KeyNotFoundError{Kid: kid}
}

// IsRetryable reports whether err participates in the retry loop: only
// TransportError and ProtocolError with Retryable set qualify. PolicyError
// and ConfigError are never retried.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
