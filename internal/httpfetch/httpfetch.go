// Package httpfetch implements the HTTP transport layer: certificate
// pinning, redirect policy, size-bounded body reads, and conditional
// request construction. Pinning is grounded on the SHA-256 fingerprint
// idiom in vyrodovalexey/avapigw's mtls.calculateFingerprint, applied here
// to the server's Subject Public Key Info rather than the whole
// certificate. Size-bounded reads follow avapigw's jwks.go::Refresh, which
// wraps the body in io.LimitReader, generalized here to detect (rather than
// silently truncate) the oversize case.
package httpfetch

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hack-ink/jwks-cache/internal/cacheerr"
)

// Validators are the stored conditional-request validators for a
// registration's current payload.
type Validators struct {
	ETag         string
	LastModified string
}

// Outcome is the sealed result of a fetch attempt. Exactly one of the
// typed fields is populated.
type Outcome struct {
	Fresh       *Fresh
	NotModified *NotModified
	Err         error // *cacheerr.TransportError, *cacheerr.ProtocolError, or *cacheerr.PolicyError
}

// Fresh is a successful 2xx fetch with a new body.
type Fresh struct {
	Body       []byte
	Header     http.Header
	ReceivedAt time.Time
}

// NotModified is a 304 response: no body, validators may have changed.
type NotModified struct {
	Header     http.Header
	ReceivedAt time.Time
}

// Params describes a registration's transport policy, independent of the
// root package's registration type to keep this package leaf-level.
type Params struct {
	URL              string
	RequireHTTPS     bool
	MaxRedirects     int
	MaxResponseBytes int64
	PinnedSPKI       map[string]struct{} // lowercase hex SHA-256 SPKI fingerprints
	HostAllowed      func(host string) bool
	AttemptTimeout   time.Duration
}

// Fetcher performs bounded, policy-enforcing HTTP GETs against one
// registration's JWKS endpoint. A registration is immutable after
// insertion, so the Fetcher builds its *http.Client once at
// construction and reuses its connection pool across every attempt and
// refresh cycle for that registration: it stays stateless apart from that
// shared connection pool.
type Fetcher struct {
	params Params
	client *http.Client
}

// New builds a Fetcher bound to one registration's static transport
// policy.
func New(p Params) *Fetcher {
	return &Fetcher{params: p, client: buildClient(p)}
}

// Fetch performs one GET, attaching conditional headers when validators
// are known, and returns the sealed Outcome.
func (f *Fetcher) Fetch(ctx context.Context, validators Validators) Outcome {
	p := f.params

	parsed, err := url.Parse(p.URL)
	if err != nil {
		return Outcome{Err: cacheerr.NewPolicy("invalid-url")}
	}
	if p.RequireHTTPS && parsed.Scheme != "https" {
		return Outcome{Err: cacheerr.NewPolicy("https")}
	}
	if p.HostAllowed != nil && !p.HostAllowed(parsed.Hostname()) {
		return Outcome{Err: cacheerr.NewPolicy("host-not-allowed")}
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if p.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Outcome{Err: cacheerr.NewPolicy("invalid-url")}
	}
	if validators.ETag != "" {
		req.Header.Set("If-None-Match", validators.ETag)
	}
	if validators.LastModified != "" {
		req.Header.Set("If-Modified-Since", validators.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{Err: classifyTransportError(err)}
	}
	defer resp.Body.Close()

	receivedAt := time.Now()

	if resp.StatusCode == http.StatusNotModified {
		return Outcome{NotModified: &NotModified{Header: resp.Header, ReceivedAt: receivedAt}}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		return Outcome{Err: &cacheerr.ProtocolError{Status: resp.StatusCode, Retryable: retryable}}
	}

	body, err := readBounded(resp.Body, p.MaxResponseBytes)
	if err != nil {
		return Outcome{Err: err}
	}

	return Outcome{Fresh: &Fresh{Body: body, Header: resp.Header, ReceivedAt: receivedAt}}
}

// readBounded reads at most limit bytes, returning a PolicyError{oversize}
// if the body exceeds the limit rather than silently truncating it.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, cacheerr.NewTransport("body-read", false, err)
	}
	if int64(len(body)) > limit {
		return nil, cacheerr.NewPolicy("oversize")
	}
	return body, nil
}

func buildClient(p Params) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}

	if len(p.PinnedSPKI) > 0 {
		pinned := p.PinnedSPKI
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: false,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				for _, raw := range rawCerts {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						continue
					}
					sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
					if _, ok := pinned[fmt.Sprintf("%x", sum)]; ok {
						return nil
					}
				}
				return errPinningMismatch
			},
		}
	}

	client := &http.Client{Transport: transport}

	maxRedirects := p.MaxRedirects
	hostAllowed := p.HostAllowed
	requireHTTPS := p.RequireHTTPS
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errTooManyRedirects
		}
		if requireHTTPS && req.URL.Scheme != "https" {
			return errDowngrade
		}
		if hostAllowed != nil && !hostAllowed(req.URL.Hostname()) {
			return errRedirectHostNotAllowed
		}
		return nil
	}

	return client
}

var (
	errPinningMismatch        = errors.New("httpfetch: presented certificate does not match pinned SPKI")
	errTooManyRedirects       = errors.New("httpfetch: redirect limit exceeded")
	errDowngrade              = errors.New("httpfetch: refusing to follow HTTPS to HTTP redirect")
	errRedirectHostNotAllowed = errors.New("httpfetch: redirect host not in allow-list")
)

func classifyTransportError(err error) error {
	if errors.Is(err, errPinningMismatch) || isWrapped(err, errPinningMismatch) {
		return cacheerr.NewTransport("pinning", false, err)
	}
	if isWrapped(err, errTooManyRedirects) {
		return cacheerr.NewPolicy("redirect")
	}
	if isWrapped(err, errDowngrade) {
		return cacheerr.NewPolicy("redirect-downgrade")
	}
	if isWrapped(err, errRedirectHostNotAllowed) {
		return cacheerr.NewPolicy("redirect")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cacheerr.NewTransport("timeout", true, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cacheerr.NewTransport("timeout", true, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return cacheerr.NewTransport("dns", dnsErr.Temporary(), err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return cacheerr.NewTransport("connect", true, err)
	}

	if strings.Contains(err.Error(), "certificate") || strings.Contains(err.Error(), "tls") {
		return cacheerr.NewTransport("tls", false, err)
	}

	return cacheerr.NewTransport("unknown", true, err)
}

func isWrapped(err, target error) bool {
	for err != nil {
		if errors.Is(err, target) {
			return true
		}
		uerr, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = uerr.Unwrap()
	}
	return false
}
