// Package auth authenticates HTTP callers and projects them onto a
// requestctx.Context. Two authentication paths exist: the bootstrap
// credential, reserved for the seal/unseal admin plane, and capability
// tokens for everything else, which AuthzEvaluator (pkg/authz) then turns
// into a Permit/Deny decision per request.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/usp-platform/usp/internal/httpserver"
)

// BootstrapAuthenticator validates the bootstrap credential used exclusively
// by /v1/seal/* endpoints. It is deliberately separate from the capability
// token path, making anonymous seal control structurally impossible.
type BootstrapAuthenticator struct {
	credentialHash [32]byte
	configured     bool
	limiter        *RateLimiter
}

// NewBootstrapAuthenticator derives a comparison hash from the configured
// bootstrap credential. An empty credential leaves the authenticator
// unconfigured, and every request is rejected — there is no "open" fallback.
// limiter may be nil, in which case RequireBootstrap does not rate limit.
func NewBootstrapAuthenticator(credential string, limiter *RateLimiter) *BootstrapAuthenticator {
	if credential == "" {
		return &BootstrapAuthenticator{limiter: limiter}
	}
	return &BootstrapAuthenticator{
		credentialHash: sha256.Sum256([]byte(credential)),
		configured:     true,
		limiter:        limiter,
	}
}

// Authenticate reports whether raw matches the configured bootstrap
// credential using a constant-time comparison.
func (b *BootstrapAuthenticator) Authenticate(raw string) bool {
	if !b.configured || raw == "" {
		return false
	}
	got := sha256.Sum256([]byte(raw))
	return hmac.Equal(got[:], b.credentialHash[:])
}

// RequireBootstrap is chi middleware that rejects any request whose
// `X-USP-Bootstrap-Token` header does not match the configured bootstrap
// credential. When a RateLimiter is configured, it also rejects callers
// that have exceeded their failed-attempt budget before checking the
// token at all, and records/resets attempts on failure/success.
func (b *BootstrapAuthenticator) RequireBootstrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if b.limiter != nil {
			result, err := b.limiter.Check(r.Context(), ip)
			if err != nil {
				httpserver.RespondErrorCtx(w, r, http.StatusInternalServerError, "internal_error", "rate limit check failed")
				return
			}
			if !result.Allowed {
				httpserver.RespondErrorCtx(w, r, http.StatusTooManyRequests, "rate_limited", "too many failed bootstrap attempts")
				return
			}
		}

		token := r.Header.Get("X-USP-Bootstrap-Token")
		if !b.Authenticate(token) {
			if b.limiter != nil {
				_ = b.limiter.Record(r.Context(), ip)
			}
			httpserver.RespondErrorCtx(w, r, http.StatusUnauthorized, "unauthenticated", "bootstrap credential required")
			return
		}
		if b.limiter != nil {
			_ = b.limiter.Reset(r.Context(), ip)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller's address for rate limiting, preferring the
// first X-Forwarded-For hop (set by the usual reverse-proxy deployment)
// and falling back to the direct connection's RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GenerateBootstrapCredential generates a random hex credential suitable for
// first-run deployments that have not set USP_BOOTSTRAP_TOKEN explicitly.
func GenerateBootstrapCredential() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
