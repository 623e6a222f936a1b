package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/usp-platform/usp/internal/httpserver"
	"github.com/usp-platform/usp/internal/requestctx"
)

// TokenClaims are the claims embedded in a USP capability token. USP does
// not implement an identity provider; tokens are self-contained,
// HMAC-signed credentials minted by an operator via the admin plane or by
// a pluggable external issuer translated at the edge.
type TokenClaims struct {
	PrincipalID uuid.UUID      `json:"principal_id"`
	Roles       []string       `json:"roles"`
	Attributes  map[string]any `json:"attributes"`
}

// TokenIssuer mints and validates capability tokens using a self-issued
// HS256 JWT, carrying USP's identity shape rather than a tenant/session
// claim set.
type TokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
}

// NewTokenIssuer creates a TokenIssuer. The secret must be at least 32 bytes.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenIssuer{signingKey: []byte(secret), ttl: ttl}, nil
}

// Issue mints a signed token for the given principal.
func (t *TokenIssuer) Issue(claims TokenClaims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: t.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.PrincipalID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(t.ttl)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "usp",
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Validate verifies signature, issuer, and expiry, returning the claims.
func (t *TokenIssuer) Validate(raw string) (*TokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom TokenClaims
	if err := tok.Claims(t.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "usp",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	return &custom, nil
}

// Middleware authenticates the caller via `Authorization: Bearer <token>`
// and builds the requestctx.Context that every core operation downstream
// takes explicitly. It never places identity on a thread-local or package
// global.
func (t *TokenIssuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
			httpserver.RespondErrorCtx(w, r, http.StatusUnauthorized, "unauthenticated", "bearer capability token required")
			return
		}

		claims, err := t.Validate(authz[len(prefix):])
		if err != nil {
			httpserver.RespondErrorCtx(w, r, http.StatusUnauthorized, "unauthenticated", "invalid capability token")
			return
		}

		rc := requestctx.Anonymous(r, httpserver.RequestIDFromContext(r.Context()))
		rc.PrincipalID = claims.PrincipalID
		rc.Roles = claims.Roles
		if claims.Attributes != nil {
			rc.Attributes = claims.Attributes
		}

		ctx := requestctx.NewContext(r.Context(), rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
