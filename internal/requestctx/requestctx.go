// Package requestctx implements C11: the per-request context that is
// constructed once at the edge and passed explicitly into every core
// operation. No USP component reads ambient/global request state; every
// function that needs identity, attributes, or a correlation id takes a
// *Context argument.
package requestctx

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Context carries everything a core operation needs to know about the
// caller and the environment the request arrived in.
type Context struct {
	PrincipalID       uuid.UUID
	Roles             []string
	Attributes        map[string]any // subject_attributes for ABAC/HCL templating
	SessionID         string
	IP                string
	NetworkZone       string
	UserAgent         string
	DeviceFingerprint string
	Geo               string // ISO country code, if resolved at the edge
	DeviceCompliant   *bool
	RiskScore         *int // 0..100, computed by the edge's risk evaluator
	CorrelationID     string
	Now               time.Time
}

// Anonymous builds a Context for a request that carries no authenticated
// principal (only admin-plane/bootstrap endpoints may use one of these).
func Anonymous(r *http.Request, correlationID string) *Context {
	return &Context{
		Attributes:    map[string]any{},
		IP:            clientIP(r),
		UserAgent:     r.Header.Get("User-Agent"),
		CorrelationID: correlationID,
		Now:           time.Now().UTC(),
	}
}

// EnvironmentAttributes projects the fields AuthzEvaluator's context
// policies consume out of the Context, as a flat attribute map.
func (c *Context) EnvironmentAttributes() map[string]any {
	env := map[string]any{
		"ip":           c.IP,
		"network_zone": c.NetworkZone,
		"now":          c.Now,
	}
	if c.Geo != "" {
		env["geo"] = c.Geo
	}
	if c.DeviceCompliant != nil {
		env["device_compliant"] = *c.DeviceCompliant
	}
	if c.RiskScore != nil {
		env["risk_score"] = *c.RiskScore
	}
	return env
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying rc, retrievable with FromContext.
func NewContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext extracts the Context stored by NewContext, or nil if absent.
func FromContext(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
