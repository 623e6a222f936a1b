package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/usp-platform/usp/internal/httpserver"
	"github.com/usp-platform/usp/internal/requestctx"
)

// RequireAuth rejects requests that carry no requestctx.Context, i.e. that
// never passed through TokenIssuer.Middleware.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.FromContext(r.Context()) == nil {
			httpserver.RespondErrorCtx(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Evaluator is the narrow seam RequireAuthz needs from pkg/authz, kept
// here to avoid importing pkg/authz (and its store dependency) directly
// into the HTTP middleware layer.
type Evaluator interface {
	EvaluateRequest(r *http.Request, action, resourceType, resourceID string) (decision, requiredAction string, err error)
}

// ResourceIDFunc extracts the resource identifier a policy check should be
// run against (e.g. a KV/transit/database path) from the inbound request.
// Routes with no path-addressed resource pass nil.
type ResourceIDFunc func(r *http.Request) string

// PathWildcard extracts the chi "*" wildcard segment as the resource id,
// the shape the kv routes and the database lease routes use.
func PathWildcard(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// URLParam builds a ResourceIDFunc that extracts a named chi route
// parameter, the shape the transit routes and the database config, roles
// and creds routes use ({name}) in place of a "*" wildcard.
func URLParam(name string) ResourceIDFunc {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// RequireAuthz returns middleware that calls ev for every request against
// the given action/resourceType (and, if resourceIDFn is non-nil, a
// request-derived resource id) and rejects anything but a Permit. This
// supersedes a hardcoded role hierarchy: RBAC is now one of several policy
// types the evaluator combines, configurable without a code change.
func RequireAuthz(ev Evaluator, action, resourceType string, resourceIDFn ResourceIDFunc) func(http.Handler) http.Handler {
	return RequireAuthzByMethod(ev, map[string]string{"*": action}, resourceType, resourceIDFn)
}

// RequireAuthzByMethod is RequireAuthz for routers that mount more than one
// HTTP method onto the same path (kv data/metadata and transit key
// routes), where the capability action differs per verb — GET maps to
// "read", POST to "create" or "update", DELETE to "delete".
// methodActions["*"] is the fallback for methods not listed explicitly.
func RequireAuthzByMethod(ev Evaluator, methodActions map[string]string, resourceType string, resourceIDFn ResourceIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action, ok := methodActions[r.Method]
			if !ok {
				action, ok = methodActions["*"]
			}
			if !ok {
				httpserver.RespondErrorCtx(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method for this route")
				return
			}

			var resourceID string
			if resourceIDFn != nil {
				resourceID = resourceIDFn(r)
			}
			decision, requiredAction, err := ev.EvaluateRequest(r, action, resourceType, resourceID)
			if err != nil {
				httpserver.RespondErrorCtx(w, r, http.StatusInternalServerError, "internal_error", "authorization check failed")
				return
			}
			if decision != "Permit" {
				httpserver.RespondErrorCtx(w, r, http.StatusForbidden, "policy_denied", "denied by policy")
				return
			}
			if requiredAction != "" {
				w.Header().Set("X-USP-Required-Action", requiredAction)
			}
			next.ServeHTTP(w, r)
		})
	}
}
