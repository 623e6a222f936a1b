package authz

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/usp-platform/usp/internal/httpserver"
	"github.com/usp-platform/usp/internal/requestctx"
	"github.com/usp-platform/usp/internal/usperr"
)

// Handler provides HTTP handlers for policy CRUD and the authz check API.
type Handler struct {
	evaluator *Evaluator
}

// NewHandler creates an authz Handler.
func NewHandler(evaluator *Evaluator) *Handler {
	return &Handler{evaluator: evaluator}
}

// PolicyRoutes returns a chi.Router with policy CRUD, meant to be mounted
// at /v1/policies behind a sudo capability check.
func (h *Handler) PolicyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	return r
}

// CheckRoutes returns a chi.Router with the decision-preview endpoint,
// meant to be mounted at /v1/authz open to any authenticated caller.
func (h *Handler) CheckRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.handleCheck)
	return r
}

type policyRequest struct {
	Name          string          `json:"name" validate:"required"`
	Type          PolicyType      `json:"type" validate:"required"`
	Body          json.RawMessage `json:"body" validate:"required"`
	Priority      int             `json:"priority"`
	EffectDefault Effect          `json:"effect_default"`
	Active        bool            `json:"active"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	row, err := h.evaluator.CreatePolicy(r.Context(), req.Name, req.Type, req.Body, req.Priority, req.EffectDefault)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid policy id")
		return
	}
	row, err := h.evaluator.GetPolicy(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid policy id")
		return
	}
	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.evaluator.UpdatePolicy(r.Context(), id, req.Type, req.Body, req.Priority, req.EffectDefault, req.Active); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid policy id")
		return
	}
	if err := h.evaluator.DeletePolicy(r.Context(), id); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type checkRequest struct {
	Action             string         `json:"action" validate:"required"`
	ResourceType       string         `json:"resource_type" validate:"required"`
	ResourceID         string         `json:"resource_id"`
	ResourceAttributes map[string]any `json:"resource_attributes"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	decision, err := h.evaluator.EvaluateHTTPRequest(r, req.Action, req.ResourceType, req.ResourceID, req.ResourceAttributes)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, decision)
}

// EvaluateHTTPRequest builds a Request from the requestctx.Context carried
// on r and runs Evaluate. Used both by the /v1/authz/check handler and by
// internal/auth.RequireAuthz middleware guarding other engines' routes.
func (e *Evaluator) EvaluateHTTPRequest(r *http.Request, action, resourceType, resourceID string, resourceAttributes map[string]any) (Result, error) {
	rc := requestctx.FromContext(r.Context())
	if rc == nil {
		return Result{}, usperr.New(usperr.Unauthenticated, "missing request context")
	}
	return e.Evaluate(r.Context(), Request{
		SubjectID:             rc.PrincipalID.String(),
		SubjectAttributes:     rc.Attributes,
		Action:                action,
		ResourceType:          resourceType,
		ResourceID:            resourceID,
		ResourceAttributes:    resourceAttributes,
		EnvironmentAttributes: rc.EnvironmentAttributes(),
		Roles:                 rc.Roles,
	})
}

// EvaluateRequest implements internal/auth.Evaluator, projecting Result
// onto the (decision, required_action) pair that middleware checks.
func (e *Evaluator) EvaluateRequest(r *http.Request, action, resourceType, resourceID string) (string, string, error) {
	result, err := e.EvaluateHTTPRequest(r, action, resourceType, resourceID, nil)
	if err != nil {
		return "", "", err
	}
	return string(result.Decision), string(result.RequiredAction), nil
}
