package seal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/usp-platform/usp/internal/crypto"
	"github.com/usp-platform/usp/internal/httpserver"
)

// auditSink is the narrow audit seam the handler needs for recording
// init/unseal/seal events. The admin plane authenticates via the
// bootstrap credential rather than the capability-token middleware, so
// there is no requestctx.Context to read the principal from here;
// LogFromRequest extracts what it can straight off *http.Request.
type auditSink interface {
	LogFromRequest(ctx context.Context, r *http.Request, principalID, correlationID, eventType, action, resource string, success bool, details json.RawMessage) error
}

// Handler provides the seal admin-plane HTTP handlers (C1-C3): init,
// unseal, seal, and status. Init/unseal/seal sit behind the bootstrap
// credential (mounted separately by the composition root); status is
// readable by any authenticated caller, sealed or not.
type Handler struct {
	controller *Controller
	audit      auditSink
}

// NewHandler creates a seal Handler.
func NewHandler(c *Controller, auditSink auditSink) *Handler {
	return &Handler{controller: c, audit: auditSink}
}

func (h *Handler) recordAudit(r *http.Request, eventType, action string, success bool, details json.RawMessage) {
	if h.audit == nil {
		return
	}
	correlationID := httpserver.RequestIDFromContext(r.Context())
	if err := h.audit.LogFromRequest(r.Context(), r, "", correlationID, eventType, action, "", success, details); err != nil {
		slog.Default().Error("recording seal audit event", "error", err, "event_type", eventType)
	}
}

// BootstrapRoutes returns the routes that must sit behind the bootstrap
// credential: init, unseal, seal.
func (h *Handler) BootstrapRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/init", h.handleInit)
	r.Post("/unseal", h.handleUnseal)
	r.Post("/seal", h.handleSeal)
	return r
}

// StatusRoute returns the single status route, open to any authenticated
// caller regardless of seal state.
func (h *Handler) StatusRoute() http.HandlerFunc {
	return h.handleStatus
}

type initRequest struct {
	Shares    int `json:"shares" validate:"required,min=1"`
	Threshold int `json:"threshold" validate:"required,min=1"`
}

type initResponse struct {
	Shares []crypto.Share `json:"shares"`
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	shares, err := h.controller.Init(r.Context(), req.Shares, req.Threshold)
	if err != nil {
		h.recordAudit(r, "init", "seal.init", false, errorDetails(err))
		httpserver.RespondErr(w, r, err)
		return
	}

	details, _ := json.Marshal(map[string]any{"shares": req.Shares, "threshold": req.Threshold})
	h.recordAudit(r, "init", "seal.init", true, details)
	httpserver.Respond(w, http.StatusOK, initResponse{Shares: shares})
}

type unsealRequest struct {
	Share crypto.Share `json:"share" validate:"required"`
}

func (h *Handler) handleUnseal(w http.ResponseWriter, r *http.Request) {
	var req unsealRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	status, err := h.controller.SubmitShare(r.Context(), req.Share)
	if err != nil {
		h.recordAudit(r, "unseal", "seal.submit-share", false, errorDetails(err))
		httpserver.RespondErr(w, r, err)
		return
	}
	if status.State == StateUnsealed {
		details, _ := json.Marshal(map[string]any{"shares": status.Shares, "threshold": status.Threshold})
		h.recordAudit(r, "unseal", "seal.unseal", true, details)
	}

	httpserver.Respond(w, http.StatusOK, status)
}

func (h *Handler) handleSeal(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Seal(r.Context()); err != nil {
		h.recordAudit(r, "seal", "seal.seal", false, errorDetails(err))
		httpserver.RespondErr(w, r, err)
		return
	}
	h.recordAudit(r, "seal", "seal.seal", true, nil)
	httpserver.Respond(w, http.StatusOK, h.controller.Status(r.Context()))
}

func errorDetails(err error) json.RawMessage {
	details, _ := json.Marshal(map[string]any{"error": err.Error()})
	return details
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.controller.Status(r.Context()))
}
