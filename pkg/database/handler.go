package database

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/usp-platform/usp/internal/httpserver"
)

// Handler provides HTTP handlers for the Database engine API.
type Handler struct {
	engine *Engine
}

// NewHandler creates a Database Handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// ConfigRoutes mounts database connection config CRUD, meant for
// /v1/database/config. Split out so the composition root can gate the
// whole config router behind the sudo capability.
func (h *Handler) ConfigRoutes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{name}", func(r chi.Router) {
		r.Post("/", h.handleConfigureDatabase)
		r.Get("/", h.handleGetDatabaseConfig)
		r.Delete("/", h.handleDeleteDatabaseConfig)
	})
	return r
}

// RoleRoutes mounts role CRUD, meant for /v1/database/roles.
func (h *Handler) RoleRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{name}/{role}", h.handleCreateRole)
	return r
}

// CredsRoutes mounts dynamic credential issuance, meant for /v1/database/creds.
func (h *Handler) CredsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{name}/{role}", h.handleGenerateCredentials)
	return r
}

// LeaseRoutes mounts lease renew/revoke, meant for /v1/database/leases.
// Lease ids are themselves path-shaped (database/<config>/<role>/<uuid>),
// so they can't live in a single named chi segment; routes are mounted on
// a wildcard tail and the trailing /renew or /revoke verb is split off by
// splitLeaseAction.
func (h *Handler) LeaseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/*", h.handleLeaseAction)
	return r
}

// splitLeaseAction splits a wildcard tail like
// "database/pg1/readonly/<uuid>/renew" into its lease id and trailing verb.
func splitLeaseAction(tail string) (leaseID, action string, ok bool) {
	tail = strings.TrimPrefix(tail, "/")
	idx := strings.LastIndex(tail, "/")
	if idx < 0 {
		return "", "", false
	}
	leaseID, action = tail[:idx], tail[idx+1:]
	if leaseID == "" || (action != "renew" && action != "revoke") {
		return "", "", false
	}
	return leaseID, action, true
}

func (h *Handler) handleLeaseAction(w http.ResponseWriter, r *http.Request) {
	leaseID, action, ok := splitLeaseAction(chi.URLParam(r, "*"))
	if !ok {
		httpserver.RespondErrorCtx(w, r, http.StatusNotFound, "not_found", "expected /<lease_id>/renew or /<lease_id>/revoke")
		return
	}

	switch action {
	case "renew":
		expiry, err := h.engine.RenewLease(r.Context(), leaseID)
		if err != nil {
			httpserver.RespondErr(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]string{"expires_at": expiry.Format(timeFormat)})
	case "revoke":
		if err := h.engine.RevokeLease(r.Context(), leaseID); err != nil {
			httpserver.RespondErr(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusNoContent, nil)
	}
}

type configureRequest struct {
	Plugin        string `json:"plugin" validate:"required"`
	ConnectionURL string `json:"connection_url" validate:"required"`
	Username      string `json:"username" validate:"required"`
	Password      string `json:"password" validate:"required"`
	PoolMaxOpen   int    `json:"pool_max_open"`
	PoolMaxIdle   int    `json:"pool_max_idle"`
}

func (h *Handler) handleConfigureDatabase(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	info, err := h.engine.ConfigureDatabase(r.Context(), chi.URLParam(r, "name"), req.Plugin, req.ConnectionURL, req.Username, req.Password, req.PoolMaxOpen, req.PoolMaxIdle)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, info)
}

func (h *Handler) handleGetDatabaseConfig(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetDatabaseConfig(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, info)
}

func (h *Handler) handleDeleteDatabaseConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteDatabaseConfig(r.Context(), chi.URLParam(r, "name")); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type createRoleRequest struct {
	CreationStmts   string `json:"creation_statements" validate:"required"`
	RevocationStmts string `json:"revocation_statements" validate:"required"`
	RenewStmts      string `json:"renew_statements"`
	DefaultTTL      int    `json:"default_ttl_seconds" validate:"required,gt=0"`
	MaxTTL          int    `json:"max_ttl_seconds" validate:"required,gt=0"`
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	info, err := h.engine.CreateRole(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "role"),
		req.CreationStmts, req.RevocationStmts, req.RenewStmts, req.DefaultTTL, req.MaxTTL)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, info)
}

type credentialsResponse struct {
	LeaseID  string `json:"lease_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	TTL      string `json:"lease_duration"`
}

func (h *Handler) handleGenerateCredentials(w http.ResponseWriter, r *http.Request) {
	cred, err := h.engine.GenerateCredentials(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "role"))
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, credentialsResponse{
		LeaseID:  cred.LeaseID,
		Username: cred.Username,
		Password: cred.Password,
		TTL:      cred.TTL.String(),
	})
}

const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"
