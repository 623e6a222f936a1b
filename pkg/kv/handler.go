package kv

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/usp-platform/usp/internal/httpserver"
)

// Handler provides HTTP handlers for the KV v2 API.
type Handler struct {
	engine *Engine
}

// NewHandler creates a KV Handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// DataRoutes, MetadataRoutes, and DestroyRoutes return chi.Routers meant
// to be mounted at /v1/kv/data, /v1/kv/metadata, and /v1/kv/destroy
// respectively, since the path itself (not a fixed segment) addresses
// the secret.
func (h *Handler) DataRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", h.handleRead)
	r.Post("/*", h.handleWrite)
	r.Delete("/*", h.handleSoftDelete)
	return r
}

func (h *Handler) MetadataRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", h.handleMetadata)
	r.Delete("/*", h.handleDestroyMetadata)
	r.Post("/*", h.handleUndelete)
	return r
}

func (h *Handler) DestroyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/*", h.handleDestroyVersions)
	return r
}

func pathParam(r *http.Request) string {
	return chi.URLParam(r, "*")
}

type writeRequest struct {
	Data        map[string]any `json:"data" validate:"required"`
	CAS         *int           `json:"cas"`
	CASRequired bool           `json:"cas_required"`
}

type writeResponse struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r)
	var req writeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	payload, err := encodePayload(req.Data)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "data must be JSON-serializable")
		return
	}

	meta, err := h.engine.Write(r.Context(), path, payload, req.CAS, req.CASRequired)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, writeResponse{
		Version:   meta.Version,
		CreatedAt: meta.CreatedAt.Format(timeFormat),
	})
}

type readResponse struct {
	Data    map[string]any  `json:"data"`
	Version VersionMetadata `json:"metadata"`
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r)
	version := queryInt(r, "version", 0)

	plaintext, meta, err := h.engine.Read(r.Context(), path, version, false)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}

	data, err := decodePayload(plaintext)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "stored secret is corrupt")
		return
	}

	httpserver.Respond(w, http.StatusOK, readResponse{Data: data, Version: meta})
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("list") == "true" {
		h.handleList(w, r)
		return
	}

	path := pathParam(r)
	meta, err := h.engine.Metadata(r.Context(), path)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, meta)
}

type versionsRequest struct {
	Versions []int `json:"versions"`
}

func (h *Handler) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r)
	var req versionsRequest
	_ = httpserver.Decode(r, &req)

	if err := h.engine.SoftDelete(r.Context(), path, req.Versions); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleUndelete(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r)
	var req versionsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.engine.Undelete(r.Context(), path, req.Versions); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDestroyVersions(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r)
	var req versionsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.engine.Destroy(r.Context(), path, req.Versions); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDestroyMetadata(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r)
	if err := h.engine.DestroyMetadata(r.Context(), path); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleList answers GET /v1/kv/metadata/{prefix}?list=true, mirroring
// the wire convention of list-as-a-query-flag on the metadata endpoint.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := pathParam(r)
	limit := queryInt(r, "limit", 1000)

	paths, err := h.engine.List(r.Context(), prefix, limit)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string][]string{"keys": paths})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"

func encodePayload(data map[string]any) ([]byte, error) {
	return json.Marshal(data)
}

func decodePayload(plaintext []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, err
	}
	return data, nil
}
