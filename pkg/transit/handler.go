package transit

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/usp-platform/usp/internal/httpserver"
)

// Handler provides HTTP handlers for the Transit API.
type Handler struct {
	engine *Engine
}

// NewHandler creates a Transit Handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// KeyRoutes mounts the full /v1/transit/keys subtree: create/read/delete
// of the key itself plus config update and rotation. create/read/delete
// share an HTTP-method-keyed capability action (crudAuthz); config and
// rotate are both POST on a nested sub-path and need a different action
// than a bare POST (create), so they take a separate middleware
// (manageAuthz) applied only to those two routes.
func (h *Handler) KeyRoutes(crudAuthz, manageAuthz func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Route("/{name}", func(r chi.Router) {
		r.With(crudAuthz).Post("/", h.handleCreateKey)
		r.With(crudAuthz).Get("/", h.handleGetKey)
		r.With(crudAuthz).Delete("/", h.handleDeleteKey)
		r.With(manageAuthz).Post("/config", h.handleUpdateConfig)
		r.With(manageAuthz).Post("/rotate", h.handleRotateKey)
	})
	return r
}

// EncryptRoutes, DecryptRoutes, SignRoutes, and VerifyRoutes each mount one
// crypto operation, meant for /v1/transit/encrypt, /decrypt, /sign, /verify
// respectively. Kept apart (rather than one CryptoRoutes router) so each is
// mounted under its own path at the composition root, which gates all four
// with the same "update" capability action.
func (h *Handler) EncryptRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{name}", h.handleEncrypt)
	return r
}

func (h *Handler) DecryptRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{name}", h.handleDecrypt)
	return r
}

func (h *Handler) SignRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{name}", h.handleSign)
	return r
}

func (h *Handler) VerifyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{name}", h.handleVerify)
	return r
}

func keyName(r *http.Request) string {
	return chi.URLParam(r, "name")
}

type createKeyRequest struct {
	Algorithm  Algorithm `json:"algorithm" validate:"required"`
	Exportable bool      `json:"exportable"`
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	info, err := h.engine.CreateKey(r.Context(), keyName(r), req.Algorithm, req.Exportable)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, info)
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetKey(r.Context(), keyName(r))
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, info)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteKey(r.Context(), keyName(r)); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.RotateKey(r.Context(), keyName(r))
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, info)
}

type updateConfigRequest struct {
	MinDecryptionVersion int  `json:"min_decryption_version"`
	DeletionAllowed      bool `json:"deletion_allowed"`
}

func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.engine.UpdateKeyConfig(r.Context(), keyName(r), req.MinDecryptionVersion, req.DeletionAllowed); err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type encryptRequest struct {
	Plaintext string `json:"plaintext" validate:"required"`
	Context   string `json:"context"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
}

func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "plaintext must be base64-encoded")
		return
	}

	ct, err := h.engine.Encrypt(r.Context(), keyName(r), plaintext, req.Context)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, encryptResponse{Ciphertext: ct})
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext" validate:"required"`
	Context    string `json:"context"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	plaintext, err := h.engine.Decrypt(r.Context(), keyName(r), req.Ciphertext, req.Context)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, decryptResponse{Plaintext: base64.StdEncoding.EncodeToString(plaintext)})
}

type signRequest struct {
	Input string `json:"input" validate:"required"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	input, err := base64.StdEncoding.DecodeString(req.Input)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "input must be base64-encoded")
		return
	}

	sig, err := h.engine.Sign(r.Context(), keyName(r), input)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, signResponse{Signature: sig})
}

type verifyRequest struct {
	Input     string `json:"input" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	input, err := base64.StdEncoding.DecodeString(req.Input)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "input must be base64-encoded")
		return
	}

	valid, err := h.engine.Verify(r.Context(), keyName(r), input, req.Signature)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, verifyResponse{Valid: valid})
}
