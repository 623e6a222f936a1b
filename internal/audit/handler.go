package audit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/usp-platform/usp/internal/httpserver"
	"github.com/usp-platform/usp/internal/store"
)

// Handler provides the read-only HTTP handler for the audit log API.
// Writes only ever happen through Sink.Append.
type Handler struct {
	store *store.Queries
}

// NewHandler creates an audit log Handler.
func NewHandler(q *store.Queries) *Handler {
	return &Handler{store: q}
}

// Routes returns a chi.Router with audit log routes mounted at /v1/audit.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// handleList returns records in seq order starting at from_seq, capped at
// httpserver.MaxPageSize per page.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "from_seq must be a non-negative integer")
			return
		}
		fromSeq = n
	}

	limit := httpserver.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > httpserver.MaxPageSize {
			n = httpserver.MaxPageSize
		}
		limit = n
	}

	records, err := h.store.ListAuditRecords(r.Context(), fromSeq, limit)
	if err != nil {
		httpserver.RespondErr(w, r, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, records)
}
