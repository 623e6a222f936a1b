package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/usp-platform/usp/internal/usperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. CorrelationID is always
// populated so a caller can hand it back in a support request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}

// RespondErrorCtx writes a JSON error response tagged with the request's
// correlation id, read from the context via RequestIDFromContext.
func RespondErrorCtx(w http.ResponseWriter, r *http.Request, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:         err,
		Message:       message,
		CorrelationID: RequestIDFromContext(r.Context()),
	})
}

// kindStatus maps a usperr.Kind to its HTTP status code. This is the single
// place that translates the core error taxonomy onto the wire.
var kindStatus = map[usperr.Kind]int{
	usperr.Sealed:           http.StatusServiceUnavailable,
	usperr.NotFound:         http.StatusNotFound,
	usperr.CASMismatch:      http.StatusConflict,
	usperr.Destroyed:        http.StatusGone,
	usperr.Deleted:          http.StatusNotFound,
	usperr.PolicyDenied:     http.StatusForbidden,
	usperr.Unauthenticated:  http.StatusUnauthorized,
	usperr.ValidationFailed: http.StatusBadRequest,
	usperr.KeyVersionTooOld: http.StatusBadRequest,
	usperr.ConnectorError:   http.StatusBadGateway,
	usperr.ChainBroken:      http.StatusServiceUnavailable,
	usperr.Unsupported:      http.StatusNotImplemented,
	usperr.Transient:        http.StatusServiceUnavailable,
	usperr.Internal:         http.StatusInternalServerError,
}

// RespondErr writes the appropriate status/body for a usperr.Error (or any
// error, defaulting to 500 Internal). PolicyDenied never leaks its reasons
// to the response body beyond what the caller already supplied — callers
// that need the reasons list should have already surfaced them via the
// authz decision object, not this generic error helper.
func RespondErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := usperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
		kind = usperr.Internal
	}

	message := err.Error()
	if kind == usperr.Internal {
		// Never expose internal error detail to the caller.
		message = "an internal error occurred"
	}

	RespondErrorCtx(w, r, status, string(kind), message)
}
