package web

// respond.go centralizes response writing for the API. Every error leaving
// the service is logged with its technical detail and mapped to a stable
// machine-readable code; clients never see internal error strings verbatim.

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mhorvath/bulkpg/internal/importer"
	"github.com/mhorvath/bulkpg/internal/logging"
	"github.com/mhorvath/bulkpg/internal/pool"
	"github.com/mhorvath/bulkpg/internal/reader"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondJSON writes a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError classifies err, logs it with the request ID, and writes the
// mapped JSON error response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classifyError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", err,
		"request_id", chimw.GetReqID(r.Context()),
	)

	respondJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// classifyError maps the engine's and readers' error types to HTTP status
// codes and stable client-facing codes.
func classifyError(err error) (status int, code, msg string) {
	var destErr *importer.DestinationError
	var transient *importer.TransientError

	switch {
	case errors.As(err, &destErr):
		return http.StatusBadRequest, "DESTINATION_INVALID", destErr.Error()

	case errors.Is(err, reader.ErrUnsupportedFormat):
		return http.StatusBadRequest, "FORMAT_UNSUPPORTED", err.Error()

	case errors.Is(err, reader.ErrNoData):
		return http.StatusBadRequest, "FILE_EMPTY", err.Error()

	case errors.Is(err, importer.ErrTooManyImports):
		return http.StatusTooManyRequests, "IMPORT_BUSY", err.Error()

	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "DATABASE_BUSY",
			"database connection pool exhausted, retry shortly"

	case errors.As(err, &transient):
		return http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE",
			"database connection failed mid-import, nothing was committed, retry the import"

	default:
		return http.StatusInternalServerError, "INTERNAL", "internal server error"
	}
}
