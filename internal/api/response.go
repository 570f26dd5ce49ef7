package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/famcall/famcall/internal/call"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeDomainError translates a coordinator error into an HTTP response.
// Known domain rejections map to 4xx/5xx statuses with the sentinel's
// message; anything unrecognized is logged and reported as a generic 500
// so internal details never leak to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, call.ErrCallNotFound),
		errors.Is(err, call.ErrParticipantNotFound),
		errors.Is(err, call.ErrGroupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrNotMember),
		errors.Is(err, call.ErrPermissionDenied),
		errors.Is(err, call.ErrReadOnlyGroup):
		status = http.StatusForbidden
	case errors.Is(err, call.ErrInvalidKind),
		errors.Is(err, call.ErrInvalidInvitees),
		errors.Is(err, call.ErrSupervisorNotAllowed),
		errors.Is(err, call.ErrAlreadyResponded),
		errors.Is(err, call.ErrCallTerminal),
		errors.Is(err, call.ErrCallNotActive),
		errors.Is(err, call.ErrNoRecording),
		errors.Is(err, call.ErrAlreadyHidden),
		errors.Is(err, call.ErrRecordingAlreadyRunning),
		errors.Is(err, call.ErrRecordingNotActive):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrTranscodeFailed):
		status = http.StatusBadGateway
	default:
		slog.Error("unhandled error in request handler", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError

		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return fmt.Sprintf("invalid value for field %q", typeErr.Field)
			}
			return "malformed json"
		case errors.As(err, &maxBytesErr):
			return "request body too large"
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return "unknown field " + strings.Trim(field, `"`)
		default:
			return "invalid request body"
		}
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}

// Pagination bounds for list endpoints.
const (
	defaultLimit = 20
	maxLimit     = 100
)

// pagination carries the validated limit/offset of a list request.
type pagination struct {
	Limit  int
	Offset int
}

// parsePagination extracts limit and offset query parameters, applying
// defaults and clamping the limit. Returns a user-facing error string
// when a parameter is present but invalid.
func parsePagination(r *http.Request) (pagination, string) {
	p := pagination{Limit: defaultLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, "limit must be a positive integer"
		}
		if n > maxLimit {
			n = maxLimit
		}
		p.Limit = n
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, "offset must be a non-negative integer"
		}
		p.Offset = n
	}

	return p, ""
}

// PaginatedResponse wraps list results with paging metadata.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
