package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/restosync/core/internal/apperr"
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

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside Error/Message, so a VersionConflict
// error surfaces client_version/current_version/entity at the top level of
// the JSON body, matching spec.md §8 S3's exact response shape.
func (e ErrorResponse) MarshalJSON() ([]byte, error) {
	out := map[string]any{"error": e.Error}
	if e.Message != "" {
		out["message"] = e.Message
	}
	for k, v := range e.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// RespondError writes a JSON error response with a bare error code/message.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}

// RespondErr maps an apperr.Error (or any other error) to an HTTP response
// using the status table in spec.md §7.
func RespondErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		if logger != nil {
			logger.Error("unhandled internal error", "error", err)
		}
		RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}

	status := statusForKind(ae.Kind)
	if ae.Kind == apperr.KindInternal && logger != nil {
		logger.Error("internal error", "error", ae.Error())
	}

	Respond(w, status, ErrorResponse{
		Error:   ae.ErrorCode(),
		Message: ae.Message,
		Fields:  ae.Fields,
	})
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation, apperr.KindBusinessRule:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal, apperr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
