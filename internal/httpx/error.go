package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/middleware"
)

type ErrorEnvelope struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"requestId"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	WriteJSON(w, status, ErrorEnvelope{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrFileFormat, http.StatusBadRequest, "file_format_error"},
	{domain.ErrSizeLimitExceeded, http.StatusRequestEntityTooLarge, "size_limit_exceeded"},
	{domain.ErrMappingIncomplete, http.StatusUnprocessableEntity, "mapping_incomplete"},
	{domain.ErrInvalidMapping, http.StatusUnprocessableEntity, "invalid_mapping"},
	{domain.ErrUnknownEntity, http.StatusBadRequest, "unknown_entity"},
	{domain.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},
	{domain.ErrStagedFileNotFound, http.StatusNotFound, "staged_file_not_found"},
	{domain.ErrReportNotAvailable, http.StatusConflict, "report_not_available"},
	{domain.ErrTaskStatusConflict, http.StatusConflict, "task_status_conflict"},
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
}

// StatusFor maps an error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// WriteDomainError renders err in the error envelope. Unmapped errors are
// logged and reported without their message.
func WriteDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	var details any

	var missing *domain.MissingFieldsError
	if errors.As(err, &missing) {
		details = map[string]any{"missingFields": missing.Fields}
	}
	if status == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("unhandled request error",
				"error", err,
				"path", r.URL.Path,
				"request_id", middleware.RequestIDFromContext(r.Context()),
			)
		}
		message = "internal server error"
	}
	WriteError(w, r, status, code, message, details)
}
