package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("parse: %w", domain.ErrFileFormat), http.StatusBadRequest, "file_format_error"},
		{domain.ErrSizeLimitExceeded, http.StatusRequestEntityTooLarge, "size_limit_exceeded"},
		{&domain.MissingFieldsError{Fields: []string{"name"}}, http.StatusUnprocessableEntity, "mapping_incomplete"},
		{domain.ErrInvalidMapping, http.StatusUnprocessableEntity, "invalid_mapping"},
		{domain.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},
		{domain.ErrStagedFileNotFound, http.StatusNotFound, "staged_file_not_found"},
		{domain.ErrReportNotAvailable, http.StatusConflict, "report_not_available"},
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
		{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := StatusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestWriteDomainErrorIncludesMissingFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/imports/tasks", nil)
	req = req.WithContext(middleware.WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	WriteDomainError(rec, req, nil, &domain.MissingFieldsError{Fields: []string{"name", "customerType"}})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				MissingFields []string `json:"missingFields"`
			} `json:"details"`
		} `json:"error"`
		RequestID string `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "mapping_incomplete", envelope.Error.Code)
	assert.Equal(t, []string{"name", "customerType"}, envelope.Error.Details.MissingFields)
	assert.Equal(t, "req-1", envelope.RequestID)
}

func TestWriteDomainErrorHidesInternalMessages(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	WriteDomainError(rec, req, nil, errors.New("pq: password authentication failed"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
