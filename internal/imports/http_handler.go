package imports

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service        *Service
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewHTTPHandler exposes the service. maxUploadBytes bounds multipart bodies;
// the parser enforces the file limit itself.
func NewHTTPHandler(service *Service, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Routes mounts the import endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/uploads", h.handleUpload)
	r.Post("/preview", h.handlePreview)
	r.Post("/validate", h.handleValidate)
	r.Post("/tasks", h.handleStart)
	r.Get("/tasks/{taskID}", h.handleGetTask)
	r.Post("/tasks/{taskID}/cancel", h.handleCancel)
	r.Get("/tasks/{taskID}/error-report", h.handleDownload)
	r.Get("/history", h.handleHistory)
	r.Get("/entities", h.handleEntities)
	return r
}

type previewPayload struct {
	FileID     string            `json:"fileId"`
	EntityKind string            `json:"entityKind"`
	Overrides  map[string]string `json:"overrides"`
}

type mappingPayload struct {
	FileID     string               `json:"fileId"`
	EntityKind string               `json:"entityKind"`
	Mapping    domain.ColumnMapping `json:"mapping"`
}

type taskResponse struct {
	domain.ImportTask
	ErrorReportURL *string `json:"errorReportUrl,omitempty"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		// Leave room for the multipart envelope so the parser reports the limit.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, r, fmt.Errorf("%w: upload exceeds %d bytes", domain.ErrSizeLimitExceeded, h.maxUploadBytes))
			return
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("file required: %v", err), nil)
		return
	}
	defer file.Close()

	result, err := h.service.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var payload previewPayload
	if !h.decode(w, r, &payload) {
		return
	}
	result, err := h.service.Preview(r.Context(), PreviewRequest{
		FileID:     strings.TrimSpace(payload.FileID),
		EntityKind: strings.TrimSpace(payload.EntityKind),
		Overrides:  payload.Overrides,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var payload mappingPayload
	if !h.decode(w, r, &payload) {
		return
	}
	report, err := h.service.Validate(r.Context(), payload.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload mappingPayload
	if !h.decode(w, r, &payload) {
		return
	}
	task, err := h.service.Start(r.Context(), payload.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"taskId": task.ID, "state": task.State})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	task, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, taskResponse{ImportTask: task, ErrorReportURL: h.service.BuildReportURL(task)})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	task, err := h.service.CancelTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, taskResponse{ImportTask: task})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		if err := h.service.ValidateDownloadToken(taskID, token); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	report, err := h.service.OpenErrorReport(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer report.Body.Close()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", report.Name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, report.Body); err != nil {
		h.logger.Warn("error report download interrupted", slog.String("task_id", taskID.String()), slog.Any("error", err))
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "invalid_request", "offset must be zero or positive", nil)
			return
		}
		offset = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	page, err := h.service.ListHistory(r.Context(), offset, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.service.Entities(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (p mappingPayload) request() MappingRequest {
	return MappingRequest{
		FileID:     strings.TrimSpace(p.FileID),
		EntityKind: strings.TrimSpace(p.EntityKind),
		Mapping:    p.Mapping,
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid payload: %v", err), nil)
		return false
	}
	return true
}

func (h *Handler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "taskID")))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid task id: %v", err), nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteDomainError(w, r, h.logger, err)
}
