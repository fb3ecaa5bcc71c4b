package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/rpattn/recordimport/internal/auth"
	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/ingestion"
	"github.com/rpattn/recordimport/internal/repository"

	"github.com/google/uuid"
)

// Service is the caller-facing import pipeline: upload, preview, validate,
// start, poll, cancel and download.
type Service struct {
	catalog   *domain.Catalog
	parser    *ingestion.Parser
	staging   StagingStore
	validator *ingestion.Validator
	tasks     repository.ImportTaskRepository
	history   repository.ImportHistoryRepository
	reports   *ReportGenerator
	storage   ReportStorage

	notify         func()
	sampleRows     int
	downloadSigner *downloadSigner
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Service)

// WithNotifier registers the callback that wakes the worker pool.
func WithNotifier(notify func()) Option {
	return func(s *Service) {
		if notify != nil {
			s.notify = notify
		}
	}
}

func WithSampleRows(rows int) Option {
	return func(s *Service) {
		if rows > 0 {
			s.sampleRows = rows
		}
	}
}

// WithDownloadSigning sets the secret and TTL of error report links.
func WithDownloadSigning(secret string, ttl time.Duration) Option {
	return func(s *Service) {
		s.downloadSigner = newDownloadSigner(secret, ttl)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(
	catalog *domain.Catalog,
	parser *ingestion.Parser,
	staging StagingStore,
	validator *ingestion.Validator,
	tasks repository.ImportTaskRepository,
	history repository.ImportHistoryRepository,
	reports *ReportGenerator,
	storage ReportStorage,
	opts ...Option,
) *Service {
	service := &Service{
		catalog:    catalog,
		parser:     parser,
		staging:    staging,
		validator:  validator,
		tasks:      tasks,
		history:    history,
		reports:    reports,
		storage:    storage,
		notify:     func() {},
		sampleRows: 5,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.downloadSigner == nil {
		service.downloadSigner = newDownloadSigner("", 5*time.Minute)
	}
	return service
}

type UploadResult struct {
	FileID    string    `json:"fileId"`
	FileName  string    `json:"fileName"`
	RowCount  int       `json:"rowCount"`
	Headers   []string  `json:"headers"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Upload parses a spreadsheet and stages it.
func (s *Service) Upload(ctx context.Context, fileName string, r io.Reader) (UploadResult, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return UploadResult{}, err
	}
	table, err := s.parser.Parse(fileName, r)
	if err != nil {
		return UploadResult{}, err
	}
	staged, err := s.staging.Stage(ctx, fileName, table)
	if err != nil {
		return UploadResult{}, fmt.Errorf("stage upload: %w", err)
	}
	s.logger.Info("spreadsheet staged",
		slog.String("staged_file_id", staged.ID),
		slog.String("file_name", staged.FileName),
		slog.Int("rows", staged.RowCount),
	)
	return UploadResult{
		FileID:    staged.ID,
		FileName:  staged.FileName,
		RowCount:  staged.RowCount,
		Headers:   staged.Headers,
		ExpiresAt: staged.ExpiresAt,
	}, nil
}

type PreviewRequest struct {
	FileID     string
	EntityKind string
	// Overrides maps a source column to a target field; an empty field clears
	// the suggestion.
	Overrides map[string]string
}

type PreviewResult struct {
	Columns    []ingestion.ColumnSuggestion `json:"columns"`
	SampleRows [][]string                   `json:"sampleRows"`
}

// Preview suggests a mapping for a staged file and returns its first rows.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return PreviewResult{}, err
	}
	entity, err := s.catalog.Entity(req.EntityKind)
	if err != nil {
		return PreviewResult{}, err
	}
	staged, err := s.staging.Get(ctx, req.FileID)
	if err != nil {
		return PreviewResult{}, err
	}

	columns := ingestion.ApplyOverrides(ingestion.SuggestMapping(staged.Headers, entity), req.Overrides)
	limit := min(s.sampleRows, len(staged.Rows))
	sample := make([][]string, 0, limit)
	for _, row := range staged.Rows[:limit] {
		sample = append(sample, append([]string(nil), row...))
	}
	return PreviewResult{Columns: columns, SampleRows: sample}, nil
}

type MappingRequest struct {
	FileID     string
	EntityKind string
	Mapping    domain.ColumnMapping
}

// Validate dry-runs a mapping over a staged file.
func (s *Service) Validate(ctx context.Context, req MappingRequest) (domain.ValidationReport, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return domain.ValidationReport{}, err
	}
	staged, err := s.staging.Get(ctx, req.FileID)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	return s.validator.Validate(ctx, staged, req.EntityKind, req.Mapping)
}

// Start commits a mapping and queues an import task. The staged file is
// leased to the task until it is finalized.
func (s *Service) Start(ctx context.Context, req MappingRequest) (domain.ImportTask, error) {
	identity, err := auth.RequireImportAccess(ctx)
	if err != nil {
		return domain.ImportTask{}, err
	}
	entity, err := s.catalog.Entity(req.EntityKind)
	if err != nil {
		return domain.ImportTask{}, err
	}
	staged, err := s.staging.Get(ctx, req.FileID)
	if err != nil {
		return domain.ImportTask{}, err
	}
	if err := req.Mapping.CheckStructure(staged.Headers, entity); err != nil {
		return domain.ImportTask{}, err
	}
	if missing := req.Mapping.MissingRequired(entity); len(missing) > 0 {
		return domain.ImportTask{}, &domain.MissingFieldsError{Fields: missing}
	}

	if err := s.staging.Retain(staged.ID); err != nil {
		return domain.ImportTask{}, err
	}
	task := domain.NewImportTask(entity.Kind, staged, req.Mapping, identity.UserID, s.now())
	persisted, err := s.tasks.Create(ctx, task)
	if err != nil {
		s.staging.Release(staged.ID)
		return domain.ImportTask{}, fmt.Errorf("%w: create import task: %v", domain.ErrStoreUnavailable, err)
	}

	s.logger.Info("import task queued",
		slog.String("task_id", persisted.ID.String()),
		slog.String("entity_kind", persisted.EntityKind),
		slog.Int("rows", persisted.TotalRecords),
		slog.String("created_by", persisted.CreatedBy),
	)
	s.notify()
	return persisted, nil
}

// GetTask returns the current snapshot of a task.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (domain.ImportTask, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return domain.ImportTask{}, err
	}
	return s.tasks.GetByID(ctx, id)
}

// CancelTask cancels a queued task immediately and asks the worker owning a
// processing task to stop after its current batch.
func (s *Service) CancelTask(ctx context.Context, id uuid.UUID) (domain.ImportTask, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return domain.ImportTask{}, err
	}
	task, err := s.tasks.RequestCancel(ctx, id)
	if err != nil {
		return task, err
	}
	if task.State != domain.TaskStateQueued {
		return task, nil
	}

	cancelled, err := s.tasks.Transition(ctx, id, domain.TaskStateQueued, domain.TaskStateCancelled, s.now(), nil)
	if errors.Is(err, domain.ErrTaskStatusConflict) {
		// A worker claimed it first and will observe the flag.
		return s.tasks.GetByID(ctx, id)
	}
	if err != nil {
		return task, err
	}
	if err := s.history.Record(ctx, domain.HistoryEntryFromTask(cancelled)); err != nil {
		s.logger.Error("failed to record import history", slog.String("task_id", id.String()), slog.Any("error", err))
	}
	s.staging.Release(cancelled.StagedFileID)
	return cancelled, nil
}

// ReportFile is an open error report.
type ReportFile struct {
	Name        string
	ContentType string
	Body        io.ReadCloser
}

// OpenErrorReport opens the error report of a finalized task with failed
// rows, rendering it first if finalization could not.
func (s *Service) OpenErrorReport(ctx context.Context, id uuid.UUID) (ReportFile, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return ReportFile{}, err
	}
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return ReportFile{}, err
	}
	if !task.Finalized() || task.FailureCount == 0 {
		return ReportFile{}, fmt.Errorf("%w: task %s is %s with %d failed rows", domain.ErrReportNotAvailable, id, task.State, task.FailureCount)
	}
	if task.ErrorReportRef == nil {
		if task, err = s.reports.Generate(ctx, task); err != nil {
			return ReportFile{}, err
		}
	}
	body, err := s.storage.Open(ctx, *task.ErrorReportRef)
	if err != nil {
		return ReportFile{}, fmt.Errorf("%w: %v", domain.ErrReportNotAvailable, err)
	}
	return ReportFile{Name: reportFileName(task), ContentType: reportContentType, Body: body}, nil
}

// BuildReportURL signs a short-lived download link for the error report of a
// task, or returns nil when no report can be downloaded.
func (s *Service) BuildReportURL(task domain.ImportTask) *string {
	if !task.Finalized() || task.FailureCount == 0 {
		return nil
	}
	values := url.Values{}
	values.Set("token", s.downloadSigner.Sign(task.ID, s.now()))
	link := fmt.Sprintf("/api/imports/tasks/%s/error-report?%s", task.ID.String(), values.Encode())
	return &link
}

// ValidateDownloadToken checks a token issued by BuildReportURL.
func (s *Service) ValidateDownloadToken(taskID uuid.UUID, token string) error {
	if err := s.downloadSigner.Verify(taskID, token, s.now()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}
	return nil
}

type HistoryPage struct {
	Total int                         `json:"total"`
	Items []domain.ImportHistoryEntry `json:"items"`
}

// ListHistory returns finalized tasks, most recent first.
func (s *Service) ListHistory(ctx context.Context, offset, limit int) (HistoryPage, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return HistoryPage{}, err
	}
	items, total, err := s.history.List(ctx, offset, limit)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("%w: list import history: %v", domain.ErrStoreUnavailable, err)
	}
	return HistoryPage{Total: total, Items: items}, nil
}

// EntitySummary describes an importable entity kind.
type EntitySummary struct {
	Kind           string             `json:"kind"`
	Label          string             `json:"label"`
	BusinessKey    string             `json:"businessKey,omitempty"`
	RequiredFields []string           `json:"requiredFields"`
	Fields         []domain.FieldSpec `json:"fields"`
}

// Entities lists the importable entity kinds.
func (s *Service) Entities(ctx context.Context) ([]EntitySummary, error) {
	if _, err := auth.RequireImportAccess(ctx); err != nil {
		return nil, err
	}
	entities := s.catalog.Entities()
	summaries := make([]EntitySummary, 0, len(entities))
	for _, entity := range entities {
		summaries = append(summaries, EntitySummary{
			Kind:           entity.Kind,
			Label:          entity.Label,
			BusinessKey:    entity.BusinessKey,
			RequiredFields: entity.RequiredFields(),
			Fields:         entity.Fields,
		})
	}
	return summaries, nil
}

// Recover reconciles tasks left behind by a previous process: processing
// tasks whose heartbeat went stale are failed, queued tasks get their staged
// file leased again. Processing tasks with a fresh heartbeat may belong to a
// live replica and are left to the pool's periodic reaper.
func (s *Service) Recover(ctx context.Context, executor *Executor) error {
	reaped, err := executor.ReapStale(ctx)
	if err != nil {
		return fmt.Errorf("reap stale tasks: %w", err)
	}

	queued, err := s.tasks.ListByState(ctx, domain.TaskStateQueued)
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	for _, task := range queued {
		if err := s.staging.Restore(task.StagedFileID); err != nil {
			s.logger.Warn("staged file of queued task is gone", slog.String("task_id", task.ID.String()), slog.Any("error", err))
		}
	}
	if len(queued) > 0 {
		s.notify()
	}
	s.logger.Info("import tasks recovered", slog.Int("failed", reaped), slog.Int("queued", len(queued)))
	return nil
}
