package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/entityloader"
	"github.com/rpattn/recordimport/internal/ingestion"
	"github.com/rpattn/recordimport/internal/metrics"
	"github.com/rpattn/recordimport/internal/repository"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const DefaultBatchSize = 500

// StagingStore is the part of the staged upload store the pipeline needs.
type StagingStore interface {
	Stage(ctx context.Context, fileName string, table ingestion.Table) (domain.StagedFile, error)
	Get(ctx context.Context, id string) (domain.StagedFile, error)
	Retain(id string) error
	Restore(id string) error
	Release(id string)
}

// RowResult is the outcome of writing one row. Err is nil on success and
// otherwise holds every reason the row was rejected.
type RowResult struct {
	RowIndex int
	Err      error
}

func (r RowResult) Failed() bool {
	return r.Err != nil
}

// Reasons flattens Err into one message per reason.
func (r RowResult) Reasons() []string {
	if r.Err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(r.Err, &merr) {
		reasons := make([]string, 0, len(merr.Errors))
		for _, err := range merr.Errors {
			reasons = append(reasons, err.Error())
		}
		return reasons
	}
	return []string{r.Err.Error()}
}

// BatchResult holds the row outcomes of one batch in file order.
type BatchResult struct {
	Rows []RowResult
}

func (b BatchResult) Succeeded() int {
	count := 0
	for _, row := range b.Rows {
		if !row.Failed() {
			count++
		}
	}
	return count
}

func (b BatchResult) Failed() int {
	return len(b.Rows) - b.Succeeded()
}

// DefaultStaleAfter is how long a processing task may go without a
// heartbeat before it is considered orphaned.
const DefaultStaleAfter = 10 * time.Minute

// Executor writes the rows of a claimed task into the record store batch by
// batch and finalizes the task.
type Executor struct {
	catalog  *domain.Catalog
	staging  StagingStore
	tasks    repository.ImportTaskRepository
	failures repository.RowFailureRepository
	history  repository.ImportHistoryRepository
	records  repository.RecordStore
	reports  *ReportGenerator

	batchSize      int
	lookupCapacity int
	staleAfter     time.Duration
	metrics        metrics.Recorder
	logger         *slog.Logger
	now            func() time.Time
}

type ExecutorOption func(*Executor)

func WithBatchSize(size int) ExecutorOption {
	return func(e *Executor) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

func WithLookupCapacity(capacity int) ExecutorOption {
	return func(e *Executor) {
		if capacity > 0 {
			e.lookupCapacity = capacity
		}
	}
}

// WithStaleAfter sets how long a processing task may go without a heartbeat
// before ReapStale fails it. It must exceed the longest expected batch.
func WithStaleAfter(window time.Duration) ExecutorOption {
	return func(e *Executor) {
		if window > 0 {
			e.staleAfter = window
		}
	}
}

func WithExecutorMetrics(recorder metrics.Recorder) ExecutorOption {
	return func(e *Executor) {
		if recorder != nil {
			e.metrics = recorder
		}
	}
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExecutor(
	catalog *domain.Catalog,
	staging StagingStore,
	tasks repository.ImportTaskRepository,
	failures repository.RowFailureRepository,
	history repository.ImportHistoryRepository,
	records repository.RecordStore,
	reports *ReportGenerator,
	opts ...ExecutorOption,
) *Executor {
	executor := &Executor{
		catalog:        catalog,
		staging:        staging,
		tasks:          tasks,
		failures:       failures,
		history:        history,
		records:        records,
		reports:        reports,
		batchSize:      DefaultBatchSize,
		lookupCapacity: entityloader.DefaultBatchCapacity,
		staleAfter:     DefaultStaleAfter,
		metrics:        metrics.Nop{},
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Execute runs a task already moved to processing. Row failures are recorded
// and never stop the task; a failure that cannot be confined to a row fails
// the task and leaves earlier batches committed. The returned error is set
// only when the task could not be finalized.
func (e *Executor) Execute(ctx context.Context, task domain.ImportTask) (domain.ImportTask, error) {
	logger := e.logger.With(slog.String("task_id", task.ID.String()), slog.String("entity_kind", task.EntityKind))

	entity, err := e.catalog.Entity(task.EntityKind)
	if err != nil {
		return e.Fail(ctx, task, err)
	}
	staged, err := e.staging.Get(ctx, task.StagedFileID)
	if err != nil {
		return e.Fail(ctx, task, fmt.Errorf("load staged file: %w", err))
	}
	builder, err := ingestion.NewRowBuilder(entity, task.Mapping, staged.Headers)
	if err != nil {
		return e.Fail(ctx, task, err)
	}

	rows := staged.Rows
	for start, batch := 0, 1; start < len(rows); start, batch = start+e.batchSize, batch+1 {
		if err := ctx.Err(); err != nil {
			return e.Fail(ctx, task, fmt.Errorf("%w: execution interrupted: %v", domain.ErrStoreUnavailable, err))
		}
		current, err := e.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return e.Fail(ctx, task, fmt.Errorf("%w: reload task: %v", domain.ErrStoreUnavailable, err))
		}
		if current.CancelRequested {
			logger.Info("import task cancelled", slog.Int("processed", task.ProcessedCount))
			return e.finalize(ctx, task, domain.TaskStateCancelled, nil)
		}

		end := min(start+e.batchSize, len(rows))
		began := e.now()
		result, err := e.runBatch(ctx, task, builder, rows[start:end], start)
		if err != nil {
			return e.Fail(ctx, task, err)
		}
		elapsed := e.now().Sub(began)

		failures := make([]domain.RowFailure, 0, result.Failed())
		for i, row := range result.Rows {
			if !row.Failed() {
				continue
			}
			failures = append(failures, domain.RowFailure{
				TaskID:   task.ID,
				RowIndex: row.RowIndex,
				Values:   append([]string(nil), rows[start+i]...),
				Reasons:  row.Reasons(),
			})
		}
		if len(failures) > 0 {
			if err := e.failures.RecordBatch(ctx, failures); err != nil {
				return e.Fail(ctx, task, fmt.Errorf("%w: record failed rows: %v", domain.ErrStoreUnavailable, err))
			}
		}

		task.AddProgress(result.Succeeded(), result.Failed())
		if err := e.tasks.UpdateProgress(ctx, task.ID, task.SuccessCount, task.FailureCount, task.ProcessedCount, task.ProgressPercent, e.now()); err != nil {
			return e.Fail(ctx, task, fmt.Errorf("persist progress: %w", err))
		}

		e.metrics.RecordBatch(task.EntityKind, elapsed)
		e.metrics.RecordRows(task.EntityKind, result.Succeeded(), result.Failed())
		logger.Info("import batch committed",
			slog.Int("batch", batch),
			slog.Int("succeeded", result.Succeeded()),
			slog.Int("failed", result.Failed()),
			slog.Float64("progress", task.ProgressPercent),
		)
	}

	return e.finalize(ctx, task, domain.TaskStateCompleted, nil)
}

// Fail finalizes task as failed, storing cause as its error message.
func (e *Executor) Fail(ctx context.Context, task domain.ImportTask, cause error) (domain.ImportTask, error) {
	return e.finalize(ctx, task, domain.TaskStateFailed, cause)
}

// ReapStale fails processing tasks whose owner stopped sending heartbeats,
// typically because its process died. Tasks with a fresh heartbeat belong to
// a live worker, possibly in another process, and are left alone.
func (e *Executor) ReapStale(ctx context.Context) (int, error) {
	processing, err := e.tasks.ListByState(ctx, domain.TaskStateProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}

	cutoff := e.now().Add(-e.staleAfter)
	reaped := 0
	for _, task := range processing {
		if !task.Stale(cutoff) {
			continue
		}
		owner := "unknown worker"
		if task.ClaimedBy != nil {
			owner = *task.ClaimedBy
		}
		// The owner's lease died with it; Fail releases the one taken here.
		_ = e.staging.Restore(task.StagedFileID)
		if _, err := e.Fail(ctx, task, fmt.Errorf("import interrupted: %s stopped sending heartbeats", owner)); err != nil {
			e.logger.Warn("failed to reap stale import task", slog.String("task_id", task.ID.String()), slog.Any("error", err))
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (e *Executor) runBatch(ctx context.Context, task domain.ImportTask, builder *ingestion.RowBuilder, rows [][]string, offset int) (BatchResult, error) {
	entity := builder.Entity()
	rowErrs := make([]*multierror.Error, len(rows))
	records := make([]*domain.Record, len(rows))

	for i, row := range rows {
		properties, fieldErrs := builder.Build(row)
		for _, fe := range fieldErrs {
			rowErrs[i] = multierror.Append(rowErrs[i], fmt.Errorf("%s: %s", fe.Field, fe.Message))
		}
		if rowErrs[i] != nil {
			continue
		}
		record := domain.Record{
			ID:         uuid.New(),
			EntityKind: entity.Kind,
			Properties: properties,
			TaskID:     task.ID,
			RowIndex:   offset + i + 1,
			CreatedBy:  task.CreatedBy,
		}
		if key, ok := builder.BusinessKey(properties); ok {
			record.BusinessKey = &key
		}
		records[i] = &record
	}

	// Lookups are refreshed per batch so references written by earlier
	// batches resolve.
	loader := entityloader.NewKeyLoader(e.records, e.lookupCapacity)
	for _, field := range entity.ReferenceFields() {
		keys := make([]string, 0)
		seen := make(map[string]struct{})
		for _, record := range records {
			if key, ok := referenceKey(record, field.Name); ok {
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					keys = append(keys, key)
				}
			}
		}
		found, err := loader.Resolve(ctx, field.Reference, keys)
		if err != nil {
			return BatchResult{}, fmt.Errorf("%w: resolve %s: %v", domain.ErrStoreUnavailable, field.Name, err)
		}
		for i, record := range records {
			key, ok := referenceKey(record, field.Name)
			if !ok {
				continue
			}
			id, ok := found[key]
			if !ok {
				rowErrs[i] = multierror.Append(rowErrs[i], fmt.Errorf("%s: %q does not match an existing %s record", field.Name, key, field.Reference))
				continue
			}
			if record.ReferenceID == nil {
				record.ReferenceID = &id
			}
		}
	}

	err := e.records.WithBatch(ctx, func(w repository.RecordWriter) error {
		for i, record := range records {
			if record == nil || rowErrs[i] != nil {
				continue
			}
			if err := w.Insert(ctx, *record); err != nil {
				if errors.Is(err, domain.ErrStoreUnavailable) {
					return err
				}
				rowErrs[i] = multierror.Append(rowErrs[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Rows: make([]RowResult, len(rows))}
	for i := range rows {
		result.Rows[i] = RowResult{RowIndex: offset + i + 1, Err: rowErrs[i].ErrorOrNil()}
	}
	return result, nil
}

func referenceKey(record *domain.Record, field string) (string, bool) {
	if record == nil {
		return "", false
	}
	value, ok := record.Properties[field]
	if !ok {
		return "", false
	}
	key := ingestion.NormalizeKey(fmt.Sprint(value))
	return key, key != ""
}

// finalize moves task out of processing exactly once: it renders the error
// report when rows failed, records history and drops the staged file lease.
func (e *Executor) finalize(ctx context.Context, task domain.ImportTask, state domain.TaskState, cause error) (domain.ImportTask, error) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	logger := e.logger.With(slog.String("task_id", task.ID.String()), slog.String("entity_kind", task.EntityKind))

	if persisted, err := e.tasks.GetByID(ctx, task.ID); err == nil {
		task = persisted
	}

	if task.FailureCount > 0 && e.reports != nil {
		reported, err := e.reports.Generate(ctx, task)
		if err != nil {
			logger.Error("failed to generate error report", slog.Any("error", err))
		} else {
			task = reported
		}
	}

	var message *string
	if cause != nil {
		text := truncateError(cause)
		message = &text
	}
	final, err := e.tasks.Transition(ctx, task.ID, domain.TaskStateProcessing, state, e.now(), message)
	if err != nil {
		logger.Error("failed to finalize import task", slog.String("state", string(state)), slog.Any("error", err), slog.Any("cause", cause))
		e.staging.Release(task.StagedFileID)
		return task, fmt.Errorf("finalize task %s: %w", task.ID, err)
	}

	if err := e.history.Record(ctx, domain.HistoryEntryFromTask(final)); err != nil {
		logger.Error("failed to record import history", slog.Any("error", err))
	}
	e.staging.Release(final.StagedFileID)

	var duration time.Duration
	if final.StartedAt != nil && final.CompletedAt != nil {
		duration = final.CompletedAt.Sub(*final.StartedAt)
	}
	e.metrics.RecordTaskFinished(final.EntityKind, string(final.State), duration)

	if cause != nil {
		logger.Error("import task failed", slog.Any("error", cause))
	} else {
		logger.Info("import task finalized",
			slog.String("state", string(final.State)),
			slog.Int("succeeded", final.SuccessCount),
			slog.Int("failed", final.FailureCount),
		)
	}
	return final, nil
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 512
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
