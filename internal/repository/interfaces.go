package repository

import (
	"context"
	"time"

	"github.com/rpattn/recordimport/internal/domain"

	"github.com/google/uuid"
)

// ImportTaskRepository defines the interface for import task persistence.
type ImportTaskRepository interface {
	Create(ctx context.Context, task domain.ImportTask) (domain.ImportTask, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ImportTask, error)
	// ClaimNext moves the oldest queued task to processing, owned by worker,
	// and returns it, or nil when the queue is empty.
	ClaimNext(ctx context.Context, worker string, at time.Time) (*domain.ImportTask, error)
	// Transition moves a task from one state to another, failing with
	// domain.ErrTaskStatusConflict when the task is no longer in from.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.TaskState, at time.Time, errorMessage *string) (domain.ImportTask, error)
	// UpdateProgress persists batch counters and refreshes the heartbeat of a
	// processing task.
	UpdateProgress(ctx context.Context, id uuid.UUID, successCount, failureCount, processedCount int, progressPercent float64, at time.Time) error
	RequestCancel(ctx context.Context, id uuid.UUID) (domain.ImportTask, error)
	// SetErrorReport stores ref unless a reference already exists, and returns
	// the task as persisted.
	SetErrorReport(ctx context.Context, id uuid.UUID, ref string) (domain.ImportTask, error)
	ListByState(ctx context.Context, state domain.TaskState) ([]domain.ImportTask, error)
}

// RowFailureRepository stores failed rows for error reports.
type RowFailureRepository interface {
	RecordBatch(ctx context.Context, failures []domain.RowFailure) error
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.RowFailure, error)
}

// ImportHistoryRepository persists finalized task summaries.
type ImportHistoryRepository interface {
	Record(ctx context.Context, entry domain.ImportHistoryEntry) error
	List(ctx context.Context, offset, limit int) ([]domain.ImportHistoryEntry, int, error)
}

// RecordLookup resolves normalized business keys of an entity kind to the ids
// of already persisted records. Missing keys are absent from the result.
type RecordLookup interface {
	LookupKeys(ctx context.Context, entityKind string, keys []string) (map[string]uuid.UUID, error)
}

// RecordWriter inserts records inside one batch scope. Insert failures that
// wrap domain.ErrStoreUnavailable abort the batch; any other error rejects
// only that row.
type RecordWriter interface {
	Insert(ctx context.Context, record domain.Record) error
}

// RecordStore is the target entity store.
type RecordStore interface {
	RecordLookup
	// WithBatch runs fn in one transaction that commits every row fn did not
	// reject.
	WithBatch(ctx context.Context, fn func(RecordWriter) error) error
}
