package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// TaskState captures lifecycle state for an import task.
type TaskState string

const (
	TaskStateQueued     TaskState = "queued"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateCancelled  TaskState = "cancelled"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskStateQueued:     {TaskStateProcessing, TaskStateCancelled},
	TaskStateProcessing: {TaskStateCompleted, TaskStateFailed, TaskStateCancelled},
}

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return len(taskTransitions[s]) == 0
}

// CanTransitionTo reports whether next directly follows s.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, candidate := range taskTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateQueued, TaskStateProcessing, TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// TaskTransition records when a task entered a state.
type TaskTransition struct {
	State TaskState `json:"state"`
	At    time.Time `json:"at"`
}

// ImportTask mirrors the persisted import task for workers and pollers.
// ClaimedBy names the worker process that owns a processing task.
type ImportTask struct {
	ID              uuid.UUID        `json:"id"`
	EntityKind      string           `json:"entityKind"`
	StagedFileID    string           `json:"stagedFileId"`
	FileName        string           `json:"fileName"`
	SourceHeaders   []string         `json:"sourceHeaders"`
	Mapping         ColumnMapping    `json:"mapping"`
	State           TaskState        `json:"state"`
	TotalRecords    int              `json:"totalRecords"`
	SuccessCount    int              `json:"successCount"`
	FailureCount    int              `json:"failureCount"`
	ProcessedCount  int              `json:"processedCount"`
	ProgressPercent float64          `json:"progressPercent"`
	CancelRequested bool             `json:"cancelRequested"`
	ErrorReportRef  *string          `json:"errorReportRef,omitempty"`
	ErrorMessage    *string          `json:"errorMessage,omitempty"`
	CreatedBy       string           `json:"createdBy"`
	CreatedAt       time.Time        `json:"createdAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	ClaimedBy       *string          `json:"claimedBy,omitempty"`
	HeartbeatAt     *time.Time       `json:"heartbeatAt,omitempty"`
	Transitions     []TaskTransition `json:"transitions"`
}

// NewImportTask builds a queued task.
func NewImportTask(entityKind string, staged StagedFile, mapping ColumnMapping, createdBy string, now time.Time) ImportTask {
	return ImportTask{
		ID:            uuid.New(),
		EntityKind:    entityKind,
		StagedFileID:  staged.ID,
		FileName:      staged.FileName,
		SourceHeaders: append([]string(nil), staged.Headers...),
		Mapping:       mapping,
		State:         TaskStateQueued,
		TotalRecords:  staged.RowCount,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		Transitions:   []TaskTransition{{State: TaskStateQueued, At: now}},
	}
}

// Transition moves the task to next, stamping the relevant timestamps.
func (t *ImportTask) Transition(next TaskState, at time.Time) error {
	if !t.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}
	t.State = next
	switch {
	case next == TaskStateProcessing:
		t.StartedAt = &at
	case next.Terminal():
		t.CompletedAt = &at
		if next == TaskStateCompleted {
			t.ProgressPercent = 100
		}
	}
	t.Transitions = append(t.Transitions, TaskTransition{State: next, At: at})
	return nil
}

// Claim marks the task as owned by worker and starts its heartbeat.
func (t *ImportTask) Claim(worker string, at time.Time) error {
	if err := t.Transition(TaskStateProcessing, at); err != nil {
		return err
	}
	t.ClaimedBy = &worker
	t.HeartbeatAt = &at
	return nil
}

// Stale reports whether a processing task has not shown a heartbeat since
// cutoff. Tasks claimed before heartbeats were recorded fall back to their
// start time.
func (t ImportTask) Stale(cutoff time.Time) bool {
	if t.State != TaskStateProcessing {
		return false
	}
	last := t.HeartbeatAt
	if last == nil {
		last = t.StartedAt
	}
	return last == nil || last.Before(cutoff)
}

// Finalized reports whether the task reached a terminal state.
func (t ImportTask) Finalized() bool {
	return t.State.Terminal()
}

// AddProgress accumulates a batch outcome. Counters never decrease.
func (t *ImportTask) AddProgress(succeeded, failed int) {
	if succeeded < 0 || failed < 0 {
		return
	}
	t.SuccessCount += succeeded
	t.FailureCount += failed
	t.ProcessedCount = t.SuccessCount + t.FailureCount
	t.ProgressPercent = ProgressPercent(t.ProcessedCount, t.TotalRecords)
}

// ProgressPercent returns processed/total as a percentage rounded to two
// decimals. An empty file counts as fully processed.
func ProgressPercent(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	if processed >= total {
		return 100
	}
	return math.Round(float64(processed)/float64(total)*10000) / 100
}
