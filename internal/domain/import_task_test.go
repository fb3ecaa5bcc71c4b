package domain

import (
	"errors"
	"testing"
	"time"
)

func TestImportTaskTransitionsFollowLifecycle(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	staged := StagedFile{ID: "staged-1", FileName: "customers.xlsx", RowCount: 4}
	task := NewImportTask("customers", staged, nil, "user-1", start)

	if task.State != TaskStateQueued {
		t.Fatalf("expected queued state, got %s", task.State)
	}
	if err := task.Transition(TaskStateProcessing, start.Add(time.Second)); err != nil {
		t.Fatalf("queued -> processing: %v", err)
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(start.Add(time.Second)) {
		t.Fatalf("expected startedAt to be stamped, got %v", task.StartedAt)
	}
	task.AddProgress(3, 1)
	if err := task.Transition(TaskStateCompleted, start.Add(2*time.Second)); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}

	if !task.Finalized() {
		t.Fatalf("expected completed task to be finalized")
	}
	if task.SuccessCount+task.FailureCount != task.TotalRecords {
		t.Fatalf("counts do not add up: %+v", task)
	}
	if len(task.Transitions) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", len(task.Transitions))
	}
	for i := 1; i < len(task.Transitions); i++ {
		if task.Transitions[i].At.Before(task.Transitions[i-1].At) {
			t.Fatalf("transitions out of order: %+v", task.Transitions)
		}
	}
}

func TestImportTaskRejectsIrreversibleTransitions(t *testing.T) {
	now := time.Now()
	cases := []struct {
		from TaskState
		to   TaskState
	}{
		{TaskStateQueued, TaskStateCompleted},
		{TaskStateQueued, TaskStateFailed},
		{TaskStateProcessing, TaskStateQueued},
		{TaskStateCompleted, TaskStateProcessing},
		{TaskStateFailed, TaskStateCompleted},
		{TaskStateCancelled, TaskStateQueued},
	}

	for _, tc := range cases {
		task := ImportTask{State: tc.from}
		err := task.Transition(tc.to, now)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		if task.State != tc.from {
			t.Errorf("%s -> %s: state changed to %s", tc.from, tc.to, task.State)
		}
	}
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		processed, total int
		want             float64
	}{
		{0, 0, 100},
		{0, 10, 0},
		{500, 5000, 10},
		{1, 3, 33.33},
		{5000, 5000, 100},
	}
	for _, tc := range cases {
		if got := ProgressPercent(tc.processed, tc.total); got != tc.want {
			t.Errorf("ProgressPercent(%d, %d) = %v, want %v", tc.processed, tc.total, got, tc.want)
		}
	}
}

func TestAddProgressIsMonotonic(t *testing.T) {
	task := ImportTask{TotalRecords: 10}
	task.AddProgress(4, 1)
	task.AddProgress(-3, 0)
	if task.ProcessedCount != 5 || task.ProgressPercent != 50 {
		t.Fatalf("unexpected progress after negative delta: %+v", task)
	}
}

func TestImportTaskStaleUsesHeartbeat(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	task := NewImportTask("customers", StagedFile{ID: "staged-1", RowCount: 10}, nil, "user-1", start)
	if task.Stale(start.Add(time.Hour)) {
		t.Fatalf("queued task must never be stale")
	}

	if err := task.Claim("worker-a", start); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.ClaimedBy == nil || *task.ClaimedBy != "worker-a" {
		t.Fatalf("expected claim owner worker-a, got %v", task.ClaimedBy)
	}
	if task.Stale(start) {
		t.Fatalf("task with heartbeat at the cutoff must not be stale")
	}
	if !task.Stale(start.Add(time.Minute)) {
		t.Fatalf("task with heartbeat before the cutoff must be stale")
	}

	beat := start.Add(2 * time.Minute)
	task.HeartbeatAt = &beat
	if task.Stale(start.Add(time.Minute)) {
		t.Fatalf("refreshed heartbeat must keep the task fresh")
	}

	legacy := task
	legacy.HeartbeatAt = nil
	if !legacy.Stale(start.Add(time.Minute)) {
		t.Fatalf("missing heartbeat falls back to the start time")
	}
}
