package domain

import (
	"time"

	"github.com/google/uuid"
)

// ImportHistoryEntry is the listing projection of a finalized import task.
type ImportHistoryEntry struct {
	TaskID       uuid.UUID `json:"taskId"`
	EntityKind   string    `json:"entityKind"`
	FileName     string    `json:"fileName"`
	State        TaskState `json:"state"`
	TotalRecords int       `json:"totalRecords"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	CreatedAt    time.Time `json:"createdAt"`
	CompletedAt  time.Time `json:"completedAt"`
	CreatedBy    string    `json:"createdBy"`
}

// HistoryEntryFromTask projects a finalized task.
func HistoryEntryFromTask(task ImportTask) ImportHistoryEntry {
	entry := ImportHistoryEntry{
		TaskID:       task.ID,
		EntityKind:   task.EntityKind,
		FileName:     task.FileName,
		State:        task.State,
		TotalRecords: task.TotalRecords,
		SuccessCount: task.SuccessCount,
		FailureCount: task.FailureCount,
		CreatedAt:    task.CreatedAt,
		CreatedBy:    task.CreatedBy,
	}
	if task.CompletedAt != nil {
		entry.CompletedAt = *task.CompletedAt
	}
	return entry
}
