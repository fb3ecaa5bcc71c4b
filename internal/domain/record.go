package domain

import "github.com/google/uuid"

// Record is a business record built from one spreadsheet row.
type Record struct {
	ID          uuid.UUID      `json:"id"`
	EntityKind  string         `json:"entityKind"`
	BusinessKey *string        `json:"businessKey,omitempty"`
	ReferenceID *uuid.UUID     `json:"referenceId,omitempty"`
	Properties  map[string]any `json:"properties"`
	TaskID      uuid.UUID      `json:"taskId"`
	RowIndex    int            `json:"rowIndex"`
	CreatedBy   string         `json:"createdBy"`
}

// RowFailure keeps the original cell values of a row that could not be
// imported, with every reason collected for it.
type RowFailure struct {
	TaskID   uuid.UUID `json:"taskId"`
	RowIndex int       `json:"rowIndex"`
	Values   []string  `json:"values"`
	Reasons  []string  `json:"reasons"`
}
