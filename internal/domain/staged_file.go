package domain

import "time"

// StagedFile is a parsed upload held under an opaque id until it expires or
// is consumed by an import task.
type StagedFile struct {
	ID        string     `json:"id" msgpack:"id"`
	FileName  string     `json:"fileName" msgpack:"file_name"`
	Headers   []string   `json:"headers" msgpack:"headers"`
	Rows      [][]string `json:"-" msgpack:"rows"`
	RowCount  int        `json:"rowCount" msgpack:"row_count"`
	CreatedAt time.Time  `json:"createdAt" msgpack:"created_at"`
	ExpiresAt time.Time  `json:"expiresAt" msgpack:"expires_at"`
}

// Expired reports whether the staging window has elapsed at now.
func (f StagedFile) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// ColumnIndex returns the position of a header label, or -1.
func (f StagedFile) ColumnIndex(label string) int {
	for i, header := range f.Headers {
		if header == label {
			return i
		}
	}
	return -1
}
