package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline-level error taxonomy. Row-level problems are reported as findings
// or row results instead.
var (
	ErrFileFormat         = errors.New("file format error")
	ErrSizeLimitExceeded  = errors.New("size limit exceeded")
	ErrMappingIncomplete  = errors.New("mapping incomplete")
	ErrInvalidMapping     = errors.New("invalid mapping")
	ErrUnknownEntity      = errors.New("unknown entity kind")
	ErrStagedFileNotFound = errors.New("staged file not found")
	ErrTaskNotFound       = errors.New("import task not found")
	ErrTaskStatusConflict = errors.New("import task status conflict")
	ErrInvalidTransition  = errors.New("invalid import task transition")
	ErrReportNotAvailable = errors.New("error report not available")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
)

// MissingFieldsError reports required target fields absent from a mapping.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: required fields not mapped: %s", ErrMappingIncomplete, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Is(target error) bool {
	return target == ErrMappingIncomplete
}
