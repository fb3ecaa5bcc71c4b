package domain

// Severity classifies a validation finding.
type Severity string

const (
	SeverityError     Severity = "error"
	SeverityDuplicate Severity = "duplicate"
)

// FindingCode identifies the rule family that produced a finding.
type FindingCode string

const (
	FindingRowValidation FindingCode = "ROW_VALIDATION"
	FindingDuplicateKey  FindingCode = "DUPLICATE_KEY"
	FindingReferential   FindingCode = "REFERENTIAL"
)

// ValidationFinding is one rule violation. RowIndex is 1-based and excludes
// the header row. TargetField is nil for row-level findings.
type ValidationFinding struct {
	RowIndex    int         `json:"rowIndex"`
	TargetField *string     `json:"targetField"`
	Severity    Severity    `json:"severity"`
	Code        FindingCode `json:"code"`
	Message     string      `json:"message"`
}

// DuplicateGroup lists rows sharing one normalized business key.
type DuplicateGroup struct {
	Key        string `json:"key"`
	RowIndexes []int  `json:"rowIndexes"`
}

// ValidationReport is the dry-run outcome for a staged file and mapping.
// TotalRecords always equals ValidRecordCount + InvalidRecordCount.
type ValidationReport struct {
	EntityKind         string              `json:"entityKind"`
	TotalRecords       int                 `json:"totalRecords"`
	ValidRecordCount   int                 `json:"validRecordCount"`
	InvalidRecordCount int                 `json:"invalidRecordCount"`
	HasErrors          bool                `json:"hasErrors"`
	MissingFields      []string            `json:"missingFields"`
	Findings           []ValidationFinding `json:"findings"`
	DuplicateGroups    []DuplicateGroup    `json:"duplicateGroups"`
}

// InvalidRows returns the set of row indexes carrying at least one finding.
func (r ValidationReport) InvalidRows() map[int]struct{} {
	rows := make(map[int]struct{})
	for _, finding := range r.Findings {
		rows[finding.RowIndex] = struct{}{}
	}
	return rows
}
