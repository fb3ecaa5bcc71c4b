package domain

import "fmt"

// MappingPair assigns a spreadsheet column to a canonical target field.
type MappingPair struct {
	SourceColumn string `json:"sourceColumn"`
	TargetField  string `json:"targetField"`
}

// ColumnMapping is the ordered mapping committed by a caller.
type ColumnMapping []MappingPair

// MissingRequired lists required fields of entity absent from the mapping,
// in declaration order.
func (m ColumnMapping) MissingRequired(entity EntitySpec) []string {
	mapped := make(map[string]struct{}, len(m))
	for _, pair := range m {
		mapped[pair.TargetField] = struct{}{}
	}
	var missing []string
	for _, name := range entity.RequiredFields() {
		if _, ok := mapped[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// CheckStructure rejects mappings that reference unknown columns or fields,
// map one column twice, or feed one field from two columns.
func (m ColumnMapping) CheckStructure(headers []string, entity EntitySpec) error {
	known := make(map[string]struct{}, len(headers))
	for _, header := range headers {
		known[header] = struct{}{}
	}

	seenColumns := make(map[string]struct{}, len(m))
	seenFields := make(map[string]string, len(m))
	for _, pair := range m {
		if _, ok := known[pair.SourceColumn]; !ok {
			return fmt.Errorf("%w: column %q is not present in the file", ErrInvalidMapping, pair.SourceColumn)
		}
		if _, ok := entity.Field(pair.TargetField); !ok {
			return fmt.Errorf("%w: field %q is not defined for %s", ErrInvalidMapping, pair.TargetField, entity.Kind)
		}
		if _, dup := seenColumns[pair.SourceColumn]; dup {
			return fmt.Errorf("%w: column %q is mapped more than once", ErrInvalidMapping, pair.SourceColumn)
		}
		if other, dup := seenFields[pair.TargetField]; dup {
			return fmt.Errorf("%w: field %q is mapped from both %q and %q", ErrInvalidMapping, pair.TargetField, other, pair.SourceColumn)
		}
		seenColumns[pair.SourceColumn] = struct{}{}
		seenFields[pair.TargetField] = pair.SourceColumn
	}
	return nil
}
