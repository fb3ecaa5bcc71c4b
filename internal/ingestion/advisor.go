package ingestion

import (
	"strings"
	"unicode"

	"github.com/rpattn/recordimport/internal/domain"

	"golang.org/x/text/width"
)

// ColumnSuggestion pairs a header with the field proposed for it. A nil
// SuggestedField leaves the column unmapped.
type ColumnSuggestion struct {
	SourceColumn   string  `json:"sourceColumn"`
	SuggestedField *string `json:"suggestedField"`
}

// NormalizeLabel folds a header or synonym for comparison: full-width
// characters become half-width, letters are lower-cased, and whitespace and
// common separators are dropped.
func NormalizeLabel(label string) string {
	folded := width.Fold.String(strings.TrimSpace(label))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsSpace(r):
			continue
		case r == '_' || r == '-' || r == '.' || r == ':' || r == '/' || r == '(' || r == ')':
			continue
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// SuggestMapping proposes a field for each header. A header takes the first
// field, in catalog order, whose name or synonyms match it exactly after
// normalisation. A field is proposed for at most one header; later headers
// that would match it stay unmapped.
func SuggestMapping(headers []string, entity domain.EntitySpec) []ColumnSuggestion {
	lookup := make([]map[string]struct{}, len(entity.Fields))
	for i, field := range entity.Fields {
		labels := make(map[string]struct{}, len(field.Synonyms)+1)
		labels[NormalizeLabel(field.Name)] = struct{}{}
		for _, synonym := range field.Synonyms {
			labels[NormalizeLabel(synonym)] = struct{}{}
		}
		lookup[i] = labels
	}

	used := make(map[string]struct{}, len(entity.Fields))
	suggestions := make([]ColumnSuggestion, len(headers))
	for idx, header := range headers {
		suggestions[idx] = ColumnSuggestion{SourceColumn: header}
		key := NormalizeLabel(header)
		if key == "" {
			continue
		}
		for i, field := range entity.Fields {
			if _, ok := lookup[i][key]; !ok {
				continue
			}
			if _, taken := used[field.Name]; taken {
				break
			}
			name := field.Name
			suggestions[idx].SuggestedField = &name
			used[name] = struct{}{}
			break
		}
	}
	return suggestions
}

// ApplyOverrides replaces suggestions with caller choices keyed by source
// column. An empty value clears the suggestion. Overrides for columns not in
// the file are ignored; enforcement happens during validation.
func ApplyOverrides(suggestions []ColumnSuggestion, overrides map[string]string) []ColumnSuggestion {
	out := make([]ColumnSuggestion, len(suggestions))
	copy(out, suggestions)
	if len(overrides) == 0 {
		return out
	}

	for idx := range out {
		target, ok := overrides[out[idx].SourceColumn]
		if !ok {
			continue
		}
		target = strings.TrimSpace(target)
		if target == "" {
			out[idx].SuggestedField = nil
			continue
		}
		out[idx].SuggestedField = &target
	}
	return out
}

// MappingFromSuggestions keeps the mapped columns in header order.
func MappingFromSuggestions(suggestions []ColumnSuggestion) domain.ColumnMapping {
	mapping := make(domain.ColumnMapping, 0, len(suggestions))
	for _, s := range suggestions {
		if s.SuggestedField == nil {
			continue
		}
		mapping = append(mapping, domain.MappingPair{SourceColumn: s.SourceColumn, TargetField: *s.SuggestedField})
	}
	return mapping
}
