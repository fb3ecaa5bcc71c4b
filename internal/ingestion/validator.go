package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/entityloader"
	"github.com/rpattn/recordimport/internal/repository"
)

// Validator performs dry-run validation of a staged file under a mapping.
// It never writes records.
type Validator struct {
	catalog       *domain.Catalog
	lookup        repository.RecordLookup
	batchCapacity int
}

// NewValidator creates a validator resolving keys through lookup in batches
// of at most batchCapacity keys.
func NewValidator(catalog *domain.Catalog, lookup repository.RecordLookup, batchCapacity int) *Validator {
	return &Validator{catalog: catalog, lookup: lookup, batchCapacity: batchCapacity}
}

// keyedRows tracks the rows carrying each normalized key, in file order.
type keyedRows struct {
	order []string
	rows  map[string][]int
}

func newKeyedRows() *keyedRows {
	return &keyedRows{rows: make(map[string][]int)}
}

func (k *keyedRows) add(key string, row int) {
	if _, ok := k.rows[key]; !ok {
		k.order = append(k.order, key)
	}
	k.rows[key] = append(k.rows[key], row)
}

// Validate checks mapping completeness, per-row field rules, duplicate
// business keys and references, in that order. Row-level problems are
// returned as findings; only structural or store failures return an error.
func (v *Validator) Validate(ctx context.Context, staged domain.StagedFile, entityKind string, mapping domain.ColumnMapping) (domain.ValidationReport, error) {
	entity, err := v.catalog.Entity(entityKind)
	if err != nil {
		return domain.ValidationReport{}, err
	}

	report := domain.ValidationReport{
		EntityKind:      entity.Kind,
		TotalRecords:    len(staged.Rows),
		MissingFields:   []string{},
		Findings:        []domain.ValidationFinding{},
		DuplicateGroups: []domain.DuplicateGroup{},
	}

	builder, err := NewRowBuilder(entity, mapping, staged.Headers)
	if err != nil {
		return domain.ValidationReport{}, err
	}

	if missing := mapping.MissingRequired(entity); len(missing) > 0 {
		report.MissingFields = missing
		report.HasErrors = true
		report.InvalidRecordCount = report.TotalRecords
		return report, nil
	}

	businessKeys := newKeyedRows()
	references := make(map[string]*keyedRows)
	referenceFields := entity.ReferenceFields()

	for idx, row := range staged.Rows {
		if idx%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return domain.ValidationReport{}, err
			}
		}
		rowIndex := idx + 1
		properties, fieldErrs := builder.Build(row)
		for _, fe := range fieldErrs {
			report.Findings = append(report.Findings, fieldFinding(rowIndex, fe.Field, domain.SeverityError, domain.FindingRowValidation, fe.Message))
		}

		if key, ok := builder.BusinessKey(properties); ok {
			businessKeys.add(key, rowIndex)
		}
		for _, field := range referenceFields {
			value, ok := properties[field.Name]
			if !ok {
				continue
			}
			key := NormalizeKey(fmt.Sprint(value))
			if key == "" {
				continue
			}
			if references[field.Name] == nil {
				references[field.Name] = newKeyedRows()
			}
			references[field.Name].add(key, rowIndex)
		}
	}

	for _, key := range businessKeys.order {
		rows := businessKeys.rows[key]
		if len(rows) < 2 {
			continue
		}
		report.DuplicateGroups = append(report.DuplicateGroups, domain.DuplicateGroup{Key: key, RowIndexes: rows})
		for _, row := range rows {
			message := fmt.Sprintf("duplicate %s %q shared by rows %s", entity.BusinessKey, key, joinInts(rows))
			report.Findings = append(report.Findings, domain.ValidationFinding{
				RowIndex: row,
				Severity: domain.SeverityDuplicate,
				Code:     domain.FindingDuplicateKey,
				Message:  message,
			})
		}
	}

	loader := entityloader.NewKeyLoader(v.lookup, v.batchCapacity)

	if len(businessKeys.order) > 0 {
		existing, err := loader.Resolve(ctx, entity.Kind, businessKeys.order)
		if err != nil {
			return domain.ValidationReport{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		for _, key := range businessKeys.order {
			if _, ok := existing[key]; !ok {
				continue
			}
			for _, row := range businessKeys.rows[key] {
				message := fmt.Sprintf("%s %q already exists", entity.BusinessKey, key)
				report.Findings = append(report.Findings, fieldFinding(row, entity.BusinessKey, domain.SeverityDuplicate, domain.FindingDuplicateKey, message))
			}
		}
	}

	for _, field := range referenceFields {
		refs := references[field.Name]
		if refs == nil {
			continue
		}
		found, err := loader.Resolve(ctx, field.Reference, refs.order)
		if err != nil {
			return domain.ValidationReport{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		for _, key := range refs.order {
			if _, ok := found[key]; ok {
				continue
			}
			for _, row := range refs.rows[key] {
				message := fmt.Sprintf("%s %q does not match an existing %s record", field.Name, key, field.Reference)
				report.Findings = append(report.Findings, fieldFinding(row, field.Name, domain.SeverityError, domain.FindingReferential, message))
			}
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].RowIndex < report.Findings[j].RowIndex
	})

	invalid := report.InvalidRows()
	report.InvalidRecordCount = len(invalid)
	report.ValidRecordCount = report.TotalRecords - report.InvalidRecordCount
	report.HasErrors = report.InvalidRecordCount > 0
	return report, nil
}

func fieldFinding(row int, field string, severity domain.Severity, code domain.FindingCode, message string) domain.ValidationFinding {
	name := field
	return domain.ValidationFinding{
		RowIndex:    row,
		TargetField: &name,
		Severity:    severity,
		Code:        code,
		Message:     message,
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
