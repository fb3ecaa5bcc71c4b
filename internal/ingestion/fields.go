package ingestion

import (
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/pkg/validator"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/width"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"2006-1-2",
	"2006/1/2",
	"2006年1月2日",
	"20060102",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006",
	"1/2/2006",
}

// FieldError is one rejected field of a row.
type FieldError struct {
	Field   string
	Message string
}

type boundColumn struct {
	index int
	field domain.FieldSpec
}

// RowBuilder turns raw rows into typed record properties under a committed
// mapping. It is safe for concurrent use.
type RowBuilder struct {
	entity    domain.EntitySpec
	columns   []boundColumn
	validator *validator.PropertyValidator
}

// NewRowBuilder binds mapping to header positions.
func NewRowBuilder(entity domain.EntitySpec, mapping domain.ColumnMapping, headers []string) (*RowBuilder, error) {
	if err := mapping.CheckStructure(headers, entity); err != nil {
		return nil, err
	}

	positions := make(map[string]int, len(headers))
	for i, header := range headers {
		positions[header] = i
	}

	columns := make([]boundColumn, 0, len(mapping))
	for _, pair := range mapping {
		field, _ := entity.Field(pair.TargetField)
		columns = append(columns, boundColumn{index: positions[pair.SourceColumn], field: field})
	}
	return &RowBuilder{entity: entity, columns: columns, validator: validator.NewPropertyValidator()}, nil
}

// Entity returns the entity rules the builder applies.
func (b *RowBuilder) Entity() domain.EntitySpec {
	return b.entity
}

// Build coerces and validates one row. Errors are ordered by mapping order.
func (b *RowBuilder) Build(row []string) (map[string]any, []FieldError) {
	properties := make(map[string]any, len(b.columns))
	failed := make(map[string]string)
	mapped := make([]domain.FieldSpec, 0, len(b.columns))

	for _, column := range b.columns {
		mapped = append(mapped, column.field)
		if column.index >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[column.index])
		if raw == "" {
			continue
		}
		value, err := coerceCell(column.field, raw)
		if err != nil {
			failed[column.field.Name] = err.Error()
			continue
		}
		properties[column.field.Name] = value
	}

	result := b.validator.ValidateProperties(properties, mapped)
	for _, verr := range result.Errors {
		if _, seen := failed[verr.Field]; !seen {
			failed[verr.Field] = verr.Message
		}
	}
	if len(failed) == 0 {
		return properties, nil
	}

	errs := make([]FieldError, 0, len(failed))
	for _, column := range b.columns {
		if message, ok := failed[column.field.Name]; ok {
			errs = append(errs, FieldError{Field: column.field.Name, Message: message})
			delete(properties, column.field.Name)
		}
	}
	return properties, errs
}

// BusinessKey returns the normalized business key of a built row.
func (b *RowBuilder) BusinessKey(properties map[string]any) (string, bool) {
	if b.entity.BusinessKey == "" {
		return "", false
	}
	value, ok := properties[b.entity.BusinessKey]
	if !ok {
		return "", false
	}
	key := NormalizeKey(fmt.Sprint(value))
	return key, key != ""
}

// NormalizeKey folds a business key or reference value for comparison.
func NormalizeKey(value string) string {
	folded := width.Fold.String(value)
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

func coerceCell(field domain.FieldSpec, raw string) (any, error) {
	switch field.Type {
	case domain.FieldTypeString:
		return raw, nil
	case domain.FieldTypeInteger:
		cleaned := stripNumberFormatting(raw)
		if i, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
			return i, nil
		}
		// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil && math.Mod(f, 1) == 0 &&
			f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("field '%s' value '%s' is not an integer", field.Name, raw)
	case domain.FieldTypeDecimal:
		f, err := strconv.ParseFloat(stripNumberFormatting(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("field '%s' value '%s' is not a number", field.Name, raw)
		}
		return f, nil
	case domain.FieldTypeDate:
		ts, err := parseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("field '%s' value '%s' is not a recognised date", field.Name, raw)
		}
		return ts, nil
	case domain.FieldTypeEnum:
		key := NormalizeLabel(raw)
		for _, option := range field.Options {
			if NormalizeLabel(option.Code) == key {
				return option.Code, nil
			}
			for _, label := range option.Labels {
				if NormalizeLabel(label) == key {
					return option.Code, nil
				}
			}
		}
		return nil, fmt.Errorf("field '%s' value '%s' is not one of %s", field.Name, raw, optionCodes(field.Options))
	case domain.FieldTypeEmail:
		address, err := mail.ParseAddress(raw)
		if err != nil || address.Name != "" || !strings.Contains(address.Address, ".") {
			return nil, fmt.Errorf("field '%s' value '%s' is not a valid email address", field.Name, raw)
		}
		return strings.ToLower(address.Address), nil
	case domain.FieldTypePhone:
		phone, ok := normalizePhone(raw)
		if !ok {
			return nil, fmt.Errorf("field '%s' value '%s' is not a valid phone number", field.Name, raw)
		}
		return phone, nil
	case domain.FieldTypeCode:
		return strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) || r == '.' || r == '-' {
				return -1
			}
			return r
		}, width.Fold.String(raw)), nil
	default:
		return nil, fmt.Errorf("field '%s' has unsupported type %s", field.Name, field.Type)
	}
}

func stripNumberFormatting(raw string) string {
	raw = width.Fold.String(raw)
	raw = strings.NewReplacer(",", "", " ", "", "¥", "", "￥", "", "$", "", "€", "").Replace(raw)
	return raw
}

func parseDate(raw string) (time.Time, error) {
	raw = width.Fold.String(strings.TrimSpace(raw))
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	// Workbook cells read without number formatting carry the date serial.
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 && serial < 2958466 {
		return excelize.ExcelDateToTime(serial, false)
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

func normalizePhone(raw string) (string, bool) {
	raw = width.Fold.String(raw)
	var b strings.Builder
	digits := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	return b.String(), digits >= 5 && digits <= 20
}

func optionCodes(options []domain.EnumOption) string {
	codes := make([]string, len(options))
	for i, option := range options {
		codes[i] = option.Code
	}
	return strings.Join(codes, ", ")
}
