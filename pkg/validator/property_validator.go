package validator

import (
	"fmt"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rpattn/recordimport/internal/domain"
)

// PropertyValidator checks coerced record properties against catalog field
// rules.
type PropertyValidator struct {
	patterns sync.Map // pattern -> *regexp.Regexp
}

// NewPropertyValidator creates a new property validator
func NewPropertyValidator() *PropertyValidator {
	return &PropertyValidator{}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationError `json:"errors"`
}

// ValidateProperties validates properties against field specs. Errors are
// reported in field declaration order.
func (pv *PropertyValidator) ValidateProperties(properties map[string]any, fields []domain.FieldSpec) ValidationResult {
	result := ValidationResult{IsValid: true, Errors: []ValidationError{}}
	fail := func(field string, value any, format string, args ...any) {
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Value:   value,
		})
	}

	declared := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		declared[field.Name] = struct{}{}
		value, exists := properties[field.Name]

		if !exists || value == nil || value == "" {
			if field.Required {
				fail(field.Name, nil, "required field '%s' is missing", field.Name)
			}
			continue
		}

		if err := pv.validateFieldType(field, value); err != nil {
			fail(field.Name, value, "%s", err.Error())
			continue
		}
		if err := pv.validateRules(field, value); err != nil {
			fail(field.Name, value, "%s", err.Error())
		}
	}

	for name, value := range properties {
		if _, ok := declared[name]; !ok {
			fail(name, value, "property '%s' is not defined for this entity", name)
		}
	}

	return result
}

func (pv *PropertyValidator) validateFieldType(field domain.FieldSpec, value any) error {
	switch field.Type {
	case domain.FieldTypeString, domain.FieldTypeEmail, domain.FieldTypePhone, domain.FieldTypeCode:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field '%s' must be a string, got %T", field.Name, value)
		}
	case domain.FieldTypeEnum:
		code, ok := value.(string)
		if !ok {
			return fmt.Errorf("field '%s' must be an enum code, got %T", field.Name, value)
		}
		for _, option := range field.Options {
			if option.Code == code {
				return nil
			}
		}
		return fmt.Errorf("field '%s' value '%s' is not an allowed option", field.Name, code)
	case domain.FieldTypeInteger:
		if _, ok := value.(int64); !ok {
			return fmt.Errorf("field '%s' must be an integer, got %T", field.Name, value)
		}
	case domain.FieldTypeDecimal:
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field '%s' must be a number, got %T", field.Name, value)
		}
	case domain.FieldTypeDate:
		if _, ok := value.(time.Time); !ok {
			return fmt.Errorf("field '%s' must be a date, got %T", field.Name, value)
		}
	default:
		return fmt.Errorf("unknown field type: %s", field.Type)
	}
	return nil
}

func (pv *PropertyValidator) validateRules(field domain.FieldSpec, value any) error {
	if number, ok := numericValue(value); ok {
		if field.Min != nil && number < *field.Min {
			return fmt.Errorf("field '%s' value %v is less than minimum %v", field.Name, value, *field.Min)
		}
		if field.Max != nil && number > *field.Max {
			return fmt.Errorf("field '%s' value %v is greater than maximum %v", field.Name, value, *field.Max)
		}
	}

	str, ok := value.(string)
	if !ok {
		return nil
	}
	if field.MaxLength > 0 {
		if length := utf8.RuneCountInString(str); length > field.MaxLength {
			return fmt.Errorf("field '%s' length %d is greater than maximum %d", field.Name, length, field.MaxLength)
		}
	}
	if field.Pattern != "" {
		re, err := pv.compile(field.Pattern)
		if err != nil {
			return fmt.Errorf("field '%s' has an invalid pattern: %v", field.Name, err)
		}
		if !re.MatchString(str) {
			return fmt.Errorf("field '%s' value '%s' has an invalid format", field.Name, str)
		}
	}
	return nil
}

func (pv *PropertyValidator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := pv.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	pv.patterns.Store(pattern, re)
	return re, nil
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
