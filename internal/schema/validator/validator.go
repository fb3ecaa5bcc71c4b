package validator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rpattn/recordimport/internal/domain"
)

var knownFieldTypes = map[domain.FieldType]struct{}{
	domain.FieldTypeString:  {},
	domain.FieldTypeInteger: {},
	domain.FieldTypeDecimal: {},
	domain.FieldTypeDate:    {},
	domain.FieldTypeEnum:    {},
	domain.FieldTypeEmail:   {},
	domain.FieldTypePhone:   {},
	domain.FieldTypeCode:    {},
}

var numericFieldTypes = map[domain.FieldType]struct{}{
	domain.FieldTypeInteger: {},
	domain.FieldTypeDecimal: {},
}

// LoadCatalog reads the catalog at path, or the built-in catalog when path is
// empty, and validates every entity in it.
func LoadCatalog(path string) (*domain.Catalog, error) {
	data := domain.DefaultCatalogDocument()
	if strings.TrimSpace(path) != "" {
		custom, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read entity catalog %s: %w", path, err)
		}
		data = custom
	}

	catalog, err := domain.ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateCatalog(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

// ValidateCatalog checks every entity and resolves cross-entity references.
func ValidateCatalog(catalog *domain.Catalog) error {
	for _, entity := range catalog.Entities() {
		if err := ValidateEntity(entity); err != nil {
			return err
		}
		for _, field := range entity.ReferenceFields() {
			target, err := catalog.Entity(field.Reference)
			if err != nil {
				return fmt.Errorf("entity %s field %s references unknown entity %s", entity.Kind, field.Name, field.Reference)
			}
			if target.BusinessKey == "" {
				return fmt.Errorf("entity %s field %s references %s which declares no business key", entity.Kind, field.Name, target.Kind)
			}
		}
	}
	return nil
}

// ValidateEntity ensures an entity's field definitions are self-consistent.
func ValidateEntity(entity domain.EntitySpec) error {
	if len(entity.Fields) == 0 {
		return fmt.Errorf("entity %s declares no fields", entity.Kind)
	}

	seen := make(map[string]struct{}, len(entity.Fields))
	for _, field := range entity.Fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return fmt.Errorf("entity %s contains a field without name", entity.Kind)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("entity %s declares field %s twice", entity.Kind, name)
		}
		seen[name] = struct{}{}

		if _, ok := knownFieldTypes[field.Type]; !ok {
			return fmt.Errorf("entity %s field %s has unsupported type %q", entity.Kind, name, field.Type)
		}
		if field.Type == domain.FieldTypeEnum && len(field.Options) == 0 {
			return fmt.Errorf("entity %s enum field %s declares no options", entity.Kind, name)
		}
		if field.Type != domain.FieldTypeEnum && len(field.Options) > 0 {
			return fmt.Errorf("entity %s field %s cannot declare options because type %s is not enum", entity.Kind, name, field.Type)
		}
		if _, ok := numericFieldTypes[field.Type]; !ok && (field.Min != nil || field.Max != nil) {
			return fmt.Errorf("entity %s field %s cannot declare min/max because type %s is not numeric", entity.Kind, name, field.Type)
		}
		if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
			return fmt.Errorf("entity %s field %s has min greater than max", entity.Kind, name)
		}
		if field.Pattern != "" {
			if _, err := regexp.Compile(field.Pattern); err != nil {
				return fmt.Errorf("entity %s field %s has invalid pattern: %w", entity.Kind, name, err)
			}
		}
		if field.Type == domain.FieldTypeCode && field.Pattern == "" {
			return fmt.Errorf("entity %s code field %s requires a pattern", entity.Kind, name)
		}
	}

	if entity.BusinessKey != "" {
		if _, ok := seen[entity.BusinessKey]; !ok {
			return fmt.Errorf("entity %s business key %s is not a declared field", entity.Kind, entity.BusinessKey)
		}
	}
	return nil
}
