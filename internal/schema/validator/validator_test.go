package validator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rpattn/recordimport/internal/domain"
)

func floatPtr(v float64) *float64 { return &v }

func TestLoadCatalog_DefaultCatalogIsValid(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("expected built-in catalog to validate, got %v", err)
	}
	if len(catalog.Kinds()) != 3 {
		t.Fatalf("expected 3 entity kinds, got %v", catalog.Kinds())
	}
}

func TestLoadCatalog_ReadsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `entities:
  - kind: suppliers
    businessKey: code
    fields:
      - {name: code, type: string, required: true, synonyms: [供应商编码]}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load override catalog: %v", err)
	}
	if _, err := catalog.Entity("suppliers"); err != nil {
		t.Fatalf("expected suppliers entity: %v", err)
	}
}

func TestValidateEntity_RejectsInconsistentFields(t *testing.T) {
	cases := map[string]domain.EntitySpec{
		"duplicate field": {Kind: "x", Fields: []domain.FieldSpec{
			{Name: "a", Type: domain.FieldTypeString},
			{Name: "a", Type: domain.FieldTypeString},
		}},
		"unknown type": {Kind: "x", Fields: []domain.FieldSpec{{Name: "a", Type: "blob"}}},
		"enum without options": {Kind: "x", Fields: []domain.FieldSpec{{Name: "a", Type: domain.FieldTypeEnum}}},
		"min on string": {Kind: "x", Fields: []domain.FieldSpec{
			{Name: "a", Type: domain.FieldTypeString, Min: floatPtr(1)},
		}},
		"min above max": {Kind: "x", Fields: []domain.FieldSpec{
			{Name: "a", Type: domain.FieldTypeInteger, Min: floatPtr(5), Max: floatPtr(1)},
		}},
		"bad pattern": {Kind: "x", Fields: []domain.FieldSpec{
			{Name: "a", Type: domain.FieldTypeCode, Pattern: "(["},
		}},
		"code without pattern": {Kind: "x", Fields: []domain.FieldSpec{{Name: "a", Type: domain.FieldTypeCode}}},
		"unknown business key": {Kind: "x", BusinessKey: "b", Fields: []domain.FieldSpec{
			{Name: "a", Type: domain.FieldTypeString},
		}},
	}

	for name, entity := range cases {
		if err := ValidateEntity(entity); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateCatalog_RequiresResolvableReferences(t *testing.T) {
	doc := `entities:
  - kind: interactions
    fields:
      - {name: customerName, type: string, reference: customers}
`
	catalog, err := domain.ParseCatalog([]byte(doc))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	err = ValidateCatalog(catalog)
	if err == nil || !strings.Contains(err.Error(), "unknown entity customers") {
		t.Fatalf("expected unknown reference error, got %v", err)
	}
}
