package domain

import (
	"errors"
	"testing"
)

func TestDefaultCatalogDeclaresImportEntities(t *testing.T) {
	catalog, err := ParseCatalog(DefaultCatalogDocument())
	if err != nil {
		t.Fatalf("parse default catalog: %v", err)
	}

	customers, err := catalog.Entity("customers")
	if err != nil {
		t.Fatalf("customers entity: %v", err)
	}
	required := customers.RequiredFields()
	if len(required) != 2 || required[0] != "name" || required[1] != "customerType" {
		t.Fatalf("unexpected customer required fields: %v", required)
	}

	products, err := catalog.Entity("products")
	if err != nil {
		t.Fatalf("products entity: %v", err)
	}
	if products.BusinessKey != "hsCode" {
		t.Fatalf("expected products keyed by hsCode, got %q", products.BusinessKey)
	}

	interactions, err := catalog.Entity("interactions")
	if err != nil {
		t.Fatalf("interactions entity: %v", err)
	}
	refs := interactions.ReferenceFields()
	if len(refs) != 1 || refs[0].Reference != "customers" {
		t.Fatalf("expected customerName reference, got %+v", refs)
	}

	if _, err := catalog.Entity("suppliers"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestParseCatalogRejectsDuplicateKinds(t *testing.T) {
	doc := []byte(`entities:
  - kind: a
    fields: [{name: x, type: string}]
  - kind: a
    fields: [{name: y, type: string}]
`)
	if _, err := ParseCatalog(doc); err == nil {
		t.Fatalf("expected duplicate kind error")
	}
}

func TestColumnMappingChecks(t *testing.T) {
	catalog, err := ParseCatalog(DefaultCatalogDocument())
	if err != nil {
		t.Fatalf("parse default catalog: %v", err)
	}
	customers, _ := catalog.Entity("customers")
	headers := []string{"客户名称", "客户类型", "邮箱"}

	mapping := ColumnMapping{{SourceColumn: "客户名称", TargetField: "name"}}
	missing := mapping.MissingRequired(customers)
	if len(missing) != 1 || missing[0] != "customerType" {
		t.Fatalf("expected customerType missing, got %v", missing)
	}

	bad := []ColumnMapping{
		{{SourceColumn: "Unknown", TargetField: "name"}},
		{{SourceColumn: "客户名称", TargetField: "nickname"}},
		{{SourceColumn: "客户名称", TargetField: "name"}, {SourceColumn: "客户名称", TargetField: "notes"}},
		{{SourceColumn: "客户名称", TargetField: "name"}, {SourceColumn: "邮箱", TargetField: "name"}},
	}
	for i, m := range bad {
		if err := m.CheckStructure(headers, customers); !errors.Is(err, ErrInvalidMapping) {
			t.Errorf("case %d: expected ErrInvalidMapping, got %v", i, err)
		}
	}

	good := ColumnMapping{
		{SourceColumn: "客户名称", TargetField: "name"},
		{SourceColumn: "客户类型", TargetField: "customerType"},
	}
	if err := good.CheckStructure(headers, customers); err != nil {
		t.Fatalf("unexpected error for valid mapping: %v", err)
	}
}

func TestMissingFieldsErrorMatchesSentinel(t *testing.T) {
	err := error(&MissingFieldsError{Fields: []string{"name"}})
	if !errors.Is(err, ErrMappingIncomplete) {
		t.Fatalf("expected MissingFieldsError to match ErrMappingIncomplete")
	}
}
