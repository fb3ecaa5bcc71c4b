package domain

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// FieldType describes how a cell value is interpreted for a target field.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeInteger FieldType = "integer"
	FieldTypeDecimal FieldType = "decimal"
	FieldTypeDate    FieldType = "date"
	FieldTypeEnum    FieldType = "enum"
	FieldTypeEmail   FieldType = "email"
	FieldTypePhone   FieldType = "phone"
	// FieldTypeCode is a fixed-digit code; separators are stripped before the
	// pattern is applied.
	FieldTypeCode FieldType = "code"
)

// EnumOption is one accepted value of an enum field. Labels are the
// spreadsheet spellings accepted in addition to the code itself.
type EnumOption struct {
	Code   string   `yaml:"code" json:"code"`
	Labels []string `yaml:"labels" json:"labels,omitempty"`
}

// FieldSpec declares a canonical target field and its rules.
type FieldSpec struct {
	Name      string       `yaml:"name" json:"name"`
	Type      FieldType    `yaml:"type" json:"type"`
	Required  bool         `yaml:"required" json:"required"`
	Synonyms  []string     `yaml:"synonyms" json:"synonyms,omitempty"`
	MaxLength int          `yaml:"maxLength" json:"maxLength,omitempty"`
	Min       *float64     `yaml:"min" json:"min,omitempty"`
	Max       *float64     `yaml:"max" json:"max,omitempty"`
	Pattern   string       `yaml:"pattern" json:"pattern,omitempty"`
	Options   []EnumOption `yaml:"options" json:"options,omitempty"`
	// Reference names the entity kind whose business key this value must match.
	Reference string `yaml:"reference" json:"reference,omitempty"`
}

// EntitySpec is the rule table for one importable entity kind.
type EntitySpec struct {
	Kind        string      `yaml:"kind" json:"kind"`
	Label       string      `yaml:"label" json:"label"`
	BusinessKey string      `yaml:"businessKey" json:"businessKey,omitempty"`
	Fields      []FieldSpec `yaml:"fields" json:"fields"`
}

// Field looks up a field by canonical name.
func (e EntitySpec) Field(name string) (FieldSpec, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields returns required field names in declaration order.
func (e EntitySpec) RequiredFields() []string {
	var out []string
	for _, f := range e.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// ReferenceFields returns the fields that must resolve to another entity.
func (e EntitySpec) ReferenceFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range e.Fields {
		if f.Reference != "" {
			out = append(out, f)
		}
	}
	return out
}

// Catalog holds the rule tables of every importable entity kind.
type Catalog struct {
	entities map[string]EntitySpec
	order    []string
}

type catalogDocument struct {
	Entities []EntitySpec `yaml:"entities"`
}

// ParseCatalog decodes a YAML catalog document. Structural checks beyond
// decoding live in the schema validator.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode entity catalog: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, fmt.Errorf("entity catalog declares no entities")
	}

	catalog := &Catalog{entities: make(map[string]EntitySpec, len(doc.Entities))}
	for _, entity := range doc.Entities {
		kind := strings.TrimSpace(entity.Kind)
		if kind == "" {
			return nil, fmt.Errorf("entity catalog contains an entity without kind")
		}
		if _, exists := catalog.entities[kind]; exists {
			return nil, fmt.Errorf("entity kind %s declared twice", kind)
		}
		entity.Kind = kind
		catalog.entities[kind] = entity
		catalog.order = append(catalog.order, kind)
	}
	return catalog, nil
}

// DefaultCatalogDocument returns the built-in catalog YAML.
func DefaultCatalogDocument() []byte {
	out := make([]byte, len(defaultCatalog))
	copy(out, defaultCatalog)
	return out
}

// Entity returns the rule table for kind.
func (c *Catalog) Entity(kind string) (EntitySpec, error) {
	entity, ok := c.entities[strings.TrimSpace(kind)]
	if !ok {
		return EntitySpec{}, fmt.Errorf("%w: %s", ErrUnknownEntity, kind)
	}
	return entity, nil
}

// Entities returns every entity in declaration order.
func (c *Catalog) Entities() []EntitySpec {
	out := make([]EntitySpec, 0, len(c.order))
	for _, kind := range c.order {
		out = append(out, c.entities[kind])
	}
	return out
}

// Kinds returns the declared kinds sorted alphabetically.
func (c *Catalog) Kinds() []string {
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}
