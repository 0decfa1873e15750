package config

import (
	"github.com/tributary-data/tributary/fault"
)

// SCDType selects the slowly-changing-dimension semantics of a canonical
// table.
type SCDType string

const (
	// SCDType1 is overwrite-in-place; history is not retained.
	SCDType1 SCDType = "type_1"
	// SCDType2 is versioned history; every change produces a new row.
	SCDType2 SCDType = "type_2"
)

// Coercion names a type coercion applied to a mapped field.
type Coercion string

const (
	CoerceString Coercion = "string"
	CoerceInt    Coercion = "int"
	CoerceFloat  Coercion = "float"
	CoerceBool   Coercion = "bool"
	CoerceTime   Coercion = "time"
)

// FieldRule renames one source field to its canonical name, optionally
// coercing its type.
type FieldRule struct {
	Source    string   `json:"source"`
	Canonical string   `json:"canonical"`
	Coerce    Coercion `json:"coerce,omitempty"`
}

// SourceRules are the per-source-system rules of one canonical mapping.
type SourceRules struct {
	// FieldMap is applied in order; later rules may overwrite earlier
	// canonical fields.
	FieldMap []FieldRule `json:"field_map"`
	// Constants are attached to every canonical record verbatim.
	Constants map[string]string `json:"constants,omitempty"`
}

// Mapping is the declarative document describing one canonical table. The
// transformer interprets mappings as data; there is no per-table code.
type Mapping struct {
	CanonicalTable string  `json:"canonical_table"`
	SCDType        SCDType `json:"scd_type"`
	// IDField is the canonical primary-key field, defaulted to "id".
	IDField string `json:"id_field,omitempty"`
	// VersionField is the canonical version column compared by the type-1
	// sink, defaulted to "last_updated".
	VersionField string                 `json:"version_field,omitempty"`
	Sources      map[string]SourceRules `json:"sources"`
}

// ID returns the primary-key field name, defaulted.
func (m *Mapping) ID() string {
	if m.IDField != "" {
		return m.IDField
	}
	return "id"
}

// Version returns the version column name, defaulted.
func (m *Mapping) Version() string {
	if m.VersionField != "" {
		return m.VersionField
	}
	return "last_updated"
}

// Rules returns the field rules for |service|, or a ConfigurationError if
// the mapping doesn't cover that source system.
func (m *Mapping) Rules(service string) (SourceRules, error) {
	rules, ok := m.Sources[service]
	if !ok {
		return SourceRules{}, fault.New(fault.KindConfigurationError,
			"mapping %s has no rules for source system %s", m.CanonicalTable, service)
	}
	return rules, nil
}

// Validate checks the mapping document.
func (m *Mapping) Validate() error {
	if m.CanonicalTable == "" {
		return fault.New(fault.KindConfigurationError, "mapping: canonical_table is required")
	}
	switch m.SCDType {
	case SCDType1, SCDType2:
	default:
		return fault.New(fault.KindConfigurationError,
			"mapping %s: scd_type must be type_1 or type_2, got %q", m.CanonicalTable, m.SCDType)
	}
	if len(m.Sources) == 0 {
		return fault.New(fault.KindConfigurationError,
			"mapping %s: at least one source system is required", m.CanonicalTable)
	}
	for svc, rules := range m.Sources {
		if len(rules.FieldMap) == 0 {
			return fault.New(fault.KindConfigurationError,
				"mapping %s source %s: field_map is empty", m.CanonicalTable, svc)
		}
		for _, r := range rules.FieldMap {
			if r.Source == "" || r.Canonical == "" {
				return fault.New(fault.KindConfigurationError,
					"mapping %s source %s: field rule requires source and canonical names",
					m.CanonicalTable, svc)
			}
			switch r.Coerce {
			case "", CoerceString, CoerceInt, CoerceFloat, CoerceBool, CoerceTime:
			default:
				return fault.New(fault.KindConfigurationError,
					"mapping %s source %s field %s: unknown coercion %q",
					m.CanonicalTable, svc, r.Source, r.Coerce)
			}
		}
	}
	return nil
}
