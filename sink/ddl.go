package sink

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tributary-data/tributary/config"
)

// Column is one column of a canonical analytics table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Comment  string
}

// TableDDL renders the CREATE TABLE statement of one canonical table.
// Engine: ReplacingMergeTree on the version column, so background merges
// collapse duplicate (tenant_id, id, version) rows and repeated loads of
// the same raw files converge to one row set. Partitioned by tenant and
// day; the sort key leads with tenant_id so tenant-filtered queries prune.
func TableDDL(mapping *config.Mapping) string {
	var columns = []Column{
		{Name: "tenant_id", Type: "String", Comment: "owning tenant; every query must filter on it"},
		{Name: "id", Type: "String", Comment: "canonical primary key"},
	}
	columns = append(columns, businessColumns(mapping)...)
	columns = append(columns,
		Column{Name: "source_system", Type: "String"},
		Column{Name: "source_table", Type: "String"},
		Column{Name: "ingestion_timestamp", Type: "DateTime64(3)"},
		Column{Name: "record_hash", Type: "String"},
		Column{Name: "partition_date", Type: "Date", Comment: "materialized from ingestion_timestamp at insert"},
	)

	var version string
	if mapping.SCDType == config.SCDType2 {
		version = "record_version"
		columns = append(columns,
			Column{Name: "record_version", Type: "UInt32"},
			Column{Name: "effective_start_date", Type: "DateTime64(3)"},
			Column{Name: "effective_end_date", Type: "DateTime64(3)", Nullable: true},
			Column{Name: "expiration_date", Type: "DateTime64(3)", Nullable: true},
			Column{Name: "is_current", Type: "UInt8"},
		)
	} else {
		version = mapping.Version()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(mapping.CanonicalTable))
	for i, column := range columns {
		var typ = column.Type
		if column.Nullable {
			typ = "Nullable(" + typ + ")"
		}
		fmt.Fprintf(&b, "    %-24s %s", quoteIdent(column.Name), typ)
		if column.Comment != "" {
			fmt.Fprintf(&b, " COMMENT '%s'", column.Comment)
		}
		if i != len(columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, ")\nENGINE = ReplacingMergeTree(%s)\n", quoteIdent(version))
	b.WriteString("PARTITION BY (tenant_id, toYYYYMM(partition_date))\n")
	fmt.Fprintf(&b, "ORDER BY (tenant_id, id, %s)\n", quoteIdent(version))
	b.WriteString("SETTINGS index_granularity = 8192;")
	return b.String()
}

// businessColumns derives the business column set of a mapping from the
// union of its per-source field rules and constants. Column types follow
// the declared coercion; unconverted fields are strings.
func businessColumns(mapping *config.Mapping) []Column {
	var types = make(map[string]string)
	var names []string
	for _, rules := range mapping.Sources {
		for _, rule := range rules.FieldMap {
			if rule.Canonical == mapping.ID() {
				continue // id is declared explicitly above
			}
			var typ = chType(rule.Coerce)
			prior, ok := types[rule.Canonical]
			if !ok {
				names = append(names, rule.Canonical)
				types[rule.Canonical] = typ
			} else if prior != typ {
				types[rule.Canonical] = "String"
			}
		}
		for name := range rules.Constants {
			if _, ok := types[name]; !ok {
				names = append(names, name)
				types[name] = "String"
			}
		}
	}
	sort.Strings(names)

	var out = make([]Column, len(names))
	for i, name := range names {
		out[i] = Column{Name: name, Type: types[name], Nullable: true}
	}
	return out
}

func chType(coerce config.Coercion) string {
	switch coerce {
	case config.CoerceInt:
		return "Int64"
	case config.CoerceFloat:
		return "Float64"
	case config.CoerceBool:
		return "UInt8"
	case config.CoerceTime:
		return "DateTime64(3)"
	default:
		return "String"
	}
}
