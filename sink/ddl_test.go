package sink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/config"
)

func ddlMapping(scd config.SCDType) *config.Mapping {
	return &config.Mapping{
		CanonicalTable: "dim_companies",
		SCDType:        scd,
		Sources: map[string]config.SourceRules{
			"psa": {
				FieldMap: []config.FieldRule{
					{Source: "id", Canonical: "id"},
					{Source: "name", Canonical: "company_name"},
					{Source: "annualRevenue", Canonical: "annual_revenue", Coerce: config.CoerceFloat},
					{Source: "lastUpdated", Canonical: "last_updated", Coerce: config.CoerceTime},
				},
				Constants: map[string]string{"region": "us"},
			},
		},
	}
}

func TestTableDDLType2(t *testing.T) {
	var ddl = TableDDL(ddlMapping(config.SCDType2))

	require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS `dim_companies`")
	require.Contains(t, ddl, "ENGINE = ReplacingMergeTree(`record_version`)")
	require.Contains(t, ddl, "ORDER BY (tenant_id, id, `record_version`)")
	require.Contains(t, ddl, "PARTITION BY (tenant_id, toYYYYMM(partition_date))")

	// Business columns, typed per coercion, nullable.
	require.Contains(t, ddl, "`annual_revenue`")
	require.Contains(t, ddl, "Nullable(Float64)")
	require.Contains(t, ddl, "`last_updated`")
	require.Contains(t, ddl, "Nullable(DateTime64(3))")
	require.Contains(t, ddl, "`company_name`")
	require.Contains(t, ddl, "`region`")

	// Type-2 versioning columns.
	require.Contains(t, ddl, "`record_version`")
	require.Contains(t, ddl, "`effective_start_date`")
	require.Contains(t, ddl, "`is_current`")
}

func TestTableDDLType1(t *testing.T) {
	var ddl = TableDDL(ddlMapping(config.SCDType1))

	require.Contains(t, ddl, "ENGINE = ReplacingMergeTree(`last_updated`)")
	require.Contains(t, ddl, "ORDER BY (tenant_id, id, `last_updated`)")
	require.NotContains(t, ddl, "record_version")
	require.NotContains(t, ddl, "effective_start_date")
}
