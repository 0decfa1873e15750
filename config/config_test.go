package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/fault"
)

func validService() ServiceConfig {
	return ServiceConfig{
		Name:               "psa",
		BaseURL:            "https://api.example.com/v1",
		RateLimitPerMinute: 100,
		Endpoints: []EndpointConfig{
			{
				Path:             "/service/tickets",
				Enabled:          true,
				TableName:        "tickets",
				CanonicalTable:   "fct_tickets",
				Pagination:       Pagination{Strategy: PaginationPage, PageSizeDefault: 100, PageSizeMax: 1000},
				IncrementalField: "lastUpdated",
				OrderingField:    "id",
			},
			{
				Path:          "/system/members",
				Enabled:       true,
				TableName:     "members",
				Pagination:    Pagination{Strategy: PaginationOffset, PageSizeDefault: 50, PageSizeMax: 50},
				OrderingField: "id",
			},
		},
	}
}

func TestServiceValidate(t *testing.T) {
	var svc = validService()
	require.NoError(t, svc.Validate())

	svc = validService()
	svc.RateLimitPerMinute = 0
	require.True(t, fault.Is(svc.Validate(), fault.KindConfigurationError))

	// An enabled endpoint must name its table explicitly.
	svc = validService()
	svc.Endpoints[0].TableName = ""
	require.True(t, fault.Is(svc.Validate(), fault.KindConfigurationError))

	// A disabled endpoint may be incomplete.
	svc = validService()
	svc.Endpoints[0].TableName = ""
	svc.Endpoints[0].Enabled = false
	require.NoError(t, svc.Validate())

	svc = validService()
	svc.Endpoints[1].Pagination.Strategy = "cursor"
	require.True(t, fault.Is(svc.Validate(), fault.KindConfigurationError))

	svc = validService()
	svc.Endpoints[0].Pagination.PageSizeMax = 10
	require.True(t, fault.Is(svc.Validate(), fault.KindConfigurationError))
}

func TestServiceDefaults(t *testing.T) {
	var svc = ServiceConfig{}
	require.Equal(t, DefaultInitialLookbackDays, svc.Lookback())
	require.Equal(t, DefaultChunkDays, svc.ChunkWidthDays())

	svc.InitialLookbackDays = 90
	svc.ChunkDays = 7
	require.Equal(t, 90, svc.Lookback())
	require.Equal(t, 7, svc.ChunkWidthDays())
}

func TestEnabledEndpoints(t *testing.T) {
	var svc = validService()
	svc.Endpoints = append(svc.Endpoints, EndpointConfig{Path: "/x", Enabled: false, TableName: "x"})
	svc.Endpoints = append(svc.Endpoints, EndpointConfig{Path: "/y", Enabled: true}) // no table name

	var enabled = svc.EnabledEndpoints()
	require.Len(t, enabled, 2)
	require.Equal(t, "tickets", enabled[0].TableName)
	require.True(t, enabled[0].Incremental())
	require.False(t, enabled[1].Incremental())
}

func TestTenantValidate(t *testing.T) {
	var tenant = TenantConfig{
		TenantID: "acme",
		Services: map[string]TenantService{
			"psa":   {Enabled: true, CredentialsSecretRef: "acme/psa"},
			"other": {Enabled: false},
		},
	}
	require.NoError(t, tenant.Validate())
	require.Equal(t, []string{"psa"}, tenant.EnabledServices())

	tenant.Services["psa"] = TenantService{Enabled: true}
	require.True(t, fault.Is(tenant.Validate(), fault.KindConfigurationError))

	require.True(t, fault.Is((&TenantConfig{}).Validate(), fault.KindConfigurationError))
}

func TestMappingDefaultsAndRules(t *testing.T) {
	var m = Mapping{
		CanonicalTable: "dim_companies",
		SCDType:        SCDType2,
		Sources: map[string]SourceRules{
			"psa": {FieldMap: []FieldRule{{Source: "id", Canonical: "id"}}},
		},
	}
	require.NoError(t, m.Validate())
	require.Equal(t, "id", m.ID())
	require.Equal(t, "last_updated", m.Version())

	rules, err := m.Rules("psa")
	require.NoError(t, err)
	require.Len(t, rules.FieldMap, 1)

	_, err = m.Rules("unknown")
	require.True(t, fault.Is(err, fault.KindConfigurationError))
}

func TestMappingValidate(t *testing.T) {
	var m = Mapping{SCDType: SCDType1}
	require.True(t, fault.Is(m.Validate(), fault.KindConfigurationError))

	m.CanonicalTable = "t"
	m.SCDType = "type_3"
	require.True(t, fault.Is(m.Validate(), fault.KindConfigurationError))

	m.SCDType = SCDType1
	require.True(t, fault.Is(m.Validate(), fault.KindConfigurationError)) // no sources

	m.Sources = map[string]SourceRules{
		"psa": {FieldMap: []FieldRule{{Source: "a", Canonical: "b", Coerce: "decimal"}}},
	}
	require.True(t, fault.Is(m.Validate(), fault.KindConfigurationError)) // bad coercion

	m.Sources["psa"] = SourceRules{FieldMap: []FieldRule{{Source: "a", Canonical: "b", Coerce: CoerceInt}}}
	require.NoError(t, m.Validate())
}
