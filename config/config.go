// Package config holds the declarative configuration consumed by the
// pipeline: service endpoint catalogs, per-tenant service enablement, and
// canonical table mappings. Documents are JSON, validated at load time, and
// read-only from the pipeline's perspective.
package config

import (
	"github.com/tributary-data/tributary/fault"
)

// PaginationStrategy selects how a source endpoint is paged through.
type PaginationStrategy string

const (
	// PaginationPage is 1-based page-number pagination.
	PaginationPage PaginationStrategy = "page"
	// PaginationOffset is row-offset pagination.
	PaginationOffset PaginationStrategy = "offset"
)

// Pagination is the paging configuration of one endpoint.
type Pagination struct {
	Strategy        PaginationStrategy `json:"strategy"`
	PageSizeDefault int                `json:"page_size_default"`
	PageSizeMax     int                `json:"page_size_max"`
}

// EndpointConfig describes one resource of a service, producing one table.
// TableName is always explicit; it is never derived from Path.
type EndpointConfig struct {
	Path           string     `json:"path"`
	Enabled        bool       `json:"enabled"`
	TableName      string     `json:"table_name"`
	CanonicalTable string     `json:"canonical_table"`
	Pagination     Pagination `json:"pagination"`
	// IncrementalField is the source timestamp used for incremental sync.
	// Absent means master data, synced in full every run.
	IncrementalField string `json:"incremental_field,omitempty"`
	// OrderingField stably sorts the paginated sequence.
	OrderingField string `json:"ordering_field"`
}

// Incremental reports whether this endpoint syncs incrementally.
func (e *EndpointConfig) Incremental() bool { return e.IncrementalField != "" }

// ServiceConfig is the catalog of endpoints for one external service.
type ServiceConfig struct {
	Name               string           `json:"name"`
	BaseURL            string           `json:"base_url"`
	Endpoints          []EndpointConfig `json:"endpoints"`
	RateLimitPerMinute int              `json:"rate_limit_per_minute"`
	// InitialLookbackDays bounds the first sync of an incremental table.
	InitialLookbackDays int `json:"initial_lookback_days"`
	// ChunkDays is the width of date-range chunks under backfill or full sync.
	ChunkDays int `json:"chunk_days"`
}

const (
	// DefaultInitialLookbackDays is two years of history on first sync.
	DefaultInitialLookbackDays = 730
	// DefaultChunkDays is the default width of a backfill date chunk.
	DefaultChunkDays = 30
)

// Lookback returns the configured initial lookback, defaulted.
func (s *ServiceConfig) Lookback() int {
	if s.InitialLookbackDays > 0 {
		return s.InitialLookbackDays
	}
	return DefaultInitialLookbackDays
}

// ChunkWidthDays returns the configured chunk width, defaulted.
func (s *ServiceConfig) ChunkWidthDays() int {
	if s.ChunkDays > 0 {
		return s.ChunkDays
	}
	return DefaultChunkDays
}

// EnabledEndpoints retains only endpoints which are enabled and carry an
// explicit table name.
func (s *ServiceConfig) EnabledEndpoints() []EndpointConfig {
	var out []EndpointConfig
	for _, ep := range s.Endpoints {
		if ep.Enabled && ep.TableName != "" {
			out = append(out, ep)
		}
	}
	return out
}

// Validate returns a ConfigurationError describing the first violation.
func (s *ServiceConfig) Validate() error {
	if s.Name == "" {
		return fault.New(fault.KindConfigurationError, "service name is required")
	}
	if s.RateLimitPerMinute <= 0 {
		return fault.New(fault.KindConfigurationError,
			"service %s: rate_limit_per_minute must be positive", s.Name)
	}
	for i := range s.Endpoints {
		var ep = &s.Endpoints[i]
		if !ep.Enabled {
			continue
		}
		if ep.TableName == "" {
			return fault.New(fault.KindConfigurationError,
				"service %s endpoint %s: enabled endpoint requires explicit table_name", s.Name, ep.Path)
		}
		if ep.OrderingField == "" {
			return fault.New(fault.KindConfigurationError,
				"service %s table %s: ordering_field is required", s.Name, ep.TableName)
		}
		switch ep.Pagination.Strategy {
		case PaginationPage, PaginationOffset:
		default:
			return fault.New(fault.KindConfigurationError,
				"service %s table %s: unknown pagination strategy %q",
				s.Name, ep.TableName, ep.Pagination.Strategy)
		}
		if ep.Pagination.PageSizeDefault <= 0 || ep.Pagination.PageSizeMax < ep.Pagination.PageSizeDefault {
			return fault.New(fault.KindConfigurationError,
				"service %s table %s: invalid page sizes (default %d, max %d)",
				s.Name, ep.TableName, ep.Pagination.PageSizeDefault, ep.Pagination.PageSizeMax)
		}
	}
	return nil
}

// TenantService is one service enabled (or not) on a tenant, plus its
// credential reference and narrow per-tenant overrides.
type TenantService struct {
	Enabled              bool   `json:"enabled"`
	CredentialsSecretRef string `json:"credentials_secret_ref"`
	// Extras carries per-tenant overrides. Recognized keys:
	// "page_size", "rate_limit_per_minute". Unknown keys are ignored.
	Extras map[string]string `json:"extras,omitempty"`
}

// TenantConfig is the full configuration of one tenant.
type TenantConfig struct {
	TenantID string                   `json:"tenant_id"`
	Services map[string]TenantService `json:"services"`
}

// EnabledServices returns the names of services enabled on this tenant.
func (t *TenantConfig) EnabledServices() []string {
	var out []string
	for name, svc := range t.Services {
		if svc.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Validate checks the tenant document.
func (t *TenantConfig) Validate() error {
	if t.TenantID == "" {
		return fault.New(fault.KindConfigurationError, "tenant_id is required")
	}
	for name, svc := range t.Services {
		if svc.Enabled && svc.CredentialsSecretRef == "" {
			return fault.New(fault.KindConfigurationError,
				"tenant %s service %s: enabled service requires credentials_secret_ref",
				t.TenantID, name)
		}
	}
	return nil
}
