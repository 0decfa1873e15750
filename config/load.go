package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ObjectReader is the narrow object-store surface the loaders need.
// objstore.Store satisfies it.
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// LoadServiceFile reads and validates a ServiceConfig JSON document.
func LoadServiceFile(path string) (*ServiceConfig, error) {
	var svc ServiceConfig
	if err := readJSONFile(path, &svc); err != nil {
		return nil, err
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return &svc, nil
}

// LoadTenantFile reads and validates a TenantConfig JSON document.
func LoadTenantFile(path string) (*TenantConfig, error) {
	var tenant TenantConfig
	if err := readJSONFile(path, &tenant); err != nil {
		return nil, err
	}
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return &tenant, nil
}

// LoadMappingFile reads and validates a Mapping JSON document.
func LoadMappingFile(path string) (*Mapping, error) {
	var m Mapping
	if err := readJSONFile(path, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadMappingObject reads and validates a Mapping document stored in the
// object store. Mappings live as data under a well-known prefix, so that
// adding a canonical table is a document change and not a deploy.
func LoadMappingObject(ctx context.Context, r ObjectReader, key string) (*Mapping, error) {
	var bytes, err = r.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading mapping object %s: %w", key, err)
	}
	var m Mapping
	if err = json.Unmarshal(bytes, &m); err != nil {
		return nil, fmt.Errorf("parsing mapping object %s: %w", key, err)
	}
	if err = m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func readJSONFile(path string, target interface{}) error {
	var bytes, err = os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err = json.Unmarshal(bytes, target); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
