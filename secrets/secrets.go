// Package secrets fetches source-API credentials by opaque reference.
// Values are returned as a key/value map and cached only for the lifetime
// of the chunk that fetched them.
package secrets

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"

	"github.com/tributary-data/tributary/fault"
)

// Provider resolves a secret reference into its key/value payload.
type Provider interface {
	Fetch(ctx context.Context, ref string) (map[string]string, error)
}

// ManagerProvider fetches secrets from AWS Secrets Manager. Secret payloads
// are JSON objects of string values.
type ManagerProvider struct {
	Client secretsmanageriface.SecretsManagerAPI
}

var _ Provider = (*ManagerProvider)(nil)

func (p *ManagerProvider) Fetch(ctx context.Context, ref string) (map[string]string, error) {
	out, err := p.Client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindConfigurationError, err, "fetching secret %s", ref)
	}
	var values map[string]string
	if err = json.Unmarshal([]byte(aws.StringValue(out.SecretString)), &values); err != nil {
		return nil, fault.Wrap(fault.KindConfigurationError, err, "parsing secret %s", ref)
	}
	return values, nil
}

// StaticProvider serves secrets from a fixed map, for tests.
type StaticProvider map[string]map[string]string

var _ Provider = StaticProvider(nil)

func (p StaticProvider) Fetch(_ context.Context, ref string) (map[string]string, error) {
	values, ok := p[ref]
	if !ok {
		return nil, fault.New(fault.KindConfigurationError, "unknown secret reference %s", ref)
	}
	return values, nil
}
