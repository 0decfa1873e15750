package main

import (
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/secretsmanager"

	"github.com/tributary-data/tributary/canonical"
	"github.com/tributary-data/tributary/config"
	"github.com/tributary-data/tributary/journal"
	"github.com/tributary-data/tributary/objstore"
	"github.com/tributary-data/tributary/pipeline"
	"github.com/tributary-data/tributary/secrets"
	"github.com/tributary-data/tributary/sink"
	"github.com/tributary-data/tributary/source"
)

// awsConfig is the shared AWS flag group.
type awsConfig struct {
	Region      string `long:"region" env:"REGION" default:"us-east-1" description:"AWS region"`
	Endpoint    string `long:"endpoint" env:"ENDPOINT" description:"AWS endpoint override, for local stacks"`
	Bucket      string `long:"bucket" env:"BUCKET" required:"true" description:"Bucket holding raw and canonical objects"`
	TablePrefix string `long:"table-prefix" env:"TABLE_PREFIX" description:"DynamoDB table name prefix"`
}

// clickhouseConfig is the shared analytics-store flag group.
type clickhouseConfig struct {
	Addr     string `long:"addr" env:"ADDR" default:"localhost:9000" description:"ClickHouse native protocol address"`
	Database string `long:"database" env:"DATABASE" default:"default" description:"ClickHouse database"`
	Username string `long:"username" env:"USERNAME" default:"default" description:"ClickHouse user"`
	Password string `long:"password" env:"PASSWORD" description:"ClickHouse password"`
}

// catalogConfig locates the declarative configuration documents.
type catalogConfig struct {
	ServiceDir    string `long:"service-dir" env:"SERVICE_DIR" required:"true" description:"Directory of service endpoint catalogs (*.json)"`
	TenantDir     string `long:"tenant-dir" env:"TENANT_DIR" description:"Directory of tenant documents (*.json); replaces the DynamoDB tenant registry when set"`
	MappingPrefix string `long:"mapping-prefix" env:"MAPPING_PREFIX" default:"mappings" description:"Object-store prefix of canonical mapping documents"`
}

// buildPipeline wires a Pipeline from real AWS and ClickHouse clients.
func buildPipeline(awsCfg awsConfig, chCfg clickhouseConfig, catCfg catalogConfig) (*pipeline.Pipeline, error) {
	var conf = aws.NewConfig().WithRegion(awsCfg.Region)
	if awsCfg.Endpoint != "" {
		conf = conf.WithEndpoint(awsCfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, fmt.Errorf("building AWS session: %w", err)
	}
	var db = dynamodb.New(sess)
	var tables = journal.DefaultDynamoTables(awsCfg.TablePrefix)
	var store = &objstore.S3Store{Client: s3.New(sess), Bucket: awsCfg.Bucket}

	ch, err := sink.OpenClickHouse(sink.ClickHouseOptions{
		Addr:     chCfg.Addr,
		Database: chCfg.Database,
		Username: chCfg.Username,
		Password: chCfg.Password,
	})
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(catCfg.ServiceDir)
	if err != nil {
		return nil, err
	}
	var tenants journal.Tenants = &journal.DynamoTenants{DB: db, Table: tables.Tenants}
	if catCfg.TenantDir != "" {
		if tenants, err = loadTenants(catCfg.TenantDir); err != nil {
			return nil, err
		}
	}

	return &pipeline.Pipeline{
		Settings:   pipeline.DefaultSettings(),
		Jobs:       &journal.DynamoJobs{DB: db, Table: tables.Jobs},
		Chunks:     &journal.DynamoChunks{DB: db, Table: tables.Chunks},
		Watermarks: &journal.DynamoWatermarks{DB: db, Table: tables.Watermarks},
		Tenants:    tenants,
		Store:      store,
		Secrets:    &secrets.ManagerProvider{Client: secretsmanager.New(sess)},
		Catalog:    catalog,
		Limiters:   source.NewLimiterRegistry(),
		Transformer: &canonical.Transformer{
			Store:    store,
			Mappings: &canonical.ObjectMappings{Store: store, Prefix: catCfg.MappingPrefix},
			Sink:     ch,
		},
	}, nil
}

// loadCatalog reads every service document of |dir|, keyed by service name.
func loadCatalog(dir string) (map[string]*config.ServiceConfig, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing service documents in %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no service documents found in %s", dir)
	}
	var catalog = make(map[string]*config.ServiceConfig, len(paths))
	for _, path := range paths {
		svc, err := config.LoadServiceFile(path)
		if err != nil {
			return nil, err
		}
		catalog[svc.Name] = svc
	}
	return catalog, nil
}

// loadTenants reads tenant documents from |dir| into an in-memory registry,
// for local stacks and environments without the DynamoDB tenant table.
func loadTenants(dir string) (journal.Tenants, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing tenant documents in %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no tenant documents found in %s", dir)
	}
	var registry = journal.NewMemoryJournal()
	for _, path := range paths {
		tenant, err := config.LoadTenantFile(path)
		if err != nil {
			return nil, err
		}
		var record = &journal.TenantRecord{
			TenantID: tenant.TenantID,
			Services: make(map[string]journal.TenantService, len(tenant.Services)),
		}
		for name, svc := range tenant.Services {
			record.Services[name] = journal.TenantService{
				Enabled:              svc.Enabled,
				CredentialsSecretRef: svc.CredentialsSecretRef,
				Extras:               svc.Extras,
			}
		}
		registry.PutTenant(record)
	}
	return registry.TenantsView(), nil
}
