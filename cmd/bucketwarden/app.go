package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/wakimworks/bucketwarden/broker"
	"github.com/wakimworks/bucketwarden/config"
	"github.com/wakimworks/bucketwarden/policy"
	"github.com/wakimworks/bucketwarden/remediation"
	"github.com/wakimworks/bucketwarden/router"
	"github.com/wakimworks/bucketwarden/storage"
	"github.com/wakimworks/bucketwarden/wal"
)

// app wires the engine together once per invocation
type app struct {
	cfg     *config.Config
	awsCfg  aws.Config
	broker  *broker.Broker
	store   *storage.OutcomeStore
	journal *wal.WAL
	walDir  string
	router  *router.Router
}

// newApp loads configuration and builds the full engine
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	storageDir := cfg.Storage
	if storageDir == "" {
		storageDir = "./data"
	}
	if err := os.MkdirAll(storageDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	store, err := storage.NewOutcomeStore(storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome store: %w", err)
	}

	walDir := filepath.Join(storageDir, "wal")
	journal, err := wal.Open(walDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	trust := make(map[string]string, len(cfg.Accounts))
	for accountID, account := range cfg.Accounts {
		trust[accountID] = account.ExternalID
	}
	b := broker.New(sts.NewFromConfig(awsCfg), cfg.RoleName, trust)

	registry := remediation.NewRegistry(remediation.RegistryOptions{
		Region:    cfg.Region,
		KMSKeyARN: cfg.KMSKeyARN,
	})

	opts := []router.Option{}
	if cfg.DynamoTable != "" {
		mirror := storage.NewDynamoMirror(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		opts = append(opts, router.WithMirror(mirror))
	}
	if cfg.PolicyFile != "" {
		guard, err := policy.NewGuardFromFile(ctx, cfg.PolicyFile)
		if err != nil {
			_ = store.Close()
			_ = journal.Close()
			return nil, err
		}
		opts = append(opts, router.WithGuard(guard))
	}

	r := router.New(cfg, b, registry, clientFactory(awsCfg), store, journal, opts...)

	return &app{
		cfg:     cfg,
		awsCfg:  awsCfg,
		broker:  b,
		store:   store,
		journal: journal,
		walDir:  walDir,
		router:  r,
	}, nil
}

// clientFactory builds target-account clients from one brokered
// credential. Each attempt gets its own clients; nothing is shared.
func clientFactory(base aws.Config) router.ClientFactory {
	return func(cred *broker.ScopedCredential, region string) remediation.Clients {
		cfg := base.Copy()
		cfg.Credentials = cred.Provider()
		if region != "" {
			cfg.Region = region
		}
		return remediation.Clients{
			S3:  s3.NewFromConfig(cfg),
			KMS: kms.NewFromConfig(cfg),
		}
	}
}

// scopedS3 builds an S3 client for the scanner in one target account
func (a *app) scopedS3(ctx context.Context, accountID string) (*s3.Client, error) {
	externalID, ok := a.cfg.ExternalIDFor(accountID)
	if !ok {
		return nil, fmt.Errorf("account %s has no trust configured", accountID)
	}
	cred, err := a.broker.Acquire(ctx, accountID, externalID)
	if err != nil {
		return nil, err
	}
	cfg := a.awsCfg.Copy()
	cfg.Credentials = cred.Provider()
	return s3.NewFromConfig(cfg), nil
}

func (a *app) Close() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
