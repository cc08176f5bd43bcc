package main

import (
	"context"
	"os"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/engine"
	"github.com/sells-group/crm-intake/internal/export"
	"github.com/sells-group/crm-intake/internal/merge"
	"github.com/sells-group/crm-intake/internal/resilience"
	"github.com/sells-group/crm-intake/internal/resolve"
	"github.com/sells-group/crm-intake/internal/store"
	"github.com/sells-group/crm-intake/internal/workflow"
	sfpkg "github.com/sells-group/crm-intake/pkg/salesforce"
)

func initStore(ctx context.Context) (store.EntityStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "crm-intake.db"
		}
		st, err := store.NewSQLite(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (CRMINTAKE_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := gosf.Init(gosf.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf, sfpkg.WithRateLimit(cfg.Salesforce.RatePerSec)), nil
}

// initExporter builds the Salesforce exporter when the sink is enabled.
// Returns nil when disabled; callers fall back to log-only sinks.
func initExporter() (*export.Exporter, error) {
	if !cfg.Salesforce.Enabled {
		return nil, nil
	}

	sfClient, err := initSalesforce()
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	return export.New(sfClient,
		export.WithRetry(resilience.FromConfig(cfg.Retry)),
		export.WithBreaker(breaker),
	), nil
}

// initCanonicalRules installs file-based canonicalization rules when a
// path is configured. The built-in defaults stay active otherwise.
func initCanonicalRules() error {
	if cfg.Canonical.RulesPath == "" {
		return nil
	}
	rules, err := canonical.LoadRules(cfg.Canonical.RulesPath)
	if err != nil {
		return eris.Wrap(err, "load canonical rules")
	}
	canonical.ReplaceRules(rules)
	return nil
}

func resolverFromConfig() *resolve.Resolver {
	return resolve.New(resolve.Config{
		Weights: resolve.Weights{
			Email:   cfg.Resolve.EmailWeight,
			Name:    cfg.Resolve.NameWeight,
			Phone:   cfg.Resolve.PhoneWeight,
			Company: cfg.Resolve.CompanyWeight,
		},
		SameThreshold:      cfg.Resolve.SameThreshold,
		DuplicateThreshold: cfg.Resolve.DuplicateThreshold,
	})
}

func mergerFromConfig() (*merge.Engine, error) {
	if cfg.Merge.PolicyPath == "" {
		return merge.NewEngine(merge.DefaultPolicy()), nil
	}
	policy, err := merge.LoadPolicy(cfg.Merge.PolicyPath)
	if err != nil {
		return nil, eris.Wrap(err, "load merge policy")
	}
	return merge.NewEngine(policy), nil
}

func machineFromConfig() (*workflow.Machine, error) {
	if cfg.Workflow.ConfigPath == "" {
		return workflow.New(nil), nil
	}
	wfCfg, err := workflow.LoadConfig(cfg.Workflow.ConfigPath)
	if err != nil {
		return nil, eris.Wrap(err, "load workflow config")
	}
	return workflow.New(wfCfg), nil
}

// initEngine builds the intake engine and, when the Salesforce sink is
// enabled, the exporter wired in as its suppression sink. A nil dlq
// leaves failures logged-only.
func initEngine(st store.EntityStore, dlq resilience.DeadLetterSink) (*engine.Engine, *export.Exporter, error) {
	merger, err := mergerFromConfig()
	if err != nil {
		return nil, nil, err
	}
	machine, err := machineFromConfig()
	if err != nil {
		return nil, nil, err
	}

	opts := engine.Options{
		Resolver:    resolverFromConfig(),
		Merger:      merger,
		Machine:     machine,
		DeadLetters: dlq,
		MaxWorkers:  cfg.Intake.MaxWorkers,
	}

	exporter, err := initExporter()
	if err != nil {
		return nil, nil, err
	}
	if exporter != nil {
		opts.Suppressions = exporter
	}

	return engine.New(st, opts), exporter, nil
}
