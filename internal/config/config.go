package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Canonical  CanonicalConfig  `yaml:"canonical" mapstructure:"canonical"`
	Resolve    ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Merge      MergeConfig      `yaml:"merge" mapstructure:"merge"`
	Workflow   WorkflowConfig   `yaml:"workflow" mapstructure:"workflow"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the entity store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", or "postgres".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IntakeConfig configures batch processing.
type IntakeConfig struct {
	MaxWorkers int `yaml:"max_workers" mapstructure:"max_workers"`
}

// CanonicalConfig points at the canonicalization rules file. An empty
// path means the built-in defaults.
type CanonicalConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// ResolveConfig configures identity resolution weights and thresholds.
type ResolveConfig struct {
	EmailWeight        float64 `yaml:"email_weight" mapstructure:"email_weight"`
	NameWeight         float64 `yaml:"name_weight" mapstructure:"name_weight"`
	PhoneWeight        float64 `yaml:"phone_weight" mapstructure:"phone_weight"`
	CompanyWeight      float64 `yaml:"company_weight" mapstructure:"company_weight"`
	SameThreshold      float64 `yaml:"same_threshold" mapstructure:"same_threshold"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold" mapstructure:"duplicate_threshold"`
}

// MergeConfig points at the merge policy file. An empty path means the
// built-in default policy.
type MergeConfig struct {
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path"`
}

// WorkflowConfig points at the workflow configuration file. An empty path
// means the built-in defaults.
type WorkflowConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// SalesforceConfig holds Salesforce JWT auth settings for the CRM sink.
type SalesforceConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	ClientID   string  `yaml:"client_id" mapstructure:"client_id"`
	Username   string  `yaml:"username" mapstructure:"username"`
	KeyPath    string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string  `yaml:"login_url" mapstructure:"login_url"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// RetryConfig configures retry behavior on the outward CRM edge.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// MonitoringConfig configures the alert checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RejectRateThreshold  float64 `yaml:"reject_rate_threshold" mapstructure:"reject_rate_threshold"`
	FlaggedBacklogMax    int     `yaml:"flagged_backlog_max" mapstructure:"flagged_backlog_max"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRMINTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "crm-intake.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("intake.max_workers", 4)
	v.SetDefault("resolve.email_weight", 0.4)
	v.SetDefault("resolve.name_weight", 0.3)
	v.SetDefault("resolve.phone_weight", 0.2)
	v.SetDefault("resolve.company_weight", 0.1)
	v.SetDefault("resolve.same_threshold", 0.95)
	v.SetDefault("resolve.duplicate_threshold", 0.80)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_per_sec", 5.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_secs", 30)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.reject_rate_threshold", 0.3)
	v.SetDefault("monitoring.flagged_backlog_max", 100)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode. Modes
// share the resolver and intake checks; store and Salesforce requirements
// depend on what the command touches.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "ingest", "resolve", "promote", "migrate", "status":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be one of memory, sqlite, postgres")
	}

	if c.Intake.MaxWorkers < 1 || c.Intake.MaxWorkers > 64 {
		problems = append(problems, "intake.max_workers must be between 1 and 64")
	}

	if c.Resolve.SameThreshold <= 0 || c.Resolve.SameThreshold > 1 {
		problems = append(problems, "resolve.same_threshold must be in (0, 1]")
	}
	if c.Resolve.DuplicateThreshold <= 0 || c.Resolve.DuplicateThreshold >= c.Resolve.SameThreshold {
		problems = append(problems, "resolve.duplicate_threshold must be positive and below same_threshold")
	}
	for _, w := range []float64{c.Resolve.EmailWeight, c.Resolve.NameWeight, c.Resolve.PhoneWeight, c.Resolve.CompanyWeight} {
		if w < 0 {
			problems = append(problems, "resolve weights must be >= 0")
			break
		}
	}

	if c.Salesforce.Enabled {
		if c.Salesforce.ClientID == "" {
			problems = append(problems, "salesforce.client_id is required when salesforce is enabled")
		}
		if c.Salesforce.Username == "" {
			problems = append(problems, "salesforce.username is required when salesforce is enabled")
		}
		if c.Salesforce.KeyPath == "" {
			problems = append(problems, "salesforce.key_path is required when salesforce is enabled")
		}
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
