package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "crm-intake.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Intake.MaxWorkers)
	assert.InDelta(t, 0.4, cfg.Resolve.EmailWeight, 0.001)
	assert.InDelta(t, 0.3, cfg.Resolve.NameWeight, 0.001)
	assert.InDelta(t, 0.2, cfg.Resolve.PhoneWeight, 0.001)
	assert.InDelta(t, 0.1, cfg.Resolve.CompanyWeight, 0.001)
	assert.InDelta(t, 0.95, cfg.Resolve.SameThreshold, 0.001)
	assert.InDelta(t, 0.80, cfg.Resolve.DuplicateThreshold, 0.001)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.InDelta(t, 5.0, cfg.Salesforce.RatePerSec, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMS)
	assert.InDelta(t, 0.2, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/intake
log:
  level: debug
  format: console
intake:
  max_workers: 8
resolve:
  same_threshold: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/intake", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Intake.MaxWorkers)
	assert.InDelta(t, 0.9, cfg.Resolve.SameThreshold, 0.001)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.80, cfg.Resolve.DuplicateThreshold, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CRMINTAKE_STORE_DRIVER", "postgres")
	t.Setenv("CRMINTAKE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("CRMINTAKE_INTAKE_MAX_WORKERS", "16")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Intake.MaxWorkers)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "crm-intake.db"
	cfg.Intake.MaxWorkers = 4
	cfg.Resolve.SameThreshold = 0.95
	cfg.Resolve.DuplicateThreshold = 0.80
	return cfg
}

func TestValidate_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_PostgresRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/intake"
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "dynamo"

	err := cfg.Validate("status")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of")
}

func TestValidate_WorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Intake.MaxWorkers = 0
	err := cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers must be between 1 and 64")

	cfg.Intake.MaxWorkers = 65
	err = cfg.Validate("ingest")
	assert.Error(t, err)

	cfg.Intake.MaxWorkers = 64
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Resolve.SameThreshold = 1.1
	err := cfg.Validate("resolve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "same_threshold")

	cfg.Resolve.SameThreshold = 0.95
	cfg.Resolve.DuplicateThreshold = 0.96
	err = cfg.Validate("resolve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate_threshold")

	cfg.Resolve.DuplicateThreshold = 0.80
	assert.NoError(t, cfg.Validate("resolve"))
}

func TestValidate_NegativeWeight(t *testing.T) {
	cfg := validDefaults()
	cfg.Resolve.PhoneWeight = -0.2

	err := cfg.Validate("resolve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "weights must be >= 0")
}

func TestValidate_SalesforceEnabled(t *testing.T) {
	cfg := validDefaults()
	cfg.Salesforce.Enabled = true

	err := cfg.Validate("promote")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce.client_id is required")
	assert.Contains(t, err.Error(), "salesforce.username is required")
	assert.Contains(t, err.Error(), "salesforce.key_path is required")

	cfg.Salesforce.ClientID = "client-id"
	cfg.Salesforce.Username = "svc@sellsgroup.com"
	cfg.Salesforce.KeyPath = "server.key"
	assert.NoError(t, cfg.Validate("promote"))
}
