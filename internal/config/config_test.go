package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koustreak/schemagate/internal/core"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/filestore"
	"github.com/koustreak/schemagate/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SCHEMAGATE_DATABASE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendDirect, cfg.Backend.Mode)
	assert.Equal(t, database.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, []string{"pending_entry_items", "pending_entries"}, cfg.Schema.Tables)
	assert.Equal(t, 300*time.Second, cfg.Schema.CacheTTL)
	assert.Equal(t, 5000, cfg.Mutation.LockTimeoutMS)
	assert.Equal(t, core.RetryModeFallback, cfg.Mutation.Retry.Mode)
	assert.InDelta(t, 0.98, cfg.Matcher.ExactConfidence, 1e-9)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Overflow.Enabled)

	policy := cfg.Policy()
	assert.Equal(t, 5*time.Second, policy.LockTimeout)
	assert.Contains(t, policy.AllowedTypes, "text")
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "schemagate.yaml", `
log:
  level: debug
database:
  driver: postgres
  dsn: postgres://app@localhost:5432/warehouse
schema:
  tables: [pending_entry_items]
  cache_ttl: 2m
mutation:
  lock_timeout_ms: 1500
  retry:
    mode: retry
    max_attempts: 4
matcher:
  top_k: 3
overflow:
  enabled: true
  provider: memory
`)
	t.Setenv("SCHEMAGATE_MUTATION_LOCK_TIMEOUT_MS", "2500")
	t.Setenv("SCHEMAGATE_MUTATION_ALLOWED_TABLES", "pending_entry_items,pending_entries")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, database.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "public", cfg.Database.Schema, "unset keys keep their defaults")
	assert.Equal(t, []string{"pending_entry_items"}, cfg.Schema.Tables)
	assert.Equal(t, 2*time.Minute, cfg.Schema.CacheTTL)
	assert.Equal(t, 2500, cfg.Mutation.LockTimeoutMS, "env overrides file")
	assert.Equal(t, []string{"pending_entry_items", "pending_entries"}, cfg.Mutation.AllowedTables)
	assert.Equal(t, core.RetryModeRetry, cfg.Mutation.Retry.Mode)
	assert.Equal(t, 4, cfg.Mutation.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Matcher.TopK)
	assert.True(t, cfg.Overflow.Enabled)
	assert.Equal(t, filestore.ProviderMemory, cfg.Overflow.Provider)
	assert.Equal(t, "schemagate-overflow", cfg.Overflow.Bucket)

	svc := cfg.Service(nil)
	assert.Equal(t, cfg.Schema.Tables, svc.Tables)
	assert.Equal(t, 3, svc.Matcher.TopK)
}

func TestLoad_Gateway(t *testing.T) {
	t.Setenv("SCHEMAGATE_BACKEND_MODE", "gateway")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err), "gateway mode needs an endpoint")

	t.Setenv("SCHEMAGATE_GATEWAY_ENDPOINT", "https://abc.execute-api.eu-west-1.amazonaws.com/prod/rpc")
	t.Setenv("SCHEMAGATE_GATEWAY_REGION", "eu-west-1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Gateway.Region)
	assert.Equal(t, "execute-api", cfg.Gateway.Service)
	assert.Equal(t, "inventory", cfg.Gateway.ToolGroup)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.True(t, errs.IsInvalidInput(err))
	})
	t.Run("unknown backend mode", func(t *testing.T) {
		t.Setenv("SCHEMAGATE_BACKEND_MODE", "carrier-pigeon")
		_, err := Load("")
		assert.True(t, errs.IsInvalidInput(err))
	})
	t.Run("direct without dsn", func(t *testing.T) {
		_, err := Load("")
		assert.True(t, errs.IsInvalidInput(err))
	})
	t.Run("bad retry policy", func(t *testing.T) {
		t.Setenv("SCHEMAGATE_DATABASE_DRIVER", "memory")
		t.Setenv("SCHEMAGATE_MUTATION_RETRY_MODE", "sometimes")
		_, err := Load("")
		assert.True(t, errs.IsInvalidInput(err))
	})
	t.Run("overflow without endpoint", func(t *testing.T) {
		t.Setenv("SCHEMAGATE_DATABASE_DRIVER", "memory")
		t.Setenv("SCHEMAGATE_OVERFLOW_ENABLED", "true")
		_, err := Load("")
		assert.True(t, errs.IsInvalidInput(err))
	})
}

func TestBuiltinAliases(t *testing.T) {
	cfg := &Config{}
	aliases, err := cfg.BuiltinAliases()
	require.NoError(t, err)
	assert.Nil(t, aliases)

	cfg.Matcher.AliasesFile = writeFile(t, "aliases.yaml", "columns:\n  quantity: [Qtd]\n")
	aliases, err = cfg.BuiltinAliases()
	require.NoError(t, err)
	assert.Equal(t, []string{"quantity"}, aliases.Lookup(ident.Normalize("Qtd")))
}
