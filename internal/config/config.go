// Package config loads schemagate settings from an optional YAML file, a
// .env file, and SCHEMAGATE_* environment variables, in increasing order of
// precedence.
//
// Environment keys are the config keys upper-cased with dots replaced by
// underscores: mutation.lock_timeout_ms becomes SCHEMAGATE_MUTATION_LOCK_TIMEOUT_MS.
// List values are comma separated.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/koustreak/schemagate/internal/core"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/filestore"
	"github.com/koustreak/schemagate/internal/gateway"
	"github.com/koustreak/schemagate/internal/logger"
	"github.com/koustreak/schemagate/internal/match"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/server"
	"github.com/koustreak/schemagate/internal/validate"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCHEMAGATE"

// Backend modes.
const (
	BackendDirect  = "direct"
	BackendGateway = "gateway"
)

// Config is the complete schemagate configuration.
type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	Backend   BackendConfig    `mapstructure:"backend"`
	Database  database.Config  `mapstructure:"database"`
	Schema    SchemaConfig     `mapstructure:"schema"`
	Mutation  MutationConfig   `mapstructure:"mutation"`
	Matcher   MatcherConfig    `mapstructure:"matcher"`
	Validator validate.Options `mapstructure:"validator"`
	Gateway   gateway.Config   `mapstructure:"gateway"`
	Server    server.Config    `mapstructure:"server"`
	Overflow  OverflowConfig   `mapstructure:"overflow"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BackendConfig struct {
	Mode string `mapstructure:"mode"` // direct or gateway
}

type SchemaConfig struct {
	Tables   []string      `mapstructure:"tables"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type MutationConfig struct {
	AllowedTables   []string         `mapstructure:"allowed_tables"`
	AllowedTypes    []string         `mapstructure:"allowed_types"`
	DefaultType     string           `mapstructure:"default_type"`
	LockTimeoutMS   int              `mapstructure:"lock_timeout_ms"`
	MaxSampleValues int              `mapstructure:"max_sample_values"`
	Retry           core.RetryPolicy `mapstructure:"retry"`
}

type MatcherConfig struct {
	match.Options `mapstructure:",squash"`
	AliasesFile   string `mapstructure:"aliases_file"`
}

type OverflowConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	filestore.Config `mapstructure:",squash"`
}

// Load reads configuration. path may be empty, in which case
// ./schemagate.yaml is used when present. A .env file in the working
// directory is loaded first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to read .env", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to read config file "+path, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("schemagate")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to read schemagate.yaml", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := mutate.DefaultPolicy()
	db := database.DefaultConfig("")
	mo := match.DefaultOptions()
	vo := validate.DefaultOptions()
	retry := core.DefaultRetryPolicy()
	gw := gateway.DefaultConfig("")
	srv := server.DefaultConfig()
	store := filestore.DefaultConfig("", "", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("backend.mode", BackendDirect)

	v.SetDefault("database.driver", string(db.Driver))
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.schema", db.Schema)
	v.SetDefault("database.max_conns", db.MaxConns)
	v.SetDefault("database.min_conns", db.MinConns)
	v.SetDefault("database.max_conn_lifetime", db.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", db.MaxConnIdleTime)
	v.SetDefault("database.connect_timeout", db.ConnectTimeout)
	v.SetDefault("database.query_timeout", db.QueryTimeout)
	v.SetDefault("database.fetch_concurrency", db.FetchConcurrency)

	v.SetDefault("schema.tables", policy.AllowedTables)
	v.SetDefault("schema.cache_ttl", 300*time.Second)

	v.SetDefault("mutation.allowed_tables", policy.AllowedTables)
	v.SetDefault("mutation.allowed_types", policy.AllowedTypes)
	v.SetDefault("mutation.default_type", policy.DefaultType)
	v.SetDefault("mutation.lock_timeout_ms", int(policy.LockTimeout/time.Millisecond))
	v.SetDefault("mutation.max_sample_values", policy.MaxSampleValues)
	v.SetDefault("mutation.retry.mode", string(retry.Mode))
	v.SetDefault("mutation.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("mutation.retry.backoff", retry.Backoff)
	v.SetDefault("mutation.retry.max_backoff", retry.MaxBackoff)

	v.SetDefault("matcher.exact_confidence", mo.ExactConfidence)
	v.SetDefault("matcher.learned_confidence", mo.LearnedConfidence)
	v.SetDefault("matcher.builtin_confidence", mo.BuiltinConfidence)
	v.SetDefault("matcher.fuzzy_floor", mo.FuzzyFloor)
	v.SetDefault("matcher.fuzzy_min_confidence", mo.FuzzyMinConfidence)
	v.SetDefault("matcher.fuzzy_max_confidence", mo.FuzzyMaxConfidence)
	v.SetDefault("matcher.min_confidence", mo.MinConfidence)
	v.SetDefault("matcher.top_k", mo.TopK)
	v.SetDefault("matcher.aliases_file", "")

	v.SetDefault("validator.max_examples", vo.MaxExamples)
	v.SetDefault("validator.min_enum_samples", vo.MinEnumSamples)

	v.SetDefault("gateway.endpoint", "")
	v.SetDefault("gateway.region", gw.Region)
	v.SetDefault("gateway.service", gw.Service)
	v.SetDefault("gateway.timeout", gw.Timeout)
	v.SetDefault("gateway.tool_group", gw.ToolGroup)
	v.SetDefault("gateway.access_key_id", "")
	v.SetDefault("gateway.secret_access_key", "")
	v.SetDefault("gateway.session_token", "")

	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.page_size", srv.PageSize)
	v.SetDefault("server.tool_group", srv.ToolGroup)
	v.SetDefault("server.request_timeout", srv.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", srv.ShutdownTimeout)
	v.SetDefault("server.max_body_bytes", srv.MaxBodyBytes)

	v.SetDefault("overflow.enabled", false)
	v.SetDefault("overflow.provider", string(store.Provider))
	v.SetDefault("overflow.endpoint", "")
	v.SetDefault("overflow.access_key", "")
	v.SetDefault("overflow.secret_key", "")
	v.SetDefault("overflow.use_ssl", false)
	v.SetDefault("overflow.region", "")
	v.SetDefault("overflow.bucket", store.Bucket)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendDirect:
		if err := c.Database.Validate(); err != nil {
			return err
		}
	case BackendGateway:
		if err := c.Gateway.Validate(); err != nil {
			return err
		}
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "backend.mode must be %q or %q, got %q",
			BackendDirect, BackendGateway, c.Backend.Mode)
	}
	if len(c.Schema.Tables) == 0 {
		return errs.New(errs.ErrKindInvalidInput, "schema.tables must list at least one table")
	}
	if c.Mutation.LockTimeoutMS <= 0 {
		return errs.New(errs.ErrKindInvalidInput, "mutation.lock_timeout_ms must be positive")
	}
	if err := c.Mutation.Retry.Validate(); err != nil {
		return err
	}
	if c.Overflow.Enabled {
		if err := c.Overflow.Config.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Policy returns the mutation policy.
func (c *Config) Policy() mutate.Policy {
	return mutate.Policy{
		AllowedTables:   c.Mutation.AllowedTables,
		AllowedTypes:    c.Mutation.AllowedTypes,
		DefaultType:     c.Mutation.DefaultType,
		LockTimeout:     time.Duration(c.Mutation.LockTimeoutMS) * time.Millisecond,
		MaxSampleValues: c.Mutation.MaxSampleValues,
	}
}

// Logger returns the logger configuration, writing to stdout.
func (c *Config) Logger() *logger.Config {
	cfg := logger.DefaultConfig()
	if c.Log.Level != "" {
		cfg.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		cfg.Format = c.Log.Format
	}
	cfg.Output = os.Stdout
	return cfg
}

// BuiltinAliases loads the alias dictionary, or returns nil when none is
// configured.
func (c *Config) BuiltinAliases() (match.Aliases, error) {
	if c.Matcher.AliasesFile == "" {
		return nil, nil
	}
	return match.LoadAliasesFile(c.Matcher.AliasesFile)
}

// Service returns the core.Config derived from c.
func (c *Config) Service(aliases match.Aliases) core.Config {
	return core.Config{
		Tables:         c.Schema.Tables,
		CacheTTL:       c.Schema.CacheTTL,
		Matcher:        c.Matcher.Options,
		Validator:      c.Validator,
		Retry:          c.Mutation.Retry,
		BuiltinAliases: aliases,
	}
}
