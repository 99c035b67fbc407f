package filestore

import "github.com/koustreak/schemagate/internal/errs"

// Provider identifies the object storage backend.
type Provider string

const (
	ProviderMinIO  Provider = "minio"
	ProviderMemory Provider = "memory"
)

// Config holds all settings needed to connect to an object storage backend.
type Config struct {
	// Provider is the storage backend (e.g. ProviderMinIO).
	Provider Provider `mapstructure:"provider"`

	// Endpoint is the host:port of the storage server.
	// Example: "localhost:9000" for local MinIO.
	Endpoint string `mapstructure:"endpoint"`

	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool `mapstructure:"use_ssl"`

	// Region is used by region-aware backends. Leave empty for MinIO.
	Region string `mapstructure:"region"`

	// Bucket receives overflow values. It is created on startup if missing.
	Bucket string `mapstructure:"bucket"`
}

// DefaultConfig returns a sensible local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey string) *Config {
	return &Config{
		Provider:  ProviderMinIO,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    false,
		Bucket:    "schemagate-overflow",
	}
}

// Validate checks the fields the selected provider needs.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errs.New(errs.ErrKindInvalidInput, "filestore: bucket is required")
	}
	switch c.Provider {
	case ProviderMemory:
		return nil
	case ProviderMinIO, "":
		if c.Endpoint == "" {
			return errs.New(errs.ErrKindInvalidInput, "filestore: endpoint is required")
		}
		return nil
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "filestore: unknown provider %q", c.Provider)
	}
}
