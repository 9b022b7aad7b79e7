package config

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultPublicRequestsPerMinute limits anonymous callers per IP.
	DefaultPublicRequestsPerMinute = 120

	// DefaultAuthenticatedRequestsPerMinute limits token holders per IP.
	DefaultAuthenticatedRequestsPerMinute = 600

	// DefaultDatabaseDriver is the default run record store driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "dbtlens.db"

	// DefaultPostgresPort is the default PostgreSQL port.
	DefaultPostgresPort = 5432

	// DefaultPostgresSSLMode is the default PostgreSQL SSL mode.
	DefaultPostgresSSLMode = "disable"

	// DefaultIndexingInterval is the default pause between indexing passes.
	DefaultIndexingInterval = "60s"

	// DefaultIndexingConcurrency is the default number of invocations
	// indexed in parallel.
	DefaultIndexingConcurrency = 4

	// DefaultCacheDriver is the default request cache backend.
	DefaultCacheDriver = "memory"

	// DefaultCacheTTL is the default request cache lifetime.
	DefaultCacheTTL = "300s"

	// DefaultRedisKeyPrefix namespaces cache keys in a shared redis.
	DefaultRedisKeyPrefix = "dbtlens:"

	// DefaultMetricsPath is where Prometheus metrics are served.
	DefaultMetricsPath = "/metrics"
)

// Cache drivers.
const (
	CacheDriverNone   = "none"
	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server   APIServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     APIAuthConfig     `yaml:"auth" mapstructure:"auth"`
	Database APIDatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  APIStorageConfig  `yaml:"storage,omitempty" mapstructure:"storage"`
	Indexing APIIndexingConfig `yaml:"indexing,omitempty" mapstructure:"indexing"`
	Cache    APICacheConfig    `yaml:"cache,omitempty" mapstructure:"cache"`
	Metrics  APIMetricsConfig  `yaml:"metrics,omitempty" mapstructure:"metrics"`
}

// APIIndexingConfig configures the background indexer that scans storage
// for dbt artifacts and loads them into the run record store.
type APIIndexingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval    string `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// IntervalDuration returns the parsed indexing interval.
func (c *APIIndexingConfig) IntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 0, fmt.Errorf("parsing indexing interval: %w", err)
	}

	return d, nil
}

// APIStorageConfig contains the artifact storage backend settings.
// Only one backend (S3 or local) may be enabled at a time.
type APIStorageConfig struct {
	S3    APIS3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local APILocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// APILocalStorageConfig reads dbt artifacts from the local filesystem.
// Each discovery path maps a name to a directory containing an
// invocations/ sub-directory.
type APILocalStorageConfig struct {
	Enabled        bool              `yaml:"enabled" mapstructure:"enabled"`
	DiscoveryPaths map[string]string `yaml:"discovery_paths,omitempty" mapstructure:"discovery_paths"`
}

// APIS3Config contains S3 settings for reading dbt artifacts.
type APIS3Config struct {
	Enabled         bool     `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string   `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string   `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string   `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string   `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool     `yaml:"force_path_style" mapstructure:"force_path_style"`
	DiscoveryPaths  []string `yaml:"discovery_paths,omitempty" mapstructure:"discovery_paths"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Public        RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty" mapstructure:"authenticated"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings. Tokens are stored as
// bcrypt hashes; clients present the plaintext as a Bearer token.
type APIAuthConfig struct {
	AnonymousRead bool       `yaml:"anonymous_read" mapstructure:"anonymous_read"`
	Tokens        []APIToken `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// APIToken is a named API token.
type APIToken struct {
	Name string `yaml:"name" mapstructure:"name"`
	Hash string `yaml:"hash" mapstructure:"hash"`
}

// APIDatabaseConfig contains database connection settings.
type APIDatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// APICacheConfig configures the request result cache.
type APICacheConfig struct {
	Driver string           `yaml:"driver" mapstructure:"driver"`
	TTL    string           `yaml:"ttl,omitempty" mapstructure:"ttl"`
	Redis  RedisCacheConfig `yaml:"redis,omitempty" mapstructure:"redis"`
}

// TTLDuration returns the parsed cache TTL.
func (c *APICacheConfig) TTLDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, fmt.Errorf("parsing cache ttl: %w", err)
	}

	return d, nil
}

// RedisCacheConfig contains redis connection settings for the cache.
type RedisCacheConfig struct {
	Addresses []string `yaml:"addresses" mapstructure:"addresses"`
	DB        int      `yaml:"db" mapstructure:"db"`
	Username  string   `yaml:"username,omitempty" mapstructure:"username"`
	Password  string   `yaml:"password,omitempty" mapstructure:"password"`
	KeyPrefix string   `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// APIMetricsConfig configures the Prometheus endpoint.
type APIMetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path,omitempty" mapstructure:"path"`
}

func (c *APIConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Indexing.Interval == "" {
		c.Indexing.Interval = DefaultIndexingInterval
	}

	if c.Indexing.Concurrency <= 0 {
		c.Indexing.Concurrency = DefaultIndexingConcurrency
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = DefaultCacheDriver
	}

	if c.Cache.TTL == "" {
		c.Cache.TTL = DefaultCacheTTL
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// ValidateAPI checks the api section for errors.
func (c *Config) ValidateAPI() error {
	api := &c.API

	if api.Server.Listen == "" {
		return fmt.Errorf("api.server.listen is required")
	}

	if api.Server.RateLimit.Enabled {
		if api.Server.RateLimit.Public.RequestsPerMinute <= 0 ||
			api.Server.RateLimit.Authenticated.RequestsPerMinute <= 0 {
			return fmt.Errorf(
				"api.server.rate_limit: requests_per_minute must be positive",
			)
		}
	}

	if err := api.Auth.validate(); err != nil {
		return fmt.Errorf("api.auth: %w", err)
	}

	if err := api.Database.validate(); err != nil {
		return fmt.Errorf("api.database: %w", err)
	}

	if err := api.Storage.validate(); err != nil {
		return fmt.Errorf("api.storage: %w", err)
	}

	if api.Indexing.Enabled {
		if !api.Storage.S3.Enabled && !api.Storage.Local.Enabled {
			return fmt.Errorf("api.indexing: a storage backend is required")
		}

		if d, err := api.Indexing.IntervalDuration(); err != nil {
			return fmt.Errorf("api.indexing: %w", err)
		} else if d <= 0 {
			return fmt.Errorf("api.indexing: interval must be positive")
		}
	}

	if err := api.Cache.validate(); err != nil {
		return fmt.Errorf("api.cache: %w", err)
	}

	if api.Metrics.Enabled && !strings.HasPrefix(api.Metrics.Path, "/") {
		return fmt.Errorf("api.metrics.path must start with /")
	}

	return nil
}

// ValidateIngest checks the parts of the api section a one-shot indexing
// pass needs: database and storage.
func (c *Config) ValidateIngest() error {
	api := &c.API

	if err := api.Database.validate(); err != nil {
		return fmt.Errorf("api.database: %w", err)
	}

	if err := api.Storage.validate(); err != nil {
		return fmt.Errorf("api.storage: %w", err)
	}

	if !api.Storage.S3.Enabled && !api.Storage.Local.Enabled {
		return fmt.Errorf("api.storage: a storage backend is required")
	}

	return nil
}

func (c *APIAuthConfig) validate() error {
	if !c.AnonymousRead && len(c.Tokens) == 0 {
		return fmt.Errorf(
			"at least one token is required when anonymous_read is disabled",
		)
	}

	seen := make(map[string]struct{}, len(c.Tokens))

	for i, tok := range c.Tokens {
		if tok.Name == "" {
			return fmt.Errorf("token %d: name is required", i)
		}

		if _, exists := seen[tok.Name]; exists {
			return fmt.Errorf("token %d: duplicate name %q", i, tok.Name)
		}

		seen[tok.Name] = struct{}{}

		if _, err := bcrypt.Cost([]byte(tok.Hash)); err != nil {
			return fmt.Errorf("token %q: invalid bcrypt hash: %w", tok.Name, err)
		}
	}

	return nil
}

func (c *APIDatabaseConfig) validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	return nil
}

func (c *APIStorageConfig) validate() error {
	if c.S3.Enabled && c.Local.Enabled {
		return fmt.Errorf("only one of s3 or local may be enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}

		if len(c.S3.DiscoveryPaths) == 0 {
			return fmt.Errorf("s3.discovery_paths must not be empty")
		}
	}

	if c.Local.Enabled && len(c.Local.DiscoveryPaths) == 0 {
		return fmt.Errorf("local.discovery_paths must not be empty")
	}

	return nil
}

func (c *APICacheConfig) validate() error {
	switch c.Driver {
	case CacheDriverNone:
		return nil
	case CacheDriverMemory:
	case CacheDriverRedis:
		if len(c.Redis.Addresses) == 0 {
			return fmt.Errorf("redis.addresses must not be empty")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	d, err := c.TTLDuration()
	if err != nil {
		return err
	}

	if d <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	return nil
}
