package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// DBTLENS_GLOBAL_LOG_LEVEL overrides global.log_level.
	EnvPrefix = "DBTLENS"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"
)

// Config is the root configuration for dbtlens.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	Analytics AnalyticsConfig `yaml:"analytics" mapstructure:"analytics"`
	Report    ReportConfig    `yaml:"report" mapstructure:"report"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// Load reads one or more YAML configuration files. Later files are merged
// over earlier ones, then DBTLENS_* environment variables are applied.
// With no paths the configuration is built from defaults and environment.
func Load(paths ...string) (*Config, error) {
	v := newViper()

	for i, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", p, err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", p, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides only apply to keys viper knows about, so every
	// overridable leaf gets a default here.
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}

	return v
}

func defaultValues() map[string]any {
	return map[string]any{
		"global.log_level": DefaultLogLevel,

		"api.server.listen":       DefaultListen,
		"api.server.cors_origins": []string{},

		"api.server.rate_limit.enabled":                           false,
		"api.server.rate_limit.public.requests_per_minute":        DefaultPublicRequestsPerMinute,
		"api.server.rate_limit.authenticated.requests_per_minute": DefaultAuthenticatedRequestsPerMinute,

		"api.auth.anonymous_read": true,

		"api.database.driver":            DefaultDatabaseDriver,
		"api.database.sqlite.path":       DefaultSQLitePath,
		"api.database.postgres.host":     "",
		"api.database.postgres.port":     DefaultPostgresPort,
		"api.database.postgres.user":     "",
		"api.database.postgres.password": "",
		"api.database.postgres.database": "",
		"api.database.postgres.ssl_mode": DefaultPostgresSSLMode,

		"api.storage.s3.enabled":           false,
		"api.storage.s3.endpoint_url":      "",
		"api.storage.s3.region":            "",
		"api.storage.s3.bucket":            "",
		"api.storage.s3.access_key_id":     "",
		"api.storage.s3.secret_access_key": "",
		"api.storage.s3.force_path_style":  false,
		"api.storage.local.enabled":        false,

		"api.indexing.enabled":     false,
		"api.indexing.interval":    DefaultIndexingInterval,
		"api.indexing.concurrency": DefaultIndexingConcurrency,

		"api.cache.driver":           DefaultCacheDriver,
		"api.cache.ttl":              DefaultCacheTTL,
		"api.cache.redis.addresses":  []string{},
		"api.cache.redis.db":         0,
		"api.cache.redis.username":   "",
		"api.cache.redis.password":   "",
		"api.cache.redis.key_prefix": DefaultRedisKeyPrefix,

		"api.metrics.enabled": false,
		"api.metrics.path":    DefaultMetricsPath,

		"analytics.default_lookback_days": DefaultLookbackDays,
		"analytics.max_lookback_days":     DefaultMaxLookbackDays,
		"analytics.page_size":             DefaultPageSize,
		"analytics.flaky_threshold":       DefaultFlakyThreshold,
		"analytics.flaky_min_runs":        DefaultFlakyMinRuns,
		"analytics.slow_percentile":       DefaultSlowPercentile,
		"analytics.slow_min_seconds":      DefaultSlowMinSeconds,
		"analytics.report_timezone":       DefaultReportTimezone,

		"report.upload.s3.enabled":           false,
		"report.upload.s3.endpoint_url":      "",
		"report.upload.s3.region":            "",
		"report.upload.s3.bucket":            "",
		"report.upload.s3.prefix":            DefaultReportPrefix,
		"report.upload.s3.access_key_id":     "",
		"report.upload.s3.secret_access_key": "",
		"report.upload.s3.force_path_style":  false,
		"report.upload.s3.storage_class":     "",
		"report.upload.s3.acl":               "",
	}
}

// applyDefaults fills values that a config file may have explicitly
// blanked out.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	c.API.applyDefaults()
	c.Analytics.applyDefaults()
}

// Validate checks the global, analytics and report sections for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if err := c.Analytics.Validate(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}

	if err := c.Report.Validate(); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	return nil
}
