// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	DB           DBConfig           `mapstructure:"db"`
	Crawl        CrawlConfig        `mapstructure:"crawl"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CrawlConfig holds credentials and endpoints for the external crawl service.
type CrawlConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	OrgID          string `mapstructure:"org_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig sets the artifact store provider and key layout.
type StorageConfig struct {
	Provider     string `mapstructure:"provider"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	ContentType  string `mapstructure:"content_type"`
	SignedURLTTL int    `mapstructure:"signed_url_ttl_seconds"`
}

// PublisherConfig holds metadata for archived-accession notifications.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// OrchestratorConfig governs the ingestion pipeline's pacing and retries.
type OrchestratorConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	MaxPollWaitSeconds  int `mapstructure:"max_poll_wait_seconds"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
	Concurrency         int `mapstructure:"concurrency"`
	ScanLimit           int `mapstructure:"scan_limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACCESSIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can populate keys that are
// absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("crawl.base_url", "")
	v.SetDefault("crawl.username", "")
	v.SetDefault("crawl.password", "")
	v.SetDefault("crawl.org_id", "")
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("storage.provider", "gcs")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "accessions")
	v.SetDefault("storage.content_type", "application/wacz")
	v.SetDefault("storage.signed_url_ttl_seconds", 3600)
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic_id", "")
	v.SetDefault("orchestrator.poll_interval_seconds", 30)
	v.SetDefault("orchestrator.max_poll_wait_seconds", 1800)
	v.SetDefault("orchestrator.max_attempts", 5)
	v.SetDefault("orchestrator.retry_backoff_seconds", 30)
	v.SetDefault("orchestrator.concurrency", 4)
	v.SetDefault("orchestrator.scan_limit", 100)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.BaseURL == "" {
		return fmt.Errorf("crawl.base_url is required")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required when storage.provider is gcs")
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.TopicID == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic_id are required when publisher.provider is pubsub")
	}
	if c.Orchestrator.Concurrency <= 0 {
		return fmt.Errorf("orchestrator.concurrency must be > 0")
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_attempts must be > 0")
	}
	if c.Orchestrator.PollIntervalSeconds <= 0 {
		return fmt.Errorf("orchestrator.poll_interval_seconds must be > 0")
	}
	if c.Orchestrator.MaxPollWaitSeconds < c.Orchestrator.PollIntervalSeconds {
		return fmt.Errorf("orchestrator.max_poll_wait_seconds must be >= poll_interval_seconds")
	}
	return nil
}

// PollInterval returns the scheduler tick as a duration.
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxPollWait returns the crawl polling deadline as a duration.
func (c OrchestratorConfig) MaxPollWait() time.Duration {
	return time.Duration(c.MaxPollWaitSeconds) * time.Second
}

// RetryBackoff returns the fixed wait between retry attempts.
func (c OrchestratorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// Timeout returns the crawl service HTTP timeout as a duration.
func (c CrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SignedURLTTLDuration returns the artifact signed URL lifetime.
func (c StorageConfig) SignedURLTTLDuration() time.Duration {
	return time.Duration(c.SignedURLTTL) * time.Second
}
