// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Transform TransformConfig `mapstructure:"transform"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
	MaxBatchURLs    int           `mapstructure:"max_batch_urls"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the in-process consumer pool.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// QueueConfig selects the work queue and its retry policy.
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"`
	Capacity    int           `mapstructure:"capacity"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// BrowserConfig configures the Chrome tab pool.
type BrowserConfig struct {
	MaxTabs        int           `mapstructure:"max_tabs"`
	ExecPath       string        `mapstructure:"exec_path"`
	UserAgent      string        `mapstructure:"user_agent"`
	NoSandbox      bool          `mapstructure:"no_sandbox"`
	Headful        bool          `mapstructure:"headful"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// PipelineConfig bounds the page stages and asset lifetimes.
type PipelineConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	AssetPrefix       string        `mapstructure:"asset_prefix"`
}

// TransformConfig tunes content extraction.
type TransformConfig struct {
	MinContentLength int `mapstructure:"min_content_length"`
	// SiteRules maps a host to a CSS selector for its main content.
	SiteRules map[string]string `mapstructure:"site_rules"`
}

// PolicyConfig groups the URL guard, robots and politeness settings.
type PolicyConfig struct {
	AllowPrivate    bool          `mapstructure:"allow_private"`
	AllowedHosts    []string      `mapstructure:"allowed_hosts"`
	DeniedHosts     []string      `mapstructure:"denied_hosts"`
	DNSCacheTTL     time.Duration `mapstructure:"dns_cache_ttl"`
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	RobotsUserAgent string        `mapstructure:"robots_user_agent"`
	RobotsCacheTTL  time.Duration `mapstructure:"robots_cache_ttl"`
	RobotsTimeout   time.Duration `mapstructure:"robots_timeout"`
	HostRPS         float64       `mapstructure:"host_rps"`
	HostBurst       int           `mapstructure:"host_burst"`
	SitemapTimeout  time.Duration `mapstructure:"sitemap_timeout"`
	SitemapMaxIndex int           `mapstructure:"sitemap_max_index_depth"`
}

// FrontierConfig selects the crawl seen-set store and crawl defaults.
type FrontierConfig struct {
	Store        string        `mapstructure:"store"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	DefaultDepth int           `mapstructure:"default_max_depth"`
	DefaultLimit int           `mapstructure:"default_limit"`
}

// StorageConfig selects the blob sink for screenshots and PDFs.
type StorageConfig struct {
	Backend       string                   `mapstructure:"backend"`
	DefaultExpiry time.Duration            `mapstructure:"default_expiry"`
	TierExpiry    map[string]time.Duration `mapstructure:"tier_expiry"`
	CDNBaseURL    string                   `mapstructure:"cdn_base_url"`
	Local         LocalStorageConfig       `mapstructure:"local"`
	GCS           GCSConfig                `mapstructure:"gcs"`
	S3            S3Config                 `mapstructure:"s3"`
}

// LocalStorageConfig writes assets below a directory.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	BaseURL string `mapstructure:"base_url"`
}

// GCSConfig targets a Cloud Storage bucket.
type GCSConfig struct {
	Bucket      string `mapstructure:"bucket"`
	SignerEmail string `mapstructure:"signer_email"`
	SignerKey   string `mapstructure:"signer_key"`
}

// S3Config targets an S3-compatible bucket.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
}

// DatabaseConfig controls access to the relational job store. An empty DSN keeps jobs in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LedgerConfig selects the quota ledger.
type LedgerConfig struct {
	Backend        string           `mapstructure:"backend"`
	DefaultBalance int64            `mapstructure:"default_balance"`
	Prices         map[string]int64 `mapstructure:"prices"`
}

// PubSubConfig holds Pub/Sub resource names.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// KafkaConfig holds Kafka brokers and topic.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	GroupID      string        `mapstructure:"group_id"`
	MinBytes     int           `mapstructure:"min_bytes"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig addresses the shared frontier store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NotifyConfig selects where terminal job events go.
type NotifyConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEACQ")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.max_page_size", 100)
	v.SetDefault("server.max_batch_urls", 1000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.persist_timeout", 10*time.Second)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.job_timeout", 120*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_backoff", time.Second)
	v.SetDefault("queue.max_backoff", 30*time.Second)
	v.SetDefault("browser.max_tabs", 4)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.acquire_timeout", 30*time.Second)
	v.SetDefault("pipeline.navigation_timeout", 30*time.Second)
	v.SetDefault("pipeline.action_timeout", 10*time.Second)
	v.SetDefault("pipeline.wait_timeout", 15*time.Second)
	v.SetDefault("pipeline.asset_prefix", "assets")
	v.SetDefault("transform.min_content_length", 100)
	v.SetDefault("policy.dns_cache_ttl", 5*time.Minute)
	v.SetDefault("policy.lookup_timeout", 3*time.Second)
	v.SetDefault("policy.robots_user_agent", "page-acquisition-bot/1.0")
	v.SetDefault("policy.robots_cache_ttl", time.Hour)
	v.SetDefault("policy.robots_timeout", 10*time.Second)
	v.SetDefault("policy.host_rps", 2.0)
	v.SetDefault("policy.host_burst", 1)
	v.SetDefault("policy.sitemap_timeout", 20*time.Second)
	v.SetDefault("policy.sitemap_max_index_depth", 2)
	v.SetDefault("frontier.store", BackendMemory)
	v.SetDefault("frontier.key_prefix", "pageacq:frontier:")
	v.SetDefault("frontier.ttl", 24*time.Hour)
	v.SetDefault("frontier.default_max_depth", 2)
	v.SetDefault("frontier.default_limit", 10)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.default_expiry", 24*time.Hour)
	v.SetDefault("storage.local.base_dir", "./data/assets")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.default_balance", -1)
	v.SetDefault("pubsub.max_outstanding", 16)
	v.SetDefault("kafka.group_id", "page-acquisition")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10<<20)
	v.SetDefault("kafka.max_wait", time.Second)
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("notify.backend", BackendMemory)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "page-acquisition")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Queue.JobTimeout <= 0 {
		errs = append(errs, errors.New("queue.job_timeout must be > 0"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be > 0"))
	}
	if c.Browser.MaxTabs <= 0 {
		errs = append(errs, errors.New("browser.max_tabs must be > 0"))
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" || c.PubSub.Subscription == "" {
			errs = append(errs, errors.New("pubsub.project_id, pubsub.topic and pubsub.subscription are required for the pubsub queue"))
		}
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.brokers and kafka.topic are required for the kafka queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, pubsub, kafka", c.Queue.Backend))
	}

	switch c.Frontier.Store {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis frontier store"))
		}
	default:
		errs = append(errs, fmt.Errorf("frontier.store %q is not one of memory, redis", c.Frontier.Store))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for local storage"))
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for gcs storage"))
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs, s3", c.Storage.Backend))
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q is not one of memory, postgres", c.Ledger.Backend))
	}

	switch c.Notify.Backend {
	case BackendMemory, BackendNone:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.Notify.Topic == "" {
			errs = append(errs, errors.New("pubsub.project_id and notify.topic are required for pubsub notifications"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.backend %q is not one of memory, pubsub, none", c.Notify.Backend))
	}
	return errors.Join(errs...)
}

// AssetExpiry returns the asset lifetime for tier.
func (c Config) AssetExpiry(tier string) time.Duration {
	if d, ok := c.Storage.TierExpiry[tier]; ok && d > 0 {
		return d
	}
	return c.Storage.DefaultExpiry
}
