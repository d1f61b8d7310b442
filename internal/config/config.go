// Package config loads and validates jobscout configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	Callback   CallbackConfig   `mapstructure:"callback"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Store      StoreConfig      `mapstructure:"store"`
	Autoscore  AutoscoreConfig  `mapstructure:"autoscore"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds listen ports for the two HTTP surfaces.
type ServerConfig struct {
	WorkerPort     int `mapstructure:"worker_port"`
	ControllerPort int `mapstructure:"controller_port"`
}

// AuthConfig holds the API key shared by dispatch callers.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Queue providers.
const (
	ProviderHTTP   = "http"
	ProviderPubSub = "pubsub"
)

// QueueConfig sizes the worker task queue and picks the dispatch transport.
type QueueConfig struct {
	Provider           string `mapstructure:"provider"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	MaxQueued          int    `mapstructure:"max_queued"`
	TaskTimeoutSeconds int    `mapstructure:"task_timeout_seconds"`
}

// ScrapeConfig bounds one orchestrated job.
type ScrapeConfig struct {
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
	ExtraAttempts     int `mapstructure:"extra_attempts"`
	DefaultLimit      int `mapstructure:"default_limit"`
}

// CallbackConfig controls terminal callback delivery and verification.
type CallbackConfig struct {
	URL                   string  `mapstructure:"url"`
	Token                 string  `mapstructure:"token"`
	SigningSecret         string  `mapstructure:"signing_secret"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	BaseBackoffMs         int     `mapstructure:"base_backoff_ms"`
	MaxBackoffMs          int     `mapstructure:"max_backoff_ms"`
	JitterPct             float64 `mapstructure:"jitter_pct"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	ToleranceSeconds      int     `mapstructure:"tolerance_seconds"`
}

// Dead-letter backends.
const (
	DeadLetterLocal = "local"
	DeadLetterGCS   = "gcs"
)

// DeadLetterConfig selects where undeliverable callbacks are kept.
type DeadLetterConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Executor kinds.
const (
	ExecutorColly    = "colly"
	ExecutorHeadless = "headless"
	ExecutorAuto     = "auto"
)

// ExecutorConfig configures the reference crawl executor.
type ExecutorConfig struct {
	Kind                string            `mapstructure:"kind"`
	UserAgent           string            `mapstructure:"user_agent"`
	TimeoutSeconds      int               `mapstructure:"timeout_seconds"`
	RateLimitRPS        float64           `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int               `mapstructure:"rate_limit_burst"`
	MaxPages            int               `mapstructure:"max_pages"`
	ListingURLs         map[string]string `mapstructure:"listing_urls"`
	ItemSelector        string            `mapstructure:"item_selector"`
	TitleSelector       string            `mapstructure:"title_selector"`
	LinkSelector        string            `mapstructure:"link_selector"`
	CompanySelector     string            `mapstructure:"company_selector"`
	LocationSelector    string            `mapstructure:"location_selector"`
	SalarySelector      string            `mapstructure:"salary_selector"`
	DescriptionSelector string            `mapstructure:"description_selector"`
	IDAttribute         string            `mapstructure:"id_attribute"`
	NextSelector        string            `mapstructure:"next_selector"`
	HeadlessMaxParallel int               `mapstructure:"headless_max_parallel"`
	RenderThreshold     int               `mapstructure:"render_threshold"`
}

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// StoreConfig selects the controller persistence backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	Schema     string `mapstructure:"schema"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
}

// AutoscoreConfig controls scoring fan-out after a completed run.
type AutoscoreConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	PoolSize    int    `mapstructure:"pool_size"`
	QueueSize   int    `mapstructure:"queue_size"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	BackoffMs   int    `mapstructure:"backoff_ms"`
}

// WorkerConfig is the controller's view of the worker.
type WorkerConfig struct {
	URL string `mapstructure:"url"`
}

// PubSubConfig names the dispatch topic and subscription.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Version     string  `mapstructure:"version"`
}

// ReconcilerConfig tunes callback reconciliation.
type ReconcilerConfig struct {
	EventCacheSize int `mapstructure:"event_cache_size"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBSCOUT")
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
	v.SetDefault("server.worker_port", 8080)
	v.SetDefault("server.controller_port", 8081)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("queue.provider", ProviderHTTP)
	v.SetDefault("queue.max_concurrent", 2)
	v.SetDefault("queue.max_queued", 20)
	v.SetDefault("queue.task_timeout_seconds", 300)
	v.SetDefault("scrape.job_timeout_seconds", 120)
	v.SetDefault("scrape.extra_attempts", 4)
	v.SetDefault("scrape.default_limit", 20)
	v.SetDefault("callback.url", "")
	v.SetDefault("callback.token", "")
	v.SetDefault("callback.signing_secret", "")
	v.SetDefault("callback.max_attempts", 3)
	v.SetDefault("callback.base_backoff_ms", 1000)
	v.SetDefault("callback.max_backoff_ms", 10000)
	v.SetDefault("callback.jitter_pct", 0.2)
	v.SetDefault("callback.request_timeout_seconds", 15)
	v.SetDefault("callback.tolerance_seconds", 300)
	v.SetDefault("dead_letter.backend", DeadLetterLocal)
	v.SetDefault("dead_letter.dir", "dead-letters")
	v.SetDefault("dead_letter.bucket", "")
	v.SetDefault("dead_letter.prefix", "dead-letters")
	v.SetDefault("executor.kind", ExecutorColly)
	v.SetDefault("executor.user_agent", "jobscout/0.1")
	v.SetDefault("executor.timeout_seconds", 20)
	v.SetDefault("executor.rate_limit_rps", 1.0)
	v.SetDefault("executor.rate_limit_burst", 1)
	v.SetDefault("executor.max_pages", 3)
	v.SetDefault("executor.headless_max_parallel", 1)
	v.SetDefault("executor.render_threshold", 2048)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.schema", "public")
	v.SetDefault("store.sqlite_path", "jobscout.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("autoscore.enabled", false)
	v.SetDefault("autoscore.url", "")
	v.SetDefault("autoscore.token", "")
	v.SetDefault("autoscore.pool_size", 4)
	v.SetDefault("autoscore.queue_size", 256)
	v.SetDefault("autoscore.max_attempts", 2)
	v.SetDefault("autoscore.backoff_ms", 500)
	v.SetDefault("worker.url", "http://localhost:8080")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.subscription", "")
	v.SetDefault("reconciler.event_cache_size", 1024)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.WorkerPort <= 0 || c.Server.ControllerPort <= 0 {
		return fmt.Errorf("server ports must be > 0")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be > 0")
	}
	if c.Queue.MaxQueued < 0 {
		return fmt.Errorf("queue.max_queued must be >= 0")
	}
	switch c.Queue.Provider {
	case ProviderHTTP:
	case ProviderPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required when queue.provider is pubsub")
		}
	default:
		return fmt.Errorf("queue.provider %q is not supported", c.Queue.Provider)
	}
	if c.Queue.TaskTimeoutSeconds <= c.Scrape.JobTimeoutSeconds {
		return fmt.Errorf("queue.task_timeout_seconds must exceed scrape.job_timeout_seconds")
	}
	if c.Scrape.ExtraAttempts < 0 {
		return fmt.Errorf("scrape.extra_attempts must be >= 0")
	}
	if c.Callback.MaxAttempts <= 0 {
		return fmt.Errorf("callback.max_attempts must be > 0")
	}
	if c.Callback.JitterPct < 0 || c.Callback.JitterPct > 1 {
		return fmt.Errorf("callback.jitter_pct must be within [0, 1]")
	}
	switch c.DeadLetter.Backend {
	case DeadLetterLocal:
		if c.DeadLetter.Dir == "" {
			return fmt.Errorf("dead_letter.dir is required for the local backend")
		}
	case DeadLetterGCS:
		if c.DeadLetter.Bucket == "" {
			return fmt.Errorf("dead_letter.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("dead_letter.backend %q is not supported", c.DeadLetter.Backend)
	}
	switch c.Executor.Kind {
	case ExecutorColly, ExecutorHeadless, ExecutorAuto:
	default:
		return fmt.Errorf("executor.kind %q is not supported", c.Executor.Kind)
	}
	if c.Executor.Kind != ExecutorColly && c.Executor.HeadlessMaxParallel <= 0 {
		return fmt.Errorf("executor.headless_max_parallel must be > 0 when headless rendering is used")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Autoscore.Enabled && c.Autoscore.URL == "" {
		return fmt.Errorf("autoscore.url must be set when autoscore is enabled")
	}
	return nil
}

// TaskTimeout is the per-task deadline of the worker queue.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Queue.TaskTimeoutSeconds) * time.Second
}

// JobTimeout bounds all attempts of one scrape job.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scrape.JobTimeoutSeconds) * time.Second
}

// CallbackTolerance is the accepted clock skew for signed callbacks.
func (c Config) CallbackTolerance() time.Duration {
	return time.Duration(c.Callback.ToleranceSeconds) * time.Second
}

// Millis converts a millisecond knob to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second knob to a duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
