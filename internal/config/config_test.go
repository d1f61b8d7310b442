package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Provider != ProviderHTTP || cfg.Queue.MaxConcurrent != 2 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Callback.MaxAttempts != 3 || cfg.Callback.JitterPct != 0.2 {
		t.Fatalf("unexpected callback defaults: %+v", cfg.Callback)
	}
	if cfg.Store.Backend != StoreMemory || cfg.DeadLetter.Backend != DeadLetterLocal {
		t.Fatalf("unexpected backend defaults: %+v %+v", cfg.Store, cfg.DeadLetter)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
	if got := cfg.JobTimeout(); got != 2*time.Minute {
		t.Fatalf("expected job timeout 2m, got %v", got)
	}
	if got := cfg.CallbackTolerance(); got != 5*time.Minute {
		t.Fatalf("expected tolerance 5m, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  worker_port: 9090
  controller_port: 9091
auth:
  api_key: secret
logging:
  development: true
queue:
  provider: pubsub
  max_concurrent: 6
  max_queued: 60
  task_timeout_seconds: 90
scrape:
  job_timeout_seconds: 60
pubsub:
  project_id: jobscout-dev
  topic: scrape-dispatch
  subscription: scrape-worker
callback:
  url: https://controller.example.com/api/callbacks/scrape
  signing_secret: s3cret
  max_attempts: 5
  jitter_pct: 0.1
dead_letter:
  backend: gcs
  bucket: jobscout-dead-letters
executor:
  kind: auto
  headless_max_parallel: 2
  listing_urls:
    JobBoard: https://jobs.example.com/search
store:
  backend: postgres
  dsn: postgres://localhost/jobscout
autoscore:
  enabled: true
  url: https://scoring.example.com/score
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.WorkerPort != 9090 || cfg.Server.ControllerPort != 9091 {
		t.Fatalf("expected port overrides, got %+v", cfg.Server)
	}
	if cfg.Queue.Provider != ProviderPubSub || cfg.PubSub.Subscription != "scrape-worker" {
		t.Fatalf("expected pubsub queue, got %+v %+v", cfg.Queue, cfg.PubSub)
	}
	if got := cfg.TaskTimeout(); got != 90*time.Second {
		t.Fatalf("expected task timeout 90s, got %v", got)
	}
	if cfg.Callback.MaxAttempts != 5 || cfg.Callback.BaseBackoffMs != 1000 {
		t.Fatalf("expected callback override merged with defaults, got %+v", cfg.Callback)
	}
	if got := cfg.Executor.ListingURLs["jobboard"]; got != "https://jobs.example.com/search" {
		t.Fatalf("expected lower-cased listing url key, got %+v", cfg.Executor.ListingURLs)
	}
	if !cfg.Autoscore.Enabled || cfg.Autoscore.PoolSize != 4 {
		t.Fatalf("unexpected autoscore config: %+v", cfg.Autoscore)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("JOBSCOUT_QUEUE_MAX_CONCURRENT", "9")
	t.Setenv("JOBSCOUT_CALLBACK_TOKEN", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.MaxConcurrent != 9 {
		t.Fatalf("expected env override 9, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Callback.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Callback.Token)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.WorkerPort = 0 }, want: "server ports"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Queue.MaxConcurrent = 0 }, want: "queue.max_concurrent"},
		{name: "unknown provider", mutate: func(c *Config) { c.Queue.Provider = "sqs" }, want: "queue.provider"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Queue.Provider = ProviderPubSub }, want: "pubsub.project_id"},
		{name: "no callback attempts", mutate: func(c *Config) { c.Callback.MaxAttempts = 0 }, want: "callback.max_attempts"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Callback.JitterPct = 1.5 }, want: "callback.jitter_pct"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.DeadLetter.Backend = DeadLetterGCS }, want: "dead_letter.bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.DeadLetter.Dir = "" }, want: "dead_letter.dir"},
		{name: "unknown executor", mutate: func(c *Config) { c.Executor.Kind = "rod" }, want: "executor.kind"},
		{
			name: "headless without parallelism",
			mutate: func(c *Config) {
				c.Executor.Kind = ExecutorHeadless
				c.Executor.HeadlessMaxParallel = 0
			},
			want: "executor.headless_max_parallel",
		},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = StorePostgres }, want: "store.dsn"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Backend = StoreSQLite; c.Store.SQLitePath = "" }, want: "store.sqlite_path"},
		{name: "task timeout within job timeout", mutate: func(c *Config) { c.Queue.TaskTimeoutSeconds = c.Scrape.JobTimeoutSeconds }, want: "queue.task_timeout_seconds"},
		{name: "sample ratio out of range", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "telemetry.sample_ratio"},
		{name: "autoscore without url", mutate: func(c *Config) { c.Autoscore.Enabled = true }, want: "autoscore.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
