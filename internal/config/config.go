// Package config loads and validates node configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all node configuration knobs loaded via Viper.
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Grid    GridConfig    `mapstructure:"grid"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	Events  EventsConfig  `mapstructure:"events"`
	Storage StorageConfig `mapstructure:"storage"`
	Report  ReportConfig  `mapstructure:"report"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// NodeConfig names this node. An empty name is generated from NamePrefix.
type NodeConfig struct {
	Name       string `mapstructure:"name"`
	NamePrefix string `mapstructure:"name_prefix"`
}

// GridConfig selects the shared storage and messaging backends.
type GridConfig struct {
	// Storage is "memory" or "postgres".
	Storage string `mapstructure:"storage"`
	// Transport is "local" or "pubsub".
	Transport         string        `mapstructure:"transport"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	NodeTimeout       time.Duration `mapstructure:"node_timeout"`
	MembershipCheck   time.Duration `mapstructure:"membership_check"`
	DB                DBConfig      `mapstructure:"db"`
	PubSub            PubSubConfig  `mapstructure:"pubsub"`
}

// DBConfig controls access to the Postgres storage backend.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	PageSize    int    `mapstructure:"page_size"`
}

// PubSubConfig locates the grid topic.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	TopicID            string `mapstructure:"topic_id"`
	SubscriptionPrefix string `mapstructure:"subscription_prefix"`
	CreateIfMissing    bool   `mapstructure:"create_if_missing"`
}

// CrawlConfig governs the crawl pipeline.
type CrawlConfig struct {
	Name          string        `mapstructure:"name"`
	Threads       int           `mapstructure:"threads"`
	MaxDocuments  int64         `mapstructure:"max_documents"`
	Orphans       string        `mapstructure:"orphans"`
	Incremental   bool          `mapstructure:"incremental"`
	IdleBackoff   time.Duration `mapstructure:"idle_backoff"`
	ProgressEvery time.Duration `mapstructure:"progress_every"`
	StartURLs     []string      `mapstructure:"start_urls"`
	MaxDepth      int           `mapstructure:"max_depth"`
	SameHost      bool          `mapstructure:"same_host"`
	// BlockedHosts are never queued; "*.example.com" matches subdomains.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
	// StopOnErrors lists error kinds ("fetch", "status") that stop the crawl.
	StopOnErrors []string `mapstructure:"stop_on_errors"`
}

// FetchConfig configures the HTTP fetcher and per-host rate limits.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	IgnoreRobots   bool    `mapstructure:"ignore_robots"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	HostRPS        float64 `mapstructure:"host_rps"`
	HostBurst      int     `mapstructure:"host_burst"`
	// Attempts bounds fetches per document after transport errors.
	Attempts int `mapstructure:"attempts"`
	// RobotsFallback is "allow" or "deny": what an unreachable robots.txt permits.
	RobotsFallback string `mapstructure:"robots_fallback"`
}

// DedupConfig picks checksummers and enables deduplication.
type DedupConfig struct {
	MetadataChecksummer string   `mapstructure:"metadata_checksummer"`
	MetadataFields      []string `mapstructure:"metadata_fields"`
	DocumentChecksummer string   `mapstructure:"document_checksummer"`
	MetadataDeduplicate bool     `mapstructure:"metadata_deduplicate"`
	DocumentDeduplicate bool     `mapstructure:"document_deduplicate"`
}

// EventsConfig selects event sinks.
type EventsConfig struct {
	BufferSize  int    `mapstructure:"buffer_size"`
	Log         bool   `mapstructure:"log"`
	Prometheus  bool   `mapstructure:"prometheus"`
	PubSubTopic string `mapstructure:"pubsub_topic"`
}

// StorageConfig sets where fetched documents and reports are written.
type StorageConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	// StoreDocuments writes fetched bodies, not just reports.
	StoreDocuments bool `mapstructure:"store_documents"`
}

// ReportConfig toggles the end-of-crawl ledger export.
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
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

// TracingConfig enables OpenTelemetry spans around document processing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRIDCRAWLER")
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
	v.SetDefault("node.name", "")
	v.SetDefault("node.name_prefix", "node")
	v.SetDefault("grid.storage", "memory")
	v.SetDefault("grid.transport", "local")
	v.SetDefault("grid.ack_timeout", 30*time.Second)
	v.SetDefault("grid.heartbeat_interval", 2*time.Second)
	v.SetDefault("grid.node_timeout", 10*time.Second)
	v.SetDefault("grid.membership_check", time.Second)
	v.SetDefault("grid.db.dsn", "")
	v.SetDefault("grid.db.table_prefix", "grid")
	v.SetDefault("grid.db.max_conns", 10)
	v.SetDefault("grid.db.min_conns", 0)
	v.SetDefault("grid.db.page_size", 500)
	v.SetDefault("grid.pubsub.project_id", "")
	v.SetDefault("grid.pubsub.topic_id", "gridcrawler")
	v.SetDefault("grid.pubsub.subscription_prefix", "gridcrawler")
	v.SetDefault("grid.pubsub.create_if_missing", false)
	v.SetDefault("crawl.name", "web")
	v.SetDefault("crawl.threads", 2)
	v.SetDefault("crawl.max_documents", -1)
	v.SetDefault("crawl.orphans", "PROCESS")
	v.SetDefault("crawl.incremental", true)
	v.SetDefault("crawl.idle_backoff", 500*time.Millisecond)
	v.SetDefault("crawl.progress_every", 30*time.Second)
	v.SetDefault("crawl.start_urls", []string{})
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.same_host", true)
	v.SetDefault("crawl.blocked_hosts", []string{})
	v.SetDefault("crawl.stop_on_errors", []string{})
	v.SetDefault("fetch.user_agent", "gridcrawler/0.1")
	v.SetDefault("fetch.ignore_robots", false)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.host_rps", 2.0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("fetch.attempts", 3)
	v.SetDefault("fetch.robots_fallback", "allow")
	v.SetDefault("dedup.metadata_checksummer", "xxh3")
	v.SetDefault("dedup.metadata_fields", []string{"etag", "last-modified"})
	v.SetDefault("dedup.document_checksummer", "sha256")
	v.SetDefault("dedup.metadata_deduplicate", false)
	v.SetDefault("dedup.document_deduplicate", true)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.log", true)
	v.SetDefault("events.prometheus", true)
	v.SetDefault("events.pubsub_topic", "")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.store_documents", false)
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Grid.Storage {
	case "memory":
	case "postgres":
		if c.Grid.DB.DSN == "" {
			return fmt.Errorf("grid.db.dsn must be set for postgres storage")
		}
	default:
		return fmt.Errorf("grid.storage must be memory or postgres, got %q", c.Grid.Storage)
	}
	switch c.Grid.Transport {
	case "local":
		if c.Grid.Storage != "memory" {
			return fmt.Errorf("grid.transport local only connects nodes of one process; use pubsub with %s storage", c.Grid.Storage)
		}
	case "pubsub":
		if c.Grid.PubSub.ProjectID == "" || c.Grid.PubSub.TopicID == "" {
			return fmt.Errorf("grid.pubsub.project_id and grid.pubsub.topic_id must be set for pubsub transport")
		}
	default:
		return fmt.Errorf("grid.transport must be local or pubsub, got %q", c.Grid.Transport)
	}
	if c.Crawl.Name == "" {
		return fmt.Errorf("crawl.name must be set")
	}
	if c.Crawl.Threads <= 0 {
		return fmt.Errorf("crawl.threads must be > 0")
	}
	switch strings.ToUpper(c.Crawl.Orphans) {
	case "", "IGNORE", "PROCESS", "DELETE":
	default:
		return fmt.Errorf("crawl.orphans must be IGNORE, PROCESS or DELETE, got %q", c.Crawl.Orphans)
	}
	for _, kind := range c.Crawl.StopOnErrors {
		switch kind {
		case "fetch", "status":
		default:
			return fmt.Errorf("crawl.stop_on_errors: unknown error kind %q", kind)
		}
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.Attempts < 1 {
		return fmt.Errorf("fetch.attempts must be >= 1")
	}
	switch c.Fetch.RobotsFallback {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("fetch.robots_fallback: unknown fallback %q", c.Fetch.RobotsFallback)
	}
	for key, name := range map[string]string{
		"dedup.metadata_checksummer": c.Dedup.MetadataChecksummer,
		"dedup.document_checksummer": c.Dedup.DocumentChecksummer,
	} {
		switch name {
		case "", "sha256", "xxh3":
		default:
			return fmt.Errorf("%s: unknown checksummer %q", key, name)
		}
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
