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
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Source  SourceConfig  `mapstructure:"source"`
	Browser BrowserConfig `mapstructure:"browser"`
	Extract ExtractConfig `mapstructure:"extract"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Scoring ScoringConfig `mapstructure:"scoring"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Volume  VolumeConfig  `mapstructure:"volume"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceConfig governs the search-result exposure source.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	QueryParam     string `mapstructure:"query_param"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxPerSection  int    `mapstructure:"max_per_section"`
}

// BrowserConfig configures the shared headless browser pool.
type BrowserConfig struct {
	MaxTabs      int     `mapstructure:"max_tabs"`
	UsageCeiling int     `mapstructure:"usage_ceiling"`
	UserAgent    string  `mapstructure:"user_agent"`
	HostQPS      float64 `mapstructure:"host_qps"`
}

// ExtractConfig tunes the tiered content extraction chain.
type ExtractConfig struct {
	MinContentLen         int `mapstructure:"min_content_len"`
	ForumMinLen           int `mapstructure:"forum_min_len"`
	HTTPFirstLen          int `mapstructure:"http_first_len"`
	BrowserTimeoutSeconds int `mapstructure:"browser_timeout_seconds"`
	HTTPTimeoutSeconds    int `mapstructure:"http_timeout_seconds"`
	AdPollTimeoutSeconds  int `mapstructure:"ad_poll_timeout_seconds"`
	OCRTimeoutSeconds     int `mapstructure:"ocr_timeout_seconds"`
}

// RunnerConfig carries the nested run budgets and the fan-out width.
type RunnerConfig struct {
	CrawlTimeoutSeconds   int `mapstructure:"crawl_timeout_seconds"`
	ExtractTimeoutSeconds int `mapstructure:"extract_timeout_seconds"`
	EmbedTimeoutSeconds   int `mapstructure:"embed_timeout_seconds"`
	GlobalTimeoutMinutes  int `mapstructure:"global_timeout_minutes"`
	Concurrency           int `mapstructure:"concurrency"`
}

// ScoringConfig tunes relevance thresholds.
type ScoringConfig struct {
	RelevanceThreshold float64 `mapstructure:"relevance_threshold"`
	RuleThreshold      float64 `mapstructure:"rule_threshold"`
	MaxEmbedChars      int     `mapstructure:"max_embed_chars"`
}

// OpenAIConfig selects models and credentials for embeddings and vision.
type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	EmbedModel  string `mapstructure:"embed_model"`
	VisionModel string `mapstructure:"vision_model"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for run-completion notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects where raw extracted content is archived.
// Backend is one of "gcs", "local", or "" (disabled).
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// VolumeConfig holds the keyword-volume API credentials. Empty keys disable
// the volume endpoint.
type VolumeConfig struct {
	AdAPIKey      string `mapstructure:"ad_api_key"`
	AdSecretKey   string `mapstructure:"ad_secret_key"`
	AdCustomerID  string `mapstructure:"ad_customer_id"`
	DataLabID     string `mapstructure:"datalab_id"`
	DataLabSecret string `mapstructure:"datalab_secret"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOV")
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
	v.SetDefault("source.base_url", "https://search.naver.com/search.naver")
	v.SetDefault("source.query_param", "query")
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("source.max_per_section", 10)
	v.SetDefault("browser.max_tabs", 5)
	v.SetDefault("browser.usage_ceiling", 20)
	v.SetDefault("browser.host_qps", 2.0)
	v.SetDefault("extract.min_content_len", 100)
	v.SetDefault("extract.forum_min_len", 20)
	v.SetDefault("extract.http_first_len", 200)
	v.SetDefault("extract.browser_timeout_seconds", 25)
	v.SetDefault("extract.http_timeout_seconds", 10)
	v.SetDefault("extract.ad_poll_timeout_seconds", 5)
	v.SetDefault("extract.ocr_timeout_seconds", 30)
	v.SetDefault("runner.crawl_timeout_seconds", 60)
	v.SetDefault("runner.extract_timeout_seconds", 45)
	v.SetDefault("runner.embed_timeout_seconds", 15)
	v.SetDefault("runner.global_timeout_minutes", 10)
	v.SetDefault("runner.concurrency", 5)
	v.SetDefault("scoring.relevance_threshold", 0.72)
	v.SetDefault("scoring.rule_threshold", 0.8)
	v.SetDefault("scoring.max_embed_chars", 8000)
	v.SetDefault("archive.prefix", "exposures")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be > 0")
	}
	if c.Runner.GlobalTimeoutMinutes <= 0 {
		return fmt.Errorf("runner.global_timeout_minutes must be > 0")
	}
	if c.Scoring.RelevanceThreshold <= 0 || c.Scoring.RelevanceThreshold >= 1 {
		return fmt.Errorf("scoring.relevance_threshold must be in (0, 1)")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Archive.Backend {
	case "", "gcs", "local":
	default:
		return fmt.Errorf("archive.backend must be one of gcs, local, or empty")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
	}
	if c.Archive.Backend == "local" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.local_dir is required for the local backend")
	}
	return nil
}

// GlobalTimeout returns the whole-run budget as a duration.
func (c Config) GlobalTimeout() time.Duration {
	return time.Duration(c.Runner.GlobalTimeoutMinutes) * time.Minute
}
