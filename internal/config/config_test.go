package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
source:
  base_url: https://search.example.com/search
  query_param: q
  max_per_section: 7
browser:
  max_tabs: 3
  usage_ceiling: 10
extract:
  min_content_len: 150
  forum_min_len: 30
runner:
  concurrency: 8
  global_timeout_minutes: 20
scoring:
  relevance_threshold: 0.8
archive:
  backend: local
  local_dir: /tmp/archive
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Source.QueryParam != "q" || cfg.Source.MaxPerSection != 7 {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if cfg.Browser.MaxTabs != 3 || cfg.Browser.UsageCeiling != 10 {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Extract.MinContentLen != 150 || cfg.Extract.ForumMinLen != 30 {
		t.Fatalf("expected extract overrides to apply: %+v", cfg.Extract)
	}
	if cfg.Scoring.RelevanceThreshold != 0.8 {
		t.Fatalf("expected scoring override, got %v", cfg.Scoring.RelevanceThreshold)
	}
	// Untouched keys keep their defaults.
	if cfg.Runner.ExtractTimeoutSeconds != 45 {
		t.Fatalf("expected default extract timeout, got %d", cfg.Runner.ExtractTimeoutSeconds)
	}
	if got := cfg.GlobalTimeout(); got != 20*time.Minute {
		t.Fatalf("expected global timeout 20m, got %v", got)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runner.Concurrency != 5 {
		t.Fatalf("expected default concurrency 5, got %d", cfg.Runner.Concurrency)
	}
	if cfg.Scoring.RelevanceThreshold != 0.72 {
		t.Fatalf("expected default relevance threshold, got %v", cfg.Scoring.RelevanceThreshold)
	}
	if cfg.Browser.UsageCeiling != 20 {
		t.Fatalf("expected default usage ceiling 20, got %d", cfg.Browser.UsageCeiling)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Source: SourceConfig{BaseURL: "https://search.example.com"},
		Runner: RunnerConfig{Concurrency: 5, GlobalTimeoutMinutes: 10},
		Scoring: ScoringConfig{
			RelevanceThreshold: 0.72,
		},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing source url",
			cfg: func() Config {
				c := base
				c.Source.BaseURL = ""
				return c
			}(),
			want: "source.base_url",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Runner.Concurrency = 0
				return c
			}(),
			want: "runner.concurrency",
		},
		{
			name: "invalid relevance threshold",
			cfg: func() Config {
				c := base
				c.Scoring.RelevanceThreshold = 1.5
				return c
			}(),
			want: "scoring.relevance_threshold",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "gcs backend missing bucket",
			cfg: func() Config {
				c := base
				c.Archive.Backend = "gcs"
				return c
			}(),
			want: "archive.gcs_bucket",
		},
		{
			name: "unknown archive backend",
			cfg: func() Config {
				c := base
				c.Archive.Backend = "s3"
				return c
			}(),
			want: "archive.backend",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
