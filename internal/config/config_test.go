package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Cache.Type != "memory" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected backends: %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if cfg.Decision.HighThreshold != 0.8 || cfg.Decision.MediumThreshold != 0.5 {
		t.Errorf("unexpected decision thresholds: %+v", cfg.Decision)
	}
	if cfg.Cache.PredictionTTL != 30*time.Minute {
		t.Errorf("expected 30m prediction ttl, got %v", cfg.Cache.PredictionTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_SERVER_PORT", "9191")
	t.Setenv("KESTREL_MODEL_TEST_FRACTION", "0.3")
	t.Setenv("KESTREL_CACHE_PREDICTION_TTL", "5m")
	t.Setenv("KESTREL_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("expected port 9191, got %d", cfg.Server.Port)
	}
	if cfg.Model.TestFraction != 0.3 {
		t.Errorf("expected test fraction 0.3, got %v", cfg.Model.TestFraction)
	}
	if cfg.Cache.PredictionTTL != 5*time.Minute {
		t.Errorf("expected 5m, got %v", cfg.Cache.PredictionTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("KESTREL_REPOSITORY_POSTGRES_HOST", "db.internal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierPro {
		t.Errorf("expected pro tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if cfg.Repository.PostgresHost != "db.internal" {
		t.Errorf("expected env override of postgres host, got %s", cfg.Repository.PostgresHost)
	}
	if !cfg.Worker.Enabled {
		t.Error("expected worker enabled in pro tier")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	content := `
server:
  port: 7070
rules:
  threshold: 0.35
repository:
  sqlite_path: /var/lib/kestrel/kestrel.db
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Rules.Threshold != 0.35 {
		t.Errorf("expected threshold 0.35, got %v", cfg.Rules.Threshold)
	}
	if cfg.Repository.SQLitePath != "/var/lib/kestrel/kestrel.db" {
		t.Errorf("unexpected sqlite path %s", cfg.Repository.SQLitePath)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host to survive, got %s", cfg.Server.Host)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"PortZero", func(c *domain.Config) { c.Server.Port = 0 }},
		{"PortTooLarge", func(c *domain.Config) { c.Server.Port = 70000 }},
		{"UnknownTier", func(c *domain.Config) { c.Tier = "enterprise" }},
		{"TestFractionZero", func(c *domain.Config) { c.Model.TestFraction = 0 }},
		{"TestFractionOne", func(c *domain.Config) { c.Model.TestFraction = 1 }},
		{"RuleThreshold", func(c *domain.Config) { c.Rules.Threshold = 1.2 }},
		{"NegativeML", func(c *domain.Config) { c.Decision.MLThreshold = -0.1 }},
		{"TiersInverted", func(c *domain.Config) { c.Decision.MediumThreshold = 0.9 }},
		{"Driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }},
		{"Cache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"Bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }},
		{"LogFormat", func(c *domain.Config) { c.Logging.Format = "xml" }},
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if err := Validate(domain.ProConfig()); err != nil {
		t.Fatalf("pro config should validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	NewLogger(&buf, domain.LoggingConfig{Level: "warn", Format: "json"}).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	NewLogger(&buf, domain.LoggingConfig{Level: "info", Format: "json"}).Info("shown", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected JSON record, got %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, domain.LoggingConfig{Level: "debug", Format: "text"}).Debug("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("expected text record, got %q", buf.String())
	}
}
