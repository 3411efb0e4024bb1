package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

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
	if cfg.Network.Timeout != 2*time.Second {
		t.Errorf("expected 2s network timeout, got %s", cfg.Network.Timeout)
	}
	if cfg.Alerts.Floor != domain.RiskMedium {
		t.Errorf("expected MEDIUM floor, got %s", cfg.Alerts.Floor)
	}
	if w := cfg.Scoring.FactorWeights[domain.FactorAmount]; w != 0.20 {
		t.Errorf("expected amount weight 0.20, got %v", w)
	}
	if len(cfg.Signals.BundledPairs) == 0 {
		t.Error("expected default bundled pairs")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
network:
  maxnodes: 50
  timeout: 500ms
alerts:
  floor: HIGH
worker:
  tenants: [acme, globex]
models:
  timeout: 1s
  endpoints:
    - id: gbm
      transport: http
      url: http://models:8000/predict
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Network.MaxNodes != 50 || cfg.Network.Timeout != 500*time.Millisecond {
		t.Errorf("unexpected network config %+v", cfg.Network)
	}
	if cfg.Network.MaxDepth != 2 {
		t.Errorf("expected default depth to survive, got %d", cfg.Network.MaxDepth)
	}
	if cfg.Alerts.Floor != domain.RiskHigh {
		t.Errorf("expected HIGH floor, got %s", cfg.Alerts.Floor)
	}
	if len(cfg.Worker.Tenants) != 2 || cfg.Worker.Tenants[1] != "globex" {
		t.Errorf("unexpected tenants %v", cfg.Worker.Tenants)
	}
	if len(cfg.Models.Endpoints) != 1 || cfg.Models.Endpoints[0].URL != "http://models:8000/predict" {
		t.Errorf("unexpected model endpoints %+v", cfg.Models.Endpoints)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\n")
	t.Setenv("KESTREL_SERVER_PORT", "7070")
	t.Setenv("KESTREL_LOGGING_LEVEL", "debug")
	t.Setenv("KESTREL_BEHAVIOR_CACHETTL", "90s")
	t.Setenv("KESTREL_CONFIG", path)

	cfg, err := Load(FileFromEnv())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env to win with port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Behavior.CacheTTL != 90*time.Second {
		t.Errorf("expected 90s cache TTL, got %s", cfg.Behavior.CacheTTL)
	}
}

func TestProTier(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Repository.Driver)
	}
	if cfg.Cache.Type != "redis" || !cfg.Cache.EnableTwoPhase {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("expected nats, got %s", cfg.EventBus.Type)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingNamedFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for a missing named file")
		}
	})

	t.Run("UnknownTier", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("KESTREL_TIER", "enterprise")
		_, err := Load("")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("InvalidValue", func(t *testing.T) {
		path := writeFile(t, "alerts:\n  floor: SEVERE\n")
		_, err := Load(path)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if !strings.Contains(err.Error(), "alerts.floor") {
			t.Errorf("expected the field to be named, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		want   string
	}{
		{"Valid", func(*domain.Config) {}, ""},
		{"BadDriver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, "repository.driver"},
		{"KafkaWithoutBrokers", func(c *domain.Config) { c.Notifier.Type = "kafka" }, "notifier.kafkabrokers"},
		{"WebhookWithoutURL", func(c *domain.Config) { c.Notifier.Type = "webhook" }, "notifier.webhookurl"},
		{"RedisWithoutAddr", func(c *domain.Config) { c.Cache.Type = "redis" }, "cache.redisaddr"},
		{"ZeroWeights", func(c *domain.Config) {
			for k := range c.Scoring.FactorWeights {
				c.Scoring.FactorWeights[k] = 0
			}
		}, "factorweights"},
		{"DuplicateModel", func(c *domain.Config) {
			c.Models.Endpoints = []domain.ModelConfig{
				{ID: "m1", Transport: "bus"},
				{ID: "m1", Transport: "bus"},
			}
		}, "duplicate id"},
		{"HTTPModelWithoutURL", func(c *domain.Config) {
			c.Models.Endpoints = []domain.ModelConfig{{ID: "m1", Transport: "http"}}
		}, "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Errorf("expected valid config, got %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
		})
	}
}
