package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Index.LeafSlots != 128 || cfg.Session.Separator != "********************" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adlog.yaml")
	yaml := `
log:
  path: /data/clicks.tsv
index:
  leafSlots: 16
  innerSlots: 8
  buildWorkers: 4
query:
  fetchWorkers: 2
session:
  timing: true
redis:
  enabled: true
  cacheTTL: 90s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AL_LOG_PATH", "/override.tsv")
	t.Setenv("AL_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Path != "/override.tsv" {
		t.Errorf("log path = %q", cfg.Log.Path)
	}
	if cfg.Index.LeafSlots != 16 || cfg.Index.InnerSlots != 8 || cfg.Index.BuildWorkers != 4 {
		t.Errorf("index = %+v", cfg.Index)
	}
	if cfg.Query.FetchWorkers != 2 || cfg.Query.ProfitWorkers != 8 {
		t.Errorf("query = %+v", cfg.Query)
	}
	if !cfg.Session.Timing || !cfg.Redis.Enabled || cfg.Redis.CacheTTL != 90*time.Second {
		t.Errorf("session/redis = %+v %+v", cfg.Session, cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"defaults", func(*Config) {}, ""},
		{"small leaf", func(c *Config) { c.Index.LeafSlots = 3 }, "slots"},
		{"small inner", func(c *Config) { c.Index.InnerSlots = 2 }, "slots"},
		{"no build workers", func(c *Config) { c.Index.BuildWorkers = 0 }, "buildWorkers"},
		{"no profit workers", func(c *Config) { c.Query.ProfitWorkers = 0 }, "workers"},
		{"negative threshold", func(c *Config) { c.Query.ParallelThreshold = -1 }, "parallelThreshold"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, "brokers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("err = %v, want mention of %q", err, tt.errSub)
			}
		})
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("index: [unterminated"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("invalid yaml should fail")
	}
}

func TestDSN(t *testing.T) {
	dsn := Default().Postgres.DSN()
	for _, want := range []string{"host=localhost", "port=5432", "dbname=adlog", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}
