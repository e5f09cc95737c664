package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scottpeterman/gosnmpscan/pkg/config"
	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// validConfig returns a Config that passes Validate().
func validConfig() *config.Config {
	cfg := config.Default()
	cfg.Targets = []string{"10.0.0.0/24"}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no targets", func(c *config.Config) { c.Targets = nil }, "no targets given"},
		{"bad port", func(c *config.Config) { c.Ports = []int{161, 70000} }, "port 70000 out of range"},
		{"no credentials", func(c *config.Config) { c.Credentials = scanner.Credentials{} }, "invalid credentials"},
		{"zero tcp timeout", func(c *config.Config) { c.Timeouts.TCP = 0 }, "timeouts.tcp must be positive"},
		{"negative grace", func(c *config.Config) { c.Timeouts.Grace = -time.Second }, "timeouts.grace cannot be negative"},
		{"retries too high", func(c *config.Config) { c.Retries = 9 }, "retries must be between 0 and 5"},
		{"zero concurrency", func(c *config.Config) { c.Concurrency = 0 }, "concurrency must be between 1 and 1024"},
		{"unknown format", func(c *config.Config) { c.Output.Format = "xml" }, "output.format must be one of"},
		{"bad log level", func(c *config.Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad amqp url", func(c *config.Config) { c.Sinks.AMQP.URL = "http://broker" }, "sinks.amqp.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got: %v", tt.want, err)
			}
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Targets = nil
		cfg.Concurrency = -1
		cfg.Output.Format = ""
		var verr *config.ValidationError
		if err := cfg.Validate(); !errors.As(err, &verr) || len(verr.Problems) != 3 {
			t.Errorf("expected 3 problems, got: %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("empty path gives defaults", func(t *testing.T) {
		cfg, err := config.Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Concurrency != 50 || cfg.Timeouts.TCP != 2*time.Second || len(cfg.Ports) != 3 {
			t.Errorf("defaults not applied: %+v", cfg)
		}
	})

	t.Run("document overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scan.yaml")
		doc := `
targets: [10.1.0.0/30, core-sw1]
ports: [161]
credentials:
  v3:
    username: netops
    auth_protocol: SHA
    auth_key: authpass1
  communities: [private, public]
timeouts:
  tcp: 500ms
  snmp: 2s
concurrency: 10
output:
  format: jsonl
  raw: true
sinks:
  valkey:
    address: 127.0.0.1:6379
    ttl: 1m
`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if cfg.Timeouts.TCP != 500*time.Millisecond || cfg.Timeouts.Grace != 5*time.Second {
			t.Errorf("timeouts = %+v", cfg.Timeouts)
		}
		if cfg.Credentials.V3 == nil || cfg.Credentials.V3.Username != "netops" || cfg.Credentials.Communities[0] != "private" {
			t.Errorf("credentials = %+v", cfg.Credentials)
		}
		if cfg.Output.Format != "jsonl" || !cfg.Output.Raw || cfg.Sinks.Valkey.TTL != time.Minute {
			t.Errorf("output/sinks = %+v %+v", cfg.Output, cfg.Sinks)
		}
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scan.yaml")
		if err := os.WriteFile(path, []byte("concurency: 10\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := config.Load(path); err == nil {
			t.Error("expected error for misspelled key")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestTargetCeiling(t *testing.T) {
	cfg := validConfig()
	cfg.Timeouts = config.Timeouts{TCP: 2 * time.Second, SNMP: 3 * time.Second}
	cfg.Retries = 1
	cfg.Credentials = scanner.Credentials{Communities: []string{"public", "private"}}

	// 2s tcp + (2 attempts + 8 collection rounds) x 6s + 2s margin
	if got, want := cfg.TargetCeiling(), 64*time.Second; got != want {
		t.Errorf("TargetCeiling() = %s, want %s", got, want)
	}

	cfg.Timeouts.Target = 15 * time.Second
	if got := cfg.TargetCeiling(); got != 15*time.Second {
		t.Errorf("explicit ceiling ignored: %s", got)
	}

	opts := cfg.OrchestratorOptions(nil)
	if opts.TargetTimeout != 15*time.Second || opts.Concurrency != cfg.Concurrency {
		t.Errorf("options = %+v", opts)
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, err := config.Load("../../config/scan.example.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if cfg.Credentials.V3 == nil || cfg.Credentials.V3.Username != "netops" {
		t.Errorf("v3 = %+v", cfg.Credentials.V3)
	}
	if got := len(cfg.Credentials.Attempts()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if cfg.Sinks.SQLite != "data/devices.db" || cfg.Timeouts.Grace != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}
