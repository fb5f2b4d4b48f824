package agentcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:34197" {
		t.Errorf("BindAddr = %q, want default", cfg.BindAddr)
	}
	if cfg.SamplerInterval != 5*time.Second {
		t.Errorf("SamplerInterval = %v, want 5s", cfg.SamplerInterval)
	}
	if cfg.OperationTTL != 5*time.Minute {
		t.Errorf("OperationTTL = %v, want 5m", cfg.OperationTTL)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	yaml := `
bind_addr: "0.0.0.0:9000"
root: "/srv/factorio"
log:
  level: debug
rcon:
  host: 127.0.0.1
  port: 27016
  password: secret
catalog:
  versions_url: "https://factorio.com/api/latest-releases"
sampler_interval: 10s
operation_ttl: 1m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Root != "/srv/factorio" {
		t.Errorf("Root = %q", cfg.Root)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.RCON.Port != 27016 {
		t.Errorf("RCON.Port = %d", cfg.RCON.Port)
	}
	if cfg.SamplerInterval != 10*time.Second {
		t.Errorf("SamplerInterval = %v", cfg.SamplerInterval)
	}
	if cfg.OperationTTL != time.Minute {
		t.Errorf("OperationTTL = %v", cfg.OperationTTL)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FACTORIO_AGENT_BIND_ADDR", "10.0.0.5:1234")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "10.0.0.5:1234" {
		t.Errorf("BindAddr = %q, want env override", cfg.BindAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Defaults()
	cfg.BindAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty bind_addr")
	}

	cfg = Defaults()
	cfg.RCON.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero rcon port")
	}

	cfg = Defaults()
	cfg.SamplerInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero sampler interval")
	}
}
