package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", `
data_dir: /tmp/kazi-test
store:
  driver: sqlite
orchestrator:
  max_retries: 3
  task_timeout_seconds: 600
gateway:
  http:
    enabled: true
    listen_addr: ":9090"
    api_key_user_mapping:
      sk-test: ops
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.StoreDriver() != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Store.StoreDriver())
	}
	if got := cfg.Orchestrator.TaskTimeout().Minutes(); got != 10 {
		t.Errorf("task timeout = %v min, want 10", got)
	}
	if cfg.Gateway.HTTP.Addr() != ":9090" {
		t.Errorf("addr = %q", cfg.Gateway.HTTP.Addr())
	}
	if cfg.Gateway.HTTP.APIKeyUserMapping["sk-test"] != "ops" {
		t.Error("api key mapping not loaded")
	}
	if cfg.DatabasePath() != filepath.Join("/tmp/kazi-test", "kazi.db") {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", "data_dir: /tmp/kazi-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.StoreDriver() != "memory" {
		t.Errorf("driver = %q, want memory", cfg.Store.StoreDriver())
	}
	if cfg.Orchestrator.TickInterval().Milliseconds() != 100 {
		t.Errorf("tick = %v", cfg.Orchestrator.TickInterval())
	}
	if cfg.Heartbeat.TTL().Seconds() != 30 {
		t.Errorf("heartbeat ttl = %v", cfg.Heartbeat.TTL())
	}
	if cfg.Sweeps.StuckScanSpec() != "@every 1m" {
		t.Errorf("stuck scan spec = %q", cfg.Sweeps.StuckScanSpec())
	}
	if cfg.Gateway.WebSocket.WSPath() != "/ws/agents" {
		t.Errorf("ws path = %q", cfg.Gateway.WebSocket.WSPath())
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", `
data_dir: /tmp/kazi-test
store:
  driver: cassandra
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", `
data_dir: /tmp/kazi-test
store:
  driver: postgres
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KAZI_MESSAGING_SECRET", "env-secret")
	t.Setenv("KAZI_AGENT_TOKEN", "env-token")

	path := writeConfig(t, "kazi.yaml", `
data_dir: /tmp/kazi-test
messaging_secret: file-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MessagingSecret != "env-secret" {
		t.Errorf("secret = %q, want env override", cfg.MessagingSecret)
	}
	if cfg.Gateway.WebSocket.AgentToken != "env-token" {
		t.Errorf("agent token = %q, want env override", cfg.Gateway.WebSocket.AgentToken)
	}
}

func TestLoadHTTPRequiresAPIKeys(t *testing.T) {
	path := writeConfig(t, "kazi.yaml", `
data_dir: /tmp/kazi-test
gateway:
  http:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for enabled http gateway without api keys")
	}
}
