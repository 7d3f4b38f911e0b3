package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Store.Path != "data/sminos.db" {
		t.Errorf("expected store path data/sminos.db, got %s", cfg.Store.Path)
	}
	if cfg.Bus.MaxHistory != 1000 {
		t.Errorf("expected bus history 1000, got %d", cfg.Bus.MaxHistory)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("SMINOS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	t.Setenv("SMINOS_ORACLE_MODEL", "gpt-4o")
	t.Setenv("SMINOS_STORE_PATH", "/tmp/other.db")
	t.Setenv("SMINOS_BROKER_URL", "nats://broker:4222")
	t.Setenv("SMINOS_BUS_HISTORY", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Oracle.APIKey != "sk-test-key" {
		t.Errorf("expected api key sk-test-key, got %s", cfg.Oracle.APIKey)
	}
	if cfg.Oracle.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", cfg.Oracle.Model)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("expected store path /tmp/other.db, got %s", cfg.Store.Path)
	}
	if cfg.Broker.URL != "nats://broker:4222" {
		t.Errorf("expected broker url nats://broker:4222, got %s", cfg.Broker.URL)
	}
	if cfg.Bus.MaxHistory != 50 {
		t.Errorf("expected bus history 50, got %d", cfg.Bus.MaxHistory)
	}
}

func TestLoadFromFileWithExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sminos.yaml")

	content := `
oracle:
  api_key: ${TEST_ORACLE_KEY}
  model: gpt-4o-mini
store:
  path: ` + dir + `/sminos.db
swarms:
  - id: research
    name: Research Swarm
    agents:
      - agent_id: searcher
        name: Searcher
        role: search
        subscriptions:
          - pattern: task.search
            priority: 5
            active: true
    triggers:
      - id: hourly
        kind: schedule
        active: true
        schedule: "0 * * * *"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SMINOS_CONFIG", path)
	t.Setenv("TEST_ORACLE_KEY", "sk-expanded")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Oracle.APIKey != "sk-expanded" {
		t.Errorf("expected expanded api key, got %s", cfg.Oracle.APIKey)
	}
	if len(cfg.Swarms) != 1 {
		t.Fatalf("expected 1 swarm, got %d", len(cfg.Swarms))
	}

	sw := cfg.Swarms[0]
	if sw.ID != "research" || len(sw.Agents) != 1 {
		t.Errorf("swarm = %+v", sw)
	}
	// Load normalizes definitions.
	if sw.Master.MaxIterations == 0 || sw.Agents[0].MinInstances == 0 {
		t.Errorf("swarm not normalized: %+v", sw)
	}
}

func TestLoadRejectsInvalidSwarm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sminos.yaml")

	content := `
swarms:
  - id: broken
    name: Broken
    agents:
      - agent_id: worker
        name: Worker
        subscriptions:
          - pattern: task.work
            active: true
    triggers:
      - id: bad
        kind: schedule
        active: true
        schedule: "not a cron"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SMINOS_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
