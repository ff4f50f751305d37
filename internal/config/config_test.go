package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadCoordinatorFromEnvOverridesDefaults(t *testing.T) {
	os.Setenv("MARATHON_COORDINATOR_ADDR", ":9999")
	os.Setenv("MARATHON_STALE_TIMEOUT", "45s")
	defer os.Unsetenv("MARATHON_COORDINATOR_ADDR")
	defer os.Unsetenv("MARATHON_STALE_TIMEOUT")

	cfg := DefaultCoordinatorConfig()
	LoadCoordinatorFromEnv(cfg)

	if cfg.ListenAddr != ":9999" {
		t.Fatalf("got %q, want :9999", cfg.ListenAddr)
	}
	if cfg.StaleTimeout != 45*time.Second {
		t.Fatalf("got %v, want 45s", cfg.StaleTimeout)
	}
}

func TestLoadNodeFromFileOverridesPartially(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "node-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"node_id": "node-7", "pool": {"warm_pool_target": 10}}`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := LoadNodeFromFile(f.Name())
	if err != nil {
		t.Fatalf("LoadNodeFromFile: %v", err)
	}
	if cfg.NodeID != "node-7" {
		t.Fatalf("got %q, want node-7", cfg.NodeID)
	}
	if cfg.Pool.WarmPoolTarget != 10 {
		t.Fatalf("got %d, want 10", cfg.Pool.WarmPoolTarget)
	}
	// Untouched fields should keep their defaults.
	if cfg.CoordinatorAddr != "localhost:7700" {
		t.Fatalf("got %q, want default localhost:7700", cfg.CoordinatorAddr)
	}
}
