package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "ragol" {
		t.Fatalf("server name %q", cfg.ServerName)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("ping interval %v", cfg.PingInterval)
	}
	if cfg.ProtoPolicy != ProtoTemporary {
		t.Fatalf("proto policy %q", cfg.ProtoPolicy)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server_name: test-ship
game_port: 12000
cheat_mode: "on"
proxy_upstreams:
  GC:
    host: 10.0.0.5
    port: 9103
drop_modes:
  v4/normal:
    default: server-private
    allowed: [server-private]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "test-ship" || cfg.GamePort != 12000 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.CheatMode != CheatOn {
		t.Fatalf("cheat mode %q", cfg.CheatMode)
	}
	up, ok := cfg.ProxyUpstreams["GC"]
	if !ok || up.Host != "10.0.0.5" || up.Port != 9103 {
		t.Fatalf("upstream %+v ok=%v", up, ok)
	}
	if cfg.DropModes["v4/normal"].Default != "server-private" {
		t.Fatalf("drop mode %+v", cfg.DropModes["v4/normal"])
	}
}

func TestMinLevelFor(t *testing.T) {
	cfg := Default()
	if got := cfg.MinLevelFor(1, 3); got != 80 {
		t.Fatalf("min level %d, want 80", got)
	}
	if got := cfg.MinLevelFor(4, 0); got != 0 {
		t.Fatalf("min level %d, want 0", got)
	}
}
