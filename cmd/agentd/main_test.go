package main

import (
	"os"
	"testing"

	"github.com/nestbox/agentd/internal/config"
)

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	if err := writeDefaultConfig(dir); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("config still reports genesis needed")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q, want info", cfg.LogLevel)
	}
	if cfg.HeartbeatTimeoutSeconds != 300 {
		t.Fatalf("heartbeat_timeout_seconds = %d, want 300", cfg.HeartbeatTimeoutSeconds)
	}
	if !cfg.PluginWatch {
		t.Fatal("plugin_watch should default true")
	}
}

func TestWriteDefaultConfigUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	if err := writeDefaultConfig(dir); err == nil {
		t.Fatal("expected write error")
	}
}
