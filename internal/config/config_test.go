package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/ticketd/internal/models"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7466" {
		t.Errorf("Expected default listen address, got %s", cfg.Listen)
	}
	if cfg.WIPCaps[models.WIPCodeExec] != 1 {
		t.Errorf("Expected code_exec cap 1, got %d", cfg.WIPCaps[models.WIPCodeExec])
	}
	if cfg.Reaper.Enabled {
		t.Error("Reaper should be disabled by default")
	}
}

func TestLoad_OverridesMergePerClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: 0.0.0.0:9000
operator: matt
wip_caps:
  web_calls: 7
reaper:
  enabled: true
  schedule: "@every 30s"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Expected listen override, got %s", cfg.Listen)
	}
	if cfg.Operator != "matt" {
		t.Errorf("Expected operator matt, got %s", cfg.Operator)
	}
	if cfg.WIPCaps[models.WIPWebCalls] != 7 {
		t.Errorf("Expected web_calls 7, got %d", cfg.WIPCaps[models.WIPWebCalls])
	}
	if cfg.WIPCaps[models.WIPGeneral] != 5 {
		t.Errorf("Unlisted classes should keep defaults, got general=%d", cfg.WIPCaps[models.WIPGeneral])
	}
	if !cfg.Reaper.Enabled || cfg.Reaper.Schedule != "@every 30s" {
		t.Errorf("Unexpected reaper config: %+v", cfg.Reaper)
	}
}

func TestLoad_RejectsUnknownClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("wip_caps:\n  gpu: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for unknown wip class")
	}
}

func TestLoad_RejectsNonPositiveCaps(t *testing.T) {
	for _, limit := range []string{"0", "-1"} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("wip_caps:\n  code_exec: "+limit+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("Expected error for code_exec cap %s", limit)
		}
	}
}
