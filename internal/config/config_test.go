package config

import (
	"os"
	"path/filepath"
	"testing"

	"franz/internal/action"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBothBackends(t *testing.T) {
	cfg := Default()
	cfg.Physical.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("sandbox and physical together must be rejected")
	}
}

func TestValidateRejectsNoBackend(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.Active = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("a config with no backend must be rejected")
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown provider must be rejected")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Capture.Width != 512 || cfg.Capture.Height != 288 {
		t.Fatalf("capture defaults = %dx%d", cfg.Capture.Width, cfg.Capture.Height)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Loop.DelayMS = 250
	cfg.Model.Name = "custom-model"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Loop.DelayMS != 250 || loaded.Model.Name != "custom-model" {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestLoadFillsPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"model":{"name":"other"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "other" {
		t.Fatalf("model name = %q", cfg.Model.Name)
	}
	if cfg.State.File == "" || cfg.Sandbox.Dir == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestEnabledKinds(t *testing.T) {
	var tools ToolsConfig
	if m := tools.EnabledKinds(); len(m) != 0 {
		t.Fatalf("zero value must gate nothing, got %v", m)
	}

	off := false
	tools.Drag = &off
	m := tools.EnabledKinds()
	if on, ok := m[action.KindDrag]; !ok || on {
		t.Fatalf("drag gate = %v ok=%v", on, ok)
	}
	if _, ok := m[action.KindLeftClick]; ok {
		t.Fatal("unset gates must stay absent")
	}
}
