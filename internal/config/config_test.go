package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.CAN != want.CAN || cfg.J1939 != want.J1939 {
		t.Fatalf("Load(missing) = %+v, want Default()", cfg)
	}
}

func TestLoadMergesOverFileFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"can":{"interface":"can1","backend":"nativelinux","bitrate":500000}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CAN.Interface != "can1" || cfg.CAN.Backend != "nativelinux" || cfg.CAN.Bitrate != 500000 {
		t.Fatalf("CAN config = %+v", cfg.CAN)
	}
	if !cfg.J1939.Enabled {
		t.Fatal("J1939.Enabled should still be the default true")
	}
}

func TestLoadPreservesUnknownKeysInOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"experimental":{"foo":"bar"}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.Overflow["experimental"]; !ok {
		t.Fatalf("Overflow = %v, want an \"experimental\" entry", cfg.Overflow)
	}
}

func TestApplyOverrideSetsNestedScalar(t *testing.T) {
	cfg := Default()
	if err := ApplyOverride(&cfg, "can.interface=can2"); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	if cfg.CAN.Interface != "can2" {
		t.Fatalf("CAN.Interface = %q, want can2", cfg.CAN.Interface)
	}
}

func TestApplyOverrideParsesBoolAndNumber(t *testing.T) {
	cfg := Default()
	if err := ApplyOverride(&cfg, "mqtt.enabled=true"); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	if !cfg.MQTT.Enabled {
		t.Fatal("MQTT.Enabled = false, want true")
	}

	if err := ApplyOverride(&cfg, "can.bitrate=125000"); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	if cfg.CAN.Bitrate != 125000 {
		t.Fatalf("CAN.Bitrate = %d, want 125000", cfg.CAN.Bitrate)
	}
}

func TestApplyOverrideRejectsMissingEquals(t *testing.T) {
	cfg := Default()
	if err := ApplyOverride(&cfg, "can.interface"); err == nil {
		t.Fatal("expected an error for an override with no '='")
	}
}
