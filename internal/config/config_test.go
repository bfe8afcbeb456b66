package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.toml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadBridgeConfig(t *testing.T) {
	path := writeConfig(t, `
enabled = true
debug = true
policy_file = "/etc/kernelpeek/policies.toml"

[kernel]
connection_file = "/run/kernel-1234.json"

[inspection_server]
host = "10.0.0.5"
port = 9100
`)
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Enabled || !cfg.Debug {
		t.Fatalf("switches not parsed: %+v", cfg)
	}
	if cfg.Kernel.ConnectionFile != "/run/kernel-1234.json" {
		t.Fatalf("kernel block not parsed: %+v", cfg.Kernel)
	}
	if cfg.InspectionServer.Host != "10.0.0.5" || cfg.InspectionServer.Port != 9100 {
		t.Fatalf("inspection server block not parsed: %+v", cfg.InspectionServer)
	}
}

func TestLoadBridgeConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
enabled = true
policy_file = "policies.toml"

[kernel]
connection_file = "kernel.json"
`)
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InspectionServer.Host != "127.0.0.1" || cfg.InspectionServer.Port != 8900 {
		t.Fatalf("defaults not applied: %+v", cfg.InspectionServer)
	}
}

func TestDisabledBridgeSkipsValidation(t *testing.T) {
	path := writeConfig(t, "enabled = false\n")
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("disabled config rejected: %v", err)
	}
	if cfg.Enabled {
		t.Fatal("enabled flag misparsed")
	}
}

func TestEnabledBridgeRequiresCoreFields(t *testing.T) {
	path := writeConfig(t, "enabled = true\n")
	if _, err := LoadBridgeConfig(path); err == nil || !strings.Contains(err.Error(), "connection_file") {
		t.Fatalf("expected missing connection_file error, got %v", err)
	}

	path = writeConfig(t, `
enabled = true
[kernel]
connection_file = "kernel.json"
`)
	if _, err := LoadBridgeConfig(path); err == nil || !strings.Contains(err.Error(), "policy_file") {
		t.Fatalf("expected missing policy_file error, got %v", err)
	}
}

func TestTunnelValidation(t *testing.T) {
	path := writeConfig(t, `
enabled = true
policy_file = "policies.toml"

[kernel]
connection_file = "kernel.json"

[tunnel]
enabled = true
addr = "bastion:22"
`)
	if _, err := LoadBridgeConfig(path); err == nil || !strings.Contains(err.Error(), "user") {
		t.Fatalf("expected missing tunnel user error, got %v", err)
	}
}
