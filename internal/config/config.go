// Package config loads the bridge's top-level configuration document.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// KernelConfig locates the interpreter connection file.
type KernelConfig struct {
	ConnectionFile string `toml:"connection_file"`
}

// InspectionServerConfig addresses the inspection server.
type InspectionServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// TunnelConfig forwards kernel channel ports over SSH for remote kernels.
type TunnelConfig struct {
	Enabled        bool   `toml:"enabled"`
	Addr           string `toml:"addr"`
	User           string `toml:"user"`
	PrivateKeyFile string `toml:"private_key_file"`
	KnownHostsFile string `toml:"known_hosts_file"`
}

// BridgeConfig is the top-level document: a master switch, the kernel
// descriptor location, the inspection server address, and the policy file.
type BridgeConfig struct {
	Enabled          bool                   `toml:"enabled"`
	Debug            bool                   `toml:"debug"`
	PolicyFile       string                 `toml:"policy_file"`
	Kernel           KernelConfig           `toml:"kernel"`
	InspectionServer InspectionServerConfig `toml:"inspection_server"`
	Tunnel           TunnelConfig           `toml:"tunnel"`
}

// LoadBridgeConfig reads, defaults, and validates the document at path.
func LoadBridgeConfig(path string) (BridgeConfig, error) {
	var cfg BridgeConfig
	if err := loadToml(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.InspectionServer.Host == "" {
		cfg.InspectionServer.Host = "127.0.0.1"
	}
	if cfg.InspectionServer.Port == 0 {
		cfg.InspectionServer.Port = 8900
	}
	if err := ValidateBridgeConfig(cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidateBridgeConfig checks the fields an enabled bridge cannot run
// without. A disabled bridge is valid regardless of the rest.
func ValidateBridgeConfig(cfg BridgeConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Kernel.ConnectionFile) == "" {
		return fmt.Errorf("bridge config missing kernel.connection_file")
	}
	if strings.TrimSpace(cfg.PolicyFile) == "" {
		return fmt.Errorf("bridge config missing policy_file")
	}
	if strings.TrimSpace(cfg.InspectionServer.Host) == "" {
		return fmt.Errorf("bridge config missing inspection_server.host")
	}
	if cfg.InspectionServer.Port <= 0 || cfg.InspectionServer.Port > 65535 {
		return fmt.Errorf("bridge config inspection_server.port out of range: %d", cfg.InspectionServer.Port)
	}
	if cfg.Tunnel.Enabled {
		if strings.TrimSpace(cfg.Tunnel.Addr) == "" {
			return fmt.Errorf("bridge config tunnel enabled without addr")
		}
		if strings.TrimSpace(cfg.Tunnel.User) == "" {
			return fmt.Errorf("bridge config tunnel enabled without user")
		}
	}
	return nil
}
