package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"kernelpeek/internal/server"
)

// peekd config.toml key mapping to inspection server settings.
type fileConfig struct {
	Host         string            `toml:"host"`
	Port         int               `toml:"port"`
	CorsOrigins  []string          `toml:"cors_origins"`
	MaxInspectMs int               `toml:"max_inspect_ms"`
	TypeBindings map[string]string `toml:"type_bindings"`
}

// loadServerConfig overlays the file's defined keys onto the defaults.
func loadServerConfig(path string) (server.Config, map[string]string, error) {
	cfg := server.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.Config{}, nil, fmt.Errorf("load peekd config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("max_inspect_ms") {
		if raw.MaxInspectMs <= 0 {
			return server.Config{}, nil, fmt.Errorf("load peekd config: max_inspect_ms must be positive, have %d", raw.MaxInspectMs)
		}
		cfg.MaxInspectTime = time.Duration(raw.MaxInspectMs) * time.Millisecond
	}
	return cfg, raw.TypeBindings, nil
}
