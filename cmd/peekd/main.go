package main

import (
	"flag"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"kernelpeek/internal/observability"
	"kernelpeek/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to peekd config.toml (optional)")
	host := flag.String("host", "", "listen host, overrides config")
	port := flag.Int("port", 0, "listen port, overrides config")
	flag.Parse()

	observability.InitLogger("peekd")

	cfg := server.DefaultConfig()
	var bindings map[string]string
	if *configPath != "" {
		loaded, fileBindings, err := loadServerConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load peekd config")
		}
		cfg = loaded
		bindings = fileBindings
		log.Info().Str("path", *configPath).Msg("loaded peekd config")
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	srv := server.New(cfg)
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, typeName := range names {
		if err := srv.Registry().Bind(typeName, bindings[typeName]); err != nil {
			log.Fatal().Err(err).Str("type", typeName).Msg("invalid type binding")
		}
	}

	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("peekd started")
	if err := srv.Serve(); err != nil {
		log.Error().Err(err).Msg("peekd stopped")
		os.Exit(1)
	}
}
