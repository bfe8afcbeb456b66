package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"kernelpeek/internal/config"
	"kernelpeek/internal/gateway"
	"kernelpeek/internal/inspect"
	"kernelpeek/internal/kernel"
	"kernelpeek/internal/observability"
	"kernelpeek/internal/policy"
)

// peekctl runs one inspection against a live kernel and prints the outcome.
// A failed outcome is a normal answer, not a command failure: only setup
// problems exit non-zero.
func main() {
	configPath := flag.String("config", "bridge.toml", "path to bridge config")
	expression := flag.String("expr", "", "expression to inspect")
	staticType := flag.String("type", "", "statically inferred type name")
	flag.Parse()

	observability.InitLogger("peekctl")

	if *expression == "" || *staticType == "" {
		fmt.Fprintln(os.Stderr, "peekctl: --expr and --type are required")
		os.Exit(2)
	}

	cfg, err := config.LoadBridgeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load bridge config")
	}
	if !cfg.Enabled {
		fmt.Fprintln(os.Stderr, "peekctl: runtime inspection is disabled in config")
		os.Exit(2)
	}

	snap, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load policy document")
	}
	store := policy.NewStore(snap)

	desc, err := kernel.LoadConnectionDescriptor(cfg.Kernel.ConnectionFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load connection descriptor")
	}

	ctx := context.Background()
	sessionCfg := kernel.DefaultConfig()
	if cfg.Tunnel.Enabled {
		sessionCfg.Tunnel = kernel.TunnelConfig{
			Enabled:        true,
			Addr:           cfg.Tunnel.Addr,
			User:           cfg.Tunnel.User,
			PrivateKeyFile: cfg.Tunnel.PrivateKeyFile,
			KnownHostsFile: cfg.Tunnel.KnownHostsFile,
		}
	}
	session, err := kernel.Connect(ctx, desc, sessionCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect kernel session")
	}
	defer session.Disconnect()

	client := gateway.NewClient(gateway.Config{
		Host: cfg.InspectionServer.Host,
		Port: cfg.InspectionServer.Port,
	})

	svc := inspect.NewService(cfg.Enabled, store, session, client)
	outcome := svc.Inspect(ctx, *expression, *staticType)

	out, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to encode outcome")
	}
	fmt.Println(string(out))
}
