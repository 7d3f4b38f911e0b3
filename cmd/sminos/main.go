package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/oracle"
	"github.com/mtzanidakis/sminos/internal/orchestrator"
	"github.com/mtzanidakis/sminos/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("sminos %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			slog.Error("export failed", "error", err)
			os.Exit(1)
		}
	case "import":
		if err := runImport(os.Args[2:]); err != nil {
			slog.Error("import failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: sminos <command>\n\nCommands:\n  gateway    Start the sminos gateway service\n  export     Export swarm definitions and decisions to an archive\n  import     Import swarm definitions and decisions from an archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting sminos gateway", "version", version)

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Decision oracle
	orc := oracle.NewOpenAI(cfg.Oracle)
	if orc == nil {
		slog.Warn("oracle api key not set, masters will take no actions and agents will echo")
	}

	// Each started swarm gets its own event bus, sized from config.
	orch := orchestrator.New(db, orc, orchestrator.Options{
		BrokerURL:  cfg.Broker.URL,
		BusHistory: cfg.Bus.MaxHistory,
	})
	if err := orch.Restore(); err != nil {
		return fmt.Errorf("restore swarms: %w", err)
	}

	// Swarms declared in the config are registered and started.
	for i := range cfg.Swarms {
		def := cfg.Swarms[i]
		if _, err := orch.SwarmStatus(def.ID); err != nil {
			if err := orch.CreateSwarm(&def); err != nil {
				return fmt.Errorf("register swarm %q: %w", def.ID, err)
			}
		}
		if err := orch.StartSwarm(def.ID); err != nil {
			slog.Error("start swarm failed", "swarm", def.ID, "error", err)
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	orch.Shutdown()
	return nil
}
