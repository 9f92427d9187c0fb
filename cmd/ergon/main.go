package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/avlonitis/ergon/internal/agents"
	"github.com/avlonitis/ergon/internal/bus"
	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/scheduler"
	"github.com/avlonitis/ergon/internal/store"
	"github.com/avlonitis/ergon/internal/vault"
	"github.com/avlonitis/ergon/internal/web"
	"github.com/avlonitis/ergon/internal/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("ergon %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ergon <command>

Commands:
  gateway    Start the ergon gateway service
  backup     Archive the data directory
  restore    Restore a data directory archive
  vault      Manage encrypted secrets
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting ergon gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS, used only to wake delivery loops early
	notifier, err := bus.NewNotifier(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer notifier.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	// Durable message bus
	b := bus.New(db, notifier, cfg.Bus, slog.Default())
	if err := b.Start(); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	defer b.Stop()

	// Secret vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase, db)
		slog.Info("vault unlocked")
	} else {
		slog.Warn("vault passphrase not set, secret resolution disabled")
	}

	// Agent runtimes
	manager, err := agents.NewManager(agents.ManagerOptions{
		Agents:   cfg.Agents,
		Registry: agents.NewRegistry(),
		Bus:      b,
		Store:    db,
		Cache:    cfg.Cache,
		Runtime:  cfg.Runtime,
		Logger:   slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("init agents: %w", err)
	}

	// Capability table, fed by agent status broadcasts
	table := workflow.NewCapabilityTable()
	table.Watch(b)

	// Workflow definitions
	defs, err := workflow.LoadDir(cfg.Workflows.Dir)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	slog.Info("workflows loaded", "count", len(defs), "dir", cfg.Workflows.Dir)

	// Orchestrator
	orchOpts := workflow.Options{
		Store:       db,
		Bus:         b,
		Table:       table,
		Dispatcher:  manager,
		Definitions: defs,
		Logger:      slog.Default(),
	}
	if v != nil {
		orchOpts.Secrets = v
	}
	orch := workflow.New(orchOpts)

	// Start agents after the table watches status updates, so registration
	// broadcasts land in the table.
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}
	defer manager.Stop()
	slog.Info("agents started", "count", len(cfg.Agents))

	// Trigger scheduler
	sched := scheduler.New(db, orch, cfg.Scheduler)
	go sched.Start(ctx)

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, b, orch, manager, table, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
