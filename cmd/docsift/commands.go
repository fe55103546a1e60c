package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docsift/internal/api"
	"github.com/kalambet/docsift/internal/backend"
	"github.com/kalambet/docsift/internal/config"
	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/quarantine"
	"github.com/kalambet/docsift/internal/session"
)

func openSession(cfg config.Config) (*session.Store, error) {
	store, err := session.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return store, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := store.CountsByStatus()
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if total == 0 {
			fmt.Println("No session found. Start one with: docsift run <directory>")
			return nil
		}

		printStatus("Documents", "%d", total)
		printStatusCounts(counts, []session.Status{
			session.StatusSucceeded, session.StatusPending, session.StatusInFlight,
			session.StatusQuarantined, session.StatusFailed, session.StatusSkipped,
		})

		snap, err := api.BuildSnapshot(store, health.NewMonitor(health.Thresholds{}))
		if err != nil {
			return err
		}
		printStatus("Success rate", "%.0f%%", snap.SuccessRate*100)
		printStatus("Remaining tokens", "%d", snap.RemainingTokens)
		if snap.ETAKnown {
			printStatus("ETA", "%s", snap.ETA.Round(time.Second))
		} else {
			printStatus("ETA", "unknown (no completed work yet)")
		}
		return nil
	},
}

// --- quarantine ---

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and manage quarantined documents",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		quar := quarantine.New(store, time.Duration(cfg.Scheduler.QuarantineBaseSeconds)*time.Second)
		entries, err := quar.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Quarantine is empty.")
			return nil
		}

		for _, e := range entries {
			fmt.Println(formatQuarantineEntry(e))
		}
		return nil
	},
}

var quarantineReleaseCmd = &cobra.Command{
	Use:   "release <document-id>",
	Short: "Release a document from quarantine back into the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		quar := quarantine.New(store, time.Duration(cfg.Scheduler.QuarantineBaseSeconds)*time.Second)
		if err := quar.Release(args[0]); err != nil {
			return err
		}
		if err := store.ResetDocuments([]string{args[0]}); err != nil {
			return err
		}
		printSuccess("Released %s", args[0])
		return nil
	},
}

var quarantineClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Release every quarantined document and discard its backoff history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		quar := quarantine.New(store, time.Duration(cfg.Scheduler.QuarantineBaseSeconds)*time.Second)
		entries, err := quar.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Quarantine is empty.")
			return nil
		}
		for _, e := range entries {
			if err := quar.Remove(e.DocumentID); err != nil {
				printError("Failed to remove %s: %v", e.DocumentID, err)
				continue
			}
			if err := store.ResetDocuments([]string{e.DocumentID}); err != nil {
				printError("Failed to reset %s: %v", e.DocumentID, err)
			}
		}
		printSuccess("Released %d documents", len(entries))
		return nil
	},
}

func init() {
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineReleaseCmd)
	quarantineCmd.AddCommand(quarantineClearCmd)
}

// --- health-check ---

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe the backend with a trivial prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStep("Probing %q...", cfg.Backend.Command)
		inv := backend.NewInvoker(cfg.Backend.Argv(), time.Duration(cfg.Backend.TimeoutSeconds)*time.Second, nil)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)
		defer cancel()

		ok, detail := inv.HealthCheck(ctx)
		if !ok {
			printError("Backend unreachable: %s", detail)
			return fmt.Errorf("backend health check failed")
		}
		printSuccess("Backend responded: %s", detail)
		return nil
	},
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve session state over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		quar := quarantine.New(store, time.Duration(cfg.Scheduler.QuarantineBaseSeconds)*time.Second)
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store: store,
			Quar:  quar,
			Deps: api.StatusDeps{
				Store: store,
				Mon:   health.NewMonitor(health.Thresholds{}),
			},
		})
		return server.ServeStdio(mcpSrv)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
