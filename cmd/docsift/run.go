package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docsift/internal/api"
	"github.com/kalambet/docsift/internal/backend"
	"github.com/kalambet/docsift/internal/config"
	"github.com/kalambet/docsift/internal/extract"
	"github.com/kalambet/docsift/internal/health"
	"github.com/kalambet/docsift/internal/orchestrator"
	"github.com/kalambet/docsift/internal/plan"
	"github.com/kalambet/docsift/internal/quarantine"
	"github.com/kalambet/docsift/internal/report"
	"github.com/kalambet/docsift/internal/retry"
	"github.com/kalambet/docsift/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run <directory>",
	Short: "Scan a directory of PDFs and process them through the backend",
	Long: `Scan a directory of PDFs and process them through the backend.

Examples:
  docsift run ./papers
  docsift run ./papers --resume
  docsift run ./papers --fast-mode --batch-size 5
  docsift run ./papers --quality-threshold 0.5 --output ./analyses`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &cfg)
		setupLogging(cfg.Log.Level)

		resume, _ := cmd.Flags().GetBool("resume")
		return runSession(args[0], cfg, resume)
	},
}

func init() {
	runCmd.Flags().Bool("resume", false, "resume the previous session instead of starting fresh")
	runCmd.Flags().Bool("skip-failed", false, "treat any failure as terminal, never retry")
	runCmd.Flags().Int("max-retries", 0, "attempts per document before giving up")
	runCmd.Flags().Int("batch-size", 0, "advisory cap on documents per backend call")
	runCmd.Flags().Int("claude-timeout", 0, "backend call timeout in seconds")
	runCmd.Flags().Float64("quality-threshold", -1, "skip documents scoring below this quality")
	runCmd.Flags().Bool("fast-mode", false, "use aggressive batch sizes")
	runCmd.Flags().String("output", "", "directory for analysis markdown files")
	runCmd.Flags().String("status-addr", "", "listen address for the status endpoint (empty disables)")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetInt("max-retries"); v > 0 {
		cfg.Scheduler.MaxRetries = v
	}
	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		cfg.Scheduler.BatchSize = v
	}
	if v, _ := cmd.Flags().GetInt("claude-timeout"); v > 0 {
		cfg.Backend.TimeoutSeconds = v
	}
	if v, _ := cmd.Flags().GetFloat64("quality-threshold"); v >= 0 {
		cfg.Scheduler.QualityThreshold = v
	}
	if v, _ := cmd.Flags().GetBool("fast-mode"); v {
		cfg.Scheduler.FastMode = true
	}
	if v, _ := cmd.Flags().GetBool("skip-failed"); v {
		cfg.Scheduler.SkipFailed = true
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		cfg.Storage.OutputDir = v
	}
	if v, _ := cmd.Flags().GetString("status-addr"); v != "" {
		cfg.Server.StatusAddr = v
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runSession(dir string, cfg config.Config, resume bool) error {
	fmt.Fprintf(os.Stderr, "docsift version %s\n", version)
	started := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := session.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	if !resume {
		if err := store.Wipe(); err != nil {
			return fmt.Errorf("clearing previous session: %w", err)
		}
	}

	printStep("Scanning %s...", dir)
	records, err := extract.ScanDir(ctx, dir, 4)
	if err != nil {
		return fmt.Errorf("scanning documents: %w", err)
	}
	if len(records) == 0 {
		printWarning("No readable PDF documents found in %s", dir)
		return nil
	}
	printScanSummary(records)

	for _, r := range records {
		err := store.RegisterDocument(session.Document{
			ID: r.ID, Path: r.Path, TypeTag: r.TypeTag,
			TokenEstimate: r.TokenEstimate, QualityScore: r.QualityScore,
			SizeBytes: r.SizeBytes, PageCount: r.PageCount,
		})
		if err != nil {
			return fmt.Errorf("registering %s: %w", r.ID, err)
		}
	}

	mon := health.NewMonitor(health.Thresholds{})
	quar := quarantine.New(store, time.Duration(cfg.Scheduler.QuarantineBaseSeconds)*time.Second)
	invoker := backend.NewInvoker(cfg.Backend.Argv(), time.Duration(cfg.Backend.TimeoutSeconds)*time.Second, mon)
	planner := plan.New(plan.Config{
		TokenCeiling: cfg.Scheduler.TokenCeiling,
		BatchSize:    cfg.Scheduler.BatchSize,
		FastMode:     cfg.Scheduler.FastMode,
	})
	retrier := retry.New(retry.Config{
		MaxRetries: cfg.Scheduler.MaxRetries,
		SkipFailed: cfg.Scheduler.SkipFailed,
	})
	writer, err := report.NewWriter(cfg.Storage.OutputDir)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		QualityThreshold: cfg.Scheduler.QualityThreshold,
	}, store, quar, mon, planner, retrier, invoker, writer)

	srv := startStatusServer(cfg.Server.StatusAddr, store, mon, orch)
	if srv != nil {
		defer shutdownStatusServer(srv)
	}

	runErr := orch.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, orchestrator.ErrHalted) {
		return runErr
	}

	if err := writeSummary(store, mon, writer, started); err != nil {
		printWarning("could not write summary: %v", err)
	}
	printFinalCounts(store)

	if errors.Is(runErr, orchestrator.ErrHalted) {
		printError("Run halted: backend authentication failed. Fix credentials and rerun with --resume.")
		return runErr
	}
	if errors.Is(runErr, context.Canceled) {
		printWarning("Interrupted. Rerun with --resume to continue.")
		return nil
	}
	printSuccess("Processing complete")
	return nil
}

func startStatusServer(addr string, store *session.Store, mon *health.Monitor, orch *orchestrator.Orchestrator) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewStatusHandler(api.StatusDeps{
			Store: store,
			Mon:   mon,
			State: schedulerState{orch},
		}),
	}
	go func() {
		slog.Info("status endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("status server error", "error", err)
		}
	}()
	return srv
}

func shutdownStatusServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// schedulerState adapts the orchestrator to the api state interface.
type schedulerState struct {
	orch *orchestrator.Orchestrator
}

func (s schedulerState) CurrentState() string {
	return string(s.orch.CurrentState())
}

func writeSummary(store *session.Store, mon *health.Monitor, writer *report.Writer, started time.Time) error {
	docs, err := store.ListAll()
	if err != nil {
		return err
	}
	snap, err := api.BuildSnapshot(store, mon)
	if err != nil {
		return err
	}
	path, err := writer.WriteSummary(docs, snap, started)
	if err != nil {
		return err
	}
	printStatus("Summary", "%s", path)
	return nil
}

func printFinalCounts(store *session.Store) {
	counts, err := store.CountsByStatus()
	if err != nil {
		return
	}
	printStatusCounts(counts, []session.Status{
		session.StatusSucceeded, session.StatusFailed, session.StatusSkipped,
		session.StatusQuarantined, session.StatusPending,
	})
}
