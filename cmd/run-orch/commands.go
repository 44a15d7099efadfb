package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/artifact"
	"github.com/hochfrequenz/run-orchestrator/internal/config"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/janitor"
	"github.com/hochfrequenz/run-orchestrator/internal/observer"
	"github.com/hochfrequenz/run-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/workorder"
	"github.com/hochfrequenz/run-orchestrator/internal/worktree"
	"github.com/hochfrequenz/run-orchestrator/tui"
	"github.com/hochfrequenz/run-orchestrator/web/api"
)

var (
	listStatus string
	verbose    bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	rootCmd.AddCommand(serveCmd)

	startCmd := &cobra.Command{
		Use:   "start WORK_ORDER.md [WORK_ORDER.md...]",
		Short: "Queue work orders for execution",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel an in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the run dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	return runstore.New(cfg.General.DatabasePath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Project.RepoDir == "" {
		return fmt.Errorf("project.repo_dir is not configured")
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	arts := artifact.NewStore(cfg.General.ArtifactDir, logger)
	orch := orchestrator.New(cfg, store, arts, logger)
	if err := orch.RecoverOrphans(); err != nil {
		logger.Warn("recovering orphaned runs failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observer.New(cfg.General.QueueDir, orch, logger)
	if err := obs.Start(ctx); err != nil {
		return err
	}

	worktrees := worktree.NewManager(cfg.Project.RepoDir, cfg.General.WorktreeDir,
		cfg.Project.TrunkBranch, cfg.Project.LinkDirs, logger)
	jan := janitor.New(store, arts, worktrees, cfg.Janitor, cfg.LockTTLValue(), logger)
	if err := jan.Start(); err != nil {
		return err
	}
	defer jan.Stop()

	srv := api.NewServer(orch, arts, cfg.Web, logger)
	err = srv.Start(ctx)

	logger.Info("shutting down, waiting for in-flight runs")
	orch.Shutdown()
	return err
}

// runStart validates the work orders and drops them into the queue directory,
// where the daemon's observer picks them up
func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.QueueDir, 0755); err != nil {
		return err
	}

	for _, path := range args {
		wo, err := workorder.Load(path)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		// Write-then-rename, so the daemon's watcher never sees a
		// half-written order
		dst := filepath.Join(cfg.General.QueueDir, filepath.Base(path))
		tmp := dst + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmp, dst); err != nil {
			return err
		}
		fmt.Printf("queued %s (%s)\n", wo.ID, wo.Title)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		Status: domain.RunStatus(listStatus),
		Limit:  50,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORK ORDER\tSTATUS\tITER\tBACKEND\tBRANCH")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ShortID(), run.WorkOrderID, run.Status,
			run.BuilderIteration, run.Backend, run.BranchName)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run        %s\n", run.ID)
	fmt.Printf("work order %s\n", run.WorkOrderID)
	fmt.Printf("status     %s\n", run.Status)
	if run.Reason != "" {
		fmt.Printf("reason     %s\n", run.Reason)
	}
	fmt.Printf("branch     %s (from %s)\n", run.BranchName, run.SourceBranch)
	fmt.Printf("backend    %s\n", run.Backend)
	for _, r := range run.FallbackReasons {
		fmt.Printf("  fallback: %s\n", r)
	}
	if run.MergeStatus != domain.MergeNone {
		fmt.Printf("merge      %s", run.MergeStatus)
		if run.ConflictWithRunID != "" {
			fmt.Printf(" (conflicts with %s)", run.ConflictWithRunID)
		}
		fmt.Println()
	}

	history, err := store.ListIterations(run.ID)
	if err != nil {
		return err
	}
	for _, rec := range history {
		result := "failed"
		if rec.TestPassed {
			result = "passed"
		}
		fmt.Printf("\niteration %d: %s\n  tests %s", rec.Iteration, rec.BuilderSummary, result)
		if rec.Verdict != "" {
			fmt.Printf(", review %s", rec.Verdict)
		}
		fmt.Println()
		for _, note := range rec.ReviewerNotes {
			fmt.Printf("  - %s\n", note)
		}
	}
	return nil
}

// runCancel goes through the API: the daemon owns the run's goroutine
func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/api/runs/%s/cancel", cfg.Web.Host, cfg.Web.Port, args[0])
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("reaching the daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("cancel failed: %s", apiErr.Error)
		}
		return fmt.Errorf("cancel failed: %s", resp.Status)
	}

	fmt.Printf("cancelling %s\n", args[0])
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return tui.Run(store)
}
