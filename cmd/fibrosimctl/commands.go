package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fibrosim/internal/config"
	"fibrosim/internal/logging"
	"fibrosim/pkg/fibrosim"
)

const defaultConfigPath = "fibrosim.yaml"

// app carries state shared by every subcommand once the persistent flags
// are parsed.
type app struct {
	configPath string
	verbose    bool
	storeKind  string
	dbPath     string
	runsDir    string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "fibrosimctl",
		Short:         "Run and inspect fibroblast agent-based fibrosis simulations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init-config" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", defaultConfigPath, "YAML run configuration (defaults apply when missing)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&a.storeKind, "store", "", "store backend: memory or sqlite (overrides config)")
	flags.StringVar(&a.dbPath, "db-path", "", "sqlite database path (overrides config)")
	flags.StringVar(&a.runsDir, "runs-dir", "", "artifacts directory (overrides config)")

	root.AddCommand(
		newRunCmd(a),
		newRunsCmd(a),
		newSummariesCmd(a),
		newExportCmd(a),
		newInitConfigCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storeKind != "" {
		cfg.Storage.Kind = a.storeKind
	}
	if a.dbPath != "" {
		cfg.Storage.Path = a.dbPath
	}
	if a.runsDir != "" {
		cfg.Output.Dir = a.runsDir
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) client() (*fibrosim.Client, error) {
	return fibrosim.New(fibrosim.Options{
		StoreKind: a.cfg.Storage.Kind,
		DBPath:    a.cfg.Storage.Path,
		RunsDir:   a.cfg.Output.Dir,
		Logger:    a.logger,
	})
}

func newRunCmd(a *app) *cobra.Command {
	var (
		ticks        int
		seed         int64
		agents       int
		solverKind   string
		inheritState bool
		weights      bool
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and persist its output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			flags := cmd.Flags()
			if flags.Changed("ticks") {
				cfg.Run.Ticks = ticks
			}
			if flags.Changed("seed") {
				cfg.Run.Seed = seed
			}
			if flags.Changed("agents") {
				cfg.Run.InitialAgents = agents
			}
			if flags.Changed("solver") {
				cfg.Solver.Kind = solverKind
			}
			if flags.Changed("inherit-state") {
				cfg.Mitosis.InheritState = inheritState
			}
			if flags.Changed("weights") {
				cfg.Weights.Enabled = weights
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Run(ctx, fibrosim.RunRequest{Config: cfg})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run completed run_id=%s solver=%s ticks=%d seed=%d\n", summary.RunID, cfg.Solver.Kind, summary.Ticks, cfg.Run.Seed)
			fmt.Fprintf(out, "initial_agents=%d final_agents=%d skipped_solves=%d\n", summary.InitialAgents, summary.FinalAgents, summary.SkippedSolves)
			for _, agg := range summary.Final.Aggregates {
				fmt.Fprintf(out, "final %s=%.6f\n", agg.Name, agg.Value)
			}
			fmt.Fprintf(out, "artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&ticks, "ticks", 0, "last tick to simulate")
	flags.Int64Var(&seed, "seed", 0, "random seed")
	flags.IntVar(&agents, "agents", 0, "initial agent count")
	flags.StringVar(&solverKind, "solver", "", "solver name (identity, netflux)")
	flags.BoolVar(&inheritState, "inherit-state", false, "daughters copy the parent network state")
	flags.BoolVar(&weights, "weights", false, "pass field-derived weights to the solver")
	flags.DurationVar(&timeout, "timeout", 0, "abort the run after this long")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			items, err := client.Runs(cmd.Context(), fibrosim.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(out, "run_id=%s created=%s solver=%s seed=%d ticks=%s agents=%s->%s skipped_solves=%d\n",
					item.RunID,
					relativeTime(item.CreatedAtUTC),
					item.Solver,
					item.Seed,
					humanize.Comma(int64(item.Ticks)),
					humanize.Comma(int64(item.InitialAgents)),
					humanize.Comma(int64(item.FinalAgents)),
					item.SkippedSolves,
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newSummariesCmd(a *app) *cobra.Command {
	var (
		runID  string
		latest bool
	)
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Print the per-tick summaries of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			summaries, err := client.Summaries(cmd.Context(), fibrosim.SummariesRequest{RunID: runID, Latest: latest})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range summaries {
				var b strings.Builder
				fmt.Fprintf(&b, "tick=%d agents=%d births=%d deaths=%d moves=%d solver_skipped=%t",
					s.Tick, s.Agents, s.Births, s.Deaths, s.Moves, s.SolverSkipped)
				for _, agg := range s.Aggregates {
					fmt.Fprintf(&b, " %s=%.6f", agg.Name, agg.Value)
				}
				fmt.Fprintln(out, b.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to show")
	cmd.Flags().BoolVar(&latest, "latest", false, "show the newest run")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		runID  string
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			defer client.Close()

			exported, err := client.Export(cmd.Context(), fibrosim.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to export")
	cmd.Flags().BoolVar(&latest, "latest", false, "export the newest run")
	cmd.Flags().StringVar(&outDir, "out", "", "export directory (default exports)")
	return cmd
}

func newInitConfigCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration to --config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force && fileExists(a.configPath) {
				return fmt.Errorf("%s already exists; pass --force to overwrite", a.configPath)
			}
			if err := config.Default().Save(a.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config=%s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func relativeTime(createdAtUTC string) string {
	t, err := time.Parse(time.RFC3339Nano, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return strings.ReplaceAll(humanize.Time(t), " ", "_")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
