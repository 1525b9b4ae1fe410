// Package main is the entry point for the rendering regression CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/renderproof/renderproof/internal/config"
	"github.com/renderproof/renderproof/internal/runcache"
	"github.com/renderproof/renderproof/pkg/logger"
	"github.com/renderproof/renderproof/pkg/shutdown"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// RunOptions holds the flag overrides shared by the pipeline commands.
type RunOptions struct {
	SrcDir     string
	OutDir     string
	RefOutDir  string
	TarOutDir  string
	DiffOutDir string
	RefBin     string
	TarBin     string
	RefSDK     bool
	TarSDK     bool
	Workers    int
	MaxPages   int
	Extensions []string
	NoDiff     bool
	DryRun     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "renderproof",
		Short:   "Visual regression harness for document rendering engines",
		Long:    "Converts a document corpus with two engine builds, diffs the rendered pages, and persists regressions to a document store.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newConvertCmd())
	rootCmd.AddCommand(newDiffCmd())
	rootCmd.AddCommand(newPersistCmd())
	rootCmd.AddCommand(newStatusCmd())

	return rootCmd.Execute()
}

// addPipelineFlags registers the flags common to every pipeline phase.
func addPipelineFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVarP(&opts.SrcDir, "src", "s", "", "Source corpus directory")
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "Centralized output root (content-addressed layout)")
	cmd.Flags().StringVar(&opts.RefOutDir, "ref-out", "", "Reference output root (flat layout)")
	cmd.Flags().StringVar(&opts.TarOutDir, "tar-out", "", "Target output root (flat layout)")
	cmd.Flags().StringVar(&opts.DiffOutDir, "diff-out", "", "Diff output root (flat layout)")
	cmd.Flags().StringVar(&opts.RefBin, "ref-bin", "", "Reference engine converter binary")
	cmd.Flags().StringVar(&opts.TarBin, "tar-bin", "", "Target engine converter binary")
	cmd.Flags().BoolVar(&opts.RefSDK, "ref-sdk", false, "Render the reference side in-process")
	cmd.Flags().BoolVar(&opts.TarSDK, "tar-sdk", false, "Render the target side in-process")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "Number of concurrent workers (default from env)")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "Page-pair cap per document during diffing")
	cmd.Flags().StringSliceVar(&opts.Extensions, "ext", nil, "Source extensions to include (e.g. .pdf,.docx)")
}

// loadConfig loads env configuration and applies flag overrides.
func loadConfig(opts *RunOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.SrcDir != "" {
		cfg.Run.SrcDir = opts.SrcDir
	}
	if opts.OutDir != "" {
		cfg.Run.OutDir = opts.OutDir
	}
	if opts.RefOutDir != "" {
		cfg.Run.RefOutDir = opts.RefOutDir
	}
	if opts.TarOutDir != "" {
		cfg.Run.TarOutDir = opts.TarOutDir
	}
	if opts.DiffOutDir != "" {
		cfg.Run.DiffOutDir = opts.DiffOutDir
	}
	if opts.RefBin != "" {
		cfg.Ref.BinPath = opts.RefBin
	}
	if opts.TarBin != "" {
		cfg.Tar.BinPath = opts.TarBin
	}
	if opts.RefSDK {
		cfg.Ref.UseSDK = true
	}
	if opts.TarSDK {
		cfg.Tar.UseSDK = true
	}
	if opts.Workers > 0 {
		cfg.Run.Workers = opts.Workers
	}
	if opts.MaxPages > 0 {
		cfg.Run.MaxPages = opts.MaxPages
	}
	if len(opts.Extensions) > 0 {
		cfg.Run.Extensions = opts.Extensions
	}
	if opts.NoDiff {
		cfg.Run.DoDiff = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newPipeline sets up logging, the pipeline, and its shutdown handler.
func newPipeline(ctx context.Context, opts *RunOptions) (*RegressionPipeline, *logger.Logger, *shutdown.Handler, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, err
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	log.SetDefault()

	p, err := NewRegressionPipeline(ctx, cfg, log, uuid.New().String())
	if err != nil {
		return nil, nil, nil, err
	}

	h := shutdown.New(log.Logger, 10*time.Second)
	p.RegisterCleanups(h)
	return p, log, h, nil
}

// newRunCmd creates the run subcommand: the full pipeline.
func newRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full regression pipeline",
		Long:  "Convert the corpus with both engine builds, diff the rendered pages, and persist the results.",
		Example: `  # Compare two converter binaries over a corpus
  renderproof run --src=./corpus --out=./out --ref-bin=./bin/render-11.2 --tar-bin=./bin/render-11.3

  # Compare a binary against the in-process renderer
  renderproof run --src=./corpus --out=./out --ref-bin=./bin/render --tar-sdk

  # Flat layout, no database
  renderproof run --src=./corpus --ref-out=./ref --tar-out=./tar --diff-out=./diff --ref-sdk --tar-sdk

  # Skip diffing, conversion only
  renderproof run --src=./corpus --out=./out --ref-sdk --tar-sdk --no-diff

  # Dry run: persist to memory instead of PostgreSQL
  renderproof run --src=./corpus --out=./out --ref-sdk --tar-sdk --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, log, shut, err := newPipeline(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer shut.Shutdown()
			ctx, cancel := shut.Notify(cmd.Context())
			defer cancel()

			if err := p.Convert(ctx); err != nil {
				return fmt.Errorf("conversion phase failed: %w", err)
			}

			if p.cfg.Run.DoDiff {
				if err := p.Diff(ctx); err != nil {
					return fmt.Errorf("diff phase failed: %w", err)
				}
				if err := p.SaveCache(); err != nil {
					return err
				}
				if _, err := p.Persist(ctx, opts.DryRun); err != nil {
					return fmt.Errorf("persist phase failed: %w", err)
				}
			}

			if err := p.WriteSanity(); err != nil {
				return err
			}
			log.Info("run complete", "run_id", p.runID)
			return nil
		},
	}

	addPipelineFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.NoDiff, "no-diff", false, "Convert only, skip diffing and persistence")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "Persist to memory instead of the document store")

	return cmd
}

// newConvertCmd creates the convert subcommand.
func newConvertCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert the corpus on both engine builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, shut, err := newPipeline(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer shut.Shutdown()
			ctx, cancel := shut.Notify(cmd.Context())
			defer cancel()

			if err := p.Convert(ctx); err != nil {
				return fmt.Errorf("conversion phase failed: %w", err)
			}
			return p.WriteSanity()
		},
	}

	addPipelineFlags(cmd, opts)
	return cmd
}

// newDiffCmd creates the diff subcommand, working from existing
// converter outputs.
func newDiffCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff previously converted outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, shut, err := newPipeline(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer shut.Shutdown()
			ctx, cancel := shut.Notify(cmd.Context())
			defer cancel()

			if err := p.Diff(ctx); err != nil {
				return fmt.Errorf("diff phase failed: %w", err)
			}
			if err := p.SaveCache(); err != nil {
				return err
			}
			return p.WriteSanity()
		},
	}

	addPipelineFlags(cmd, opts)
	return cmd
}

// newPersistCmd creates the persist subcommand, replaying a saved run
// snapshot into the document store.
func newPersistCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "persist",
		Short: "Persist a saved run snapshot to the document store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, log, shut, err := newPipeline(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer shut.Shutdown()
			ctx, cancel := shut.Notify(cmd.Context())
			defer cancel()

			if err := p.LoadCache(); err != nil {
				return fmt.Errorf("failed to load run snapshot: %w", err)
			}
			report, err := p.Persist(ctx, opts.DryRun)
			if err != nil {
				return fmt.Errorf("persist phase failed: %w", err)
			}
			if report != nil {
				log.Info("persisted",
					"documents", len(report.Persisted),
					"failed", len(report.Failed),
				)
			}
			return nil
		},
	}

	addPipelineFlags(cmd, opts)
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "Persist to memory instead of the document store")
	return cmd
}

// newStatusCmd creates the status subcommand: summarize a saved run.
func newStatusCmd() *cobra.Command {
	var cachePath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize a saved run snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := runcache.Load(cachePath)
			if err != nil {
				return fmt.Errorf("failed to load run snapshot: %w", err)
			}

			regressed := 0
			var worst float64
			for _, m := range snap.DiffMetricsRefMap {
				if m.DiffPercentage > 0 {
					regressed++
				}
				if m.DiffPercentage > worst {
					worst = m.DiffPercentage
				}
			}

			if jsonOutput {
				out := map[string]any{
					"run_id":         snap.RunID,
					"created_at":     snap.CreatedAt,
					"ref_version":    snap.RefVersion,
					"tar_version":    snap.TarVersion,
					"page_pairs":     len(snap.DiffMetricsRefMap),
					"regressed":      regressed,
					"worst_diff_pct": worst,
				}
				data, _ := json.MarshalIndent(out, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Println("=== Regression Run Status ===")
			fmt.Printf("Run ID:       %s\n", snap.RunID)
			fmt.Printf("Created:      %s\n", snap.CreatedAt)
			fmt.Printf("Versions:     %s -> %s\n", snap.RefVersion, snap.TarVersion)
			fmt.Printf("Page pairs:   %d\n", len(snap.DiffMetricsRefMap))
			fmt.Printf("Regressed:    %d\n", regressed)
			fmt.Printf("Worst diff:   %.2f%%\n", worst)
			return nil
		},
	}

	cmd.Flags().StringVarP(&cachePath, "cache", "c", "cache.json", "Run snapshot path")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	return cmd
}
