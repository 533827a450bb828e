package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zen-systems/stagegate/pkg/archive"
	"github.com/zen-systems/stagegate/pkg/config"
	"github.com/zen-systems/stagegate/pkg/dataset"
	"github.com/zen-systems/stagegate/pkg/engine"
	"github.com/zen-systems/stagegate/pkg/ir"
	"github.com/zen-systems/stagegate/pkg/model"
	"github.com/zen-systems/stagegate/pkg/pipeline"
	"github.com/zen-systems/stagegate/pkg/predict"
	"github.com/zen-systems/stagegate/pkg/profile"
)

var (
	configFile string
	verbose    bool
	aliases    *config.StageAliases
	logger     *slog.Logger

	openDump = dataset.Open
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stagegate",
		Short: "Predict which pipeline stages can be skipped",
		Long: `Stagegate profiles functions and predicts, stage by stage, whether a
	compiler pass would change them, so stages that would do nothing can be
	skipped.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(verbose)
			slog.SetDefault(logger)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.stagegate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func profileCmd() *cobra.Command {
	var namesFlag bool
	var functionFlag string

	cmd := &cobra.Command{
		Use:   "profile [module.yaml]",
		Short: "Print the feature vector of each function",
		Long: `Profiles every function of an IR module and prints one JSON object per
	function. Use --names to print the field order of the configured schema.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			schema, err := cfg.FeatureSchema()
			if err != nil {
				return err
			}

			if namesFlag {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "INDEX\tFIELD\t(%s)\n", schema.ID())
				for i, name := range schema.Fields() {
					fmt.Fprintf(w, "%d\t%s\t\n", i, name)
				}
				return w.Flush()
			}
			if len(args) == 0 {
				return fmt.Errorf("module file is required")
			}

			units, err := loadUnits(args[0], functionFlag)
			if err != nil {
				return err
			}
			prof := profile.New(schema)
			enc := json.NewEncoder(os.Stdout)
			for _, fn := range units {
				v, err := prof.Profile(fn)
				if err != nil {
					return fmt.Errorf("profile %s: %w", fn.Key(), err)
				}
				if err := enc.Encode(map[string]any{
					"unit":     fn.Key(),
					"size":     fn.Size(),
					"schema":   schema.ID(),
					"features": v.Map(),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&namesFlag, "names", false, "print field names in schema order")
	cmd.Flags().StringVar(&functionFlag, "function", "", "only this function")

	return cmd
}

func predictCmd() *cobra.Command {
	var stageFlag string
	var functionFlag string
	var strategyFlag string

	cmd := &cobra.Command{
		Use:   "predict [module.yaml]",
		Short: "Predict stage decisions for each function",
		Long: `Profiles each function once and prints the decision for --stage, or for
	every stage of the stage table when --stage is omitted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if strategyFlag != "" {
				cfg.Strategy = strategyFlag
			}
			e, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			units, err := loadUnits(args[0], functionFlag)
			if err != nil {
				return err
			}
			schema, err := cfg.FeatureSchema()
			if err != nil {
				return err
			}
			prof := profile.New(schema)
			p := e.Predictor()
			stage := aliases.Resolve(stageFlag)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tSTAGE\tRUN\tSCORE\tSTRATEGY\tREASONS")
			for _, fn := range units {
				v, err := prof.Profile(fn)
				if err != nil {
					return fmt.Errorf("profile %s: %w", fn.Key(), err)
				}
				var decisions []predict.Decision
				if stage != "" {
					d, err := p.Predict(cmd.Context(), stage, v)
					if err != nil {
						return err
					}
					decisions = []predict.Decision{d}
				} else {
					decisions, err = p.PredictAll(cmd.Context(), v)
					if err != nil {
						logger.Warn("prediction configuration error", "unit", fn.Key(), "error", err)
					}
				}
				for _, d := range decisions {
					fmt.Fprintf(w, "%s\t%s\t%t\t%.3f\t%s\t%s\n",
						fn.Key(), d.Stage, d.Run, d.Score, d.Strategy, formatList(d.Reasons))
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&stageFlag, "stage", "", "stage to predict (default: all stages)")
	cmd.Flags().StringVar(&functionFlag, "function", "", "only this function")
	cmd.Flags().StringVar(&strategyFlag, "strategy", "", "override the configured strategy")

	return cmd
}

func simulateCmd() *cobra.Command {
	var pipelineFile string
	var unitsFile string
	var truthFile string
	var outFlag string
	var strategyFlag string
	var metricsAddr string
	var linger time.Duration
	var workers int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a pipeline over a module against recorded outcomes",
		Long: `Runs every function of --units through the pipeline in --file. Stages
	the engine lets run are applied through the truth table in --truth; the
	summary reports executed and saved cost, missed transformations and
	wasted runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipelineFile == "" || unitsFile == "" || truthFile == "" {
				return fmt.Errorf("--file, --units and --truth are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if strategyFlag != "" {
				cfg.Strategy = strategyFlag
			}

			p, err := pipeline.LoadManifest(pipelineFile)
			if err != nil {
				return err
			}
			p.Resolve(aliases)

			truth, err := pipeline.LoadTruth(truthFile)
			if err != nil {
				return err
			}
			units, err := loadUnits(unitsFile, "")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			e, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := pipeline.Run(ctx, p, e, truth, units, pipeline.RunOptions{
				Workers:      workers,
				EvidenceDir:  outFlag,
				PipelinePath: pipelineFile,
				Strategy:     cfg.Strategy,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			stats := e.Stats()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "RUN\t%s\n", result.RunID)
			fmt.Fprintf(w, "UNITS\t%d\n", len(result.Units))
			fmt.Fprintf(w, "STAGES\t%d\n", result.Cost.Stages)
			fmt.Fprintf(w, "EXECUTED\t%d\t(cost %.1f)\n", result.Cost.Executed, result.Cost.ExecutedCost)
			fmt.Fprintf(w, "SKIPPED\t%d\t(cost %.1f, %.1f%%)\n", result.Cost.Skipped, result.Cost.SavedCost, 100*result.Cost.SkipRate())
			fmt.Fprintf(w, "MISSED\t%d\n", result.Cost.Missed)
			fmt.Fprintf(w, "WASTED\t%d\n", result.Cost.Wasted)
			fmt.Fprintf(w, "PROFILES\t%d\n", stats.ProfilerInvocations)
			fmt.Fprintf(w, "REUSES\t%d\n", stats.Reuses)
			fmt.Fprintf(w, "CHECKPOINTS\t%d\n", stats.Checkpoints)
			fmt.Fprintf(w, "FAIL-OPENS\t%d\n", stats.FailOpens)
			if err := w.Flush(); err != nil {
				return err
			}
			if result.EvidenceDir != "" {
				fmt.Fprintf(os.Stderr, "Evidence: %s\n", result.EvidenceDir)
			}

			if metricsAddr != "" && linger > 0 {
				logger.Info("serving metrics", "addr", metricsAddr, "for", linger)
				select {
				case <-time.After(linger):
				case <-ctx.Done():
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipelineFile, "file", "f", "", "pipeline manifest path (required)")
	cmd.Flags().StringVar(&unitsFile, "units", "", "IR module file (required)")
	cmd.Flags().StringVar(&truthFile, "truth", "", "truth table of stage outcomes (required)")
	cmd.Flags().StringVar(&outFlag, "out", "", "evidence output base directory")
	cmd.Flags().StringVar(&strategyFlag, "strategy", "", "override the configured strategy")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&linger, "linger", 0, "keep serving metrics this long after the run")
	cmd.Flags().IntVar(&workers, "workers", 0, "units processed concurrently (default GOMAXPROCS)")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Validate a pipeline manifest",
		Long: `Validates pipeline YAML without executing. Stages the stage table does
	not know are reported; the engine always runs them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			table, err := cfg.StageTable()
			if err != nil {
				return err
			}

			p, err := pipeline.LoadManifest(args[0])
			if err != nil {
				return err
			}
			p.Resolve(aliases)
			if err := p.Validate(); err != nil {
				return err
			}

			var unknown []string
			seen := make(map[string]bool)
			for _, name := range p.StageNames() {
				if _, ok := table.Lookup(name); !ok && !seen[name] {
					seen[name] = true
					unknown = append(unknown, name)
				}
			}
			if len(unknown) > 0 {
				fmt.Fprintf(os.Stderr, "Stages without predictions (always run): %s\n", formatList(unknown))
			}
			fmt.Printf("Pipeline manifest is valid (%d stages).\n", p.Length())
			return nil
		},
	}
}

func stagesCmd() *cobra.Command {
	var aliasesFlag bool

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the stage table",
		Long: `Lists the stages the engine predicts, in decision order, with their
	heuristic and model settings. Use --aliases to show pass name aliases.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if aliasesFlag {
				fmt.Fprintln(w, "ALIAS\tSTAGE")
				for _, name := range aliases.Names() {
					fmt.Fprintf(w, "%s\t%s\n", name, aliases.Resolve(name))
				}
				return w.Flush()
			}

			fmt.Fprintln(w, "INDEX\tSTAGE\tHEURISTIC\tMODEL\tTHRESHOLD")
			for i, s := range cfg.Stages {
				threshold := "-"
				if s.Threshold > 0 {
					threshold = strconv.FormatFloat(s.Threshold, 'f', -1, 64)
				}
				heuristic := s.Heuristic
				if heuristic == "" {
					heuristic = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", i, s.Name, heuristic, s.Model, threshold)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "STRATEGY\t%s\n", cfg.Strategy)
			fmt.Fprintf(w, "SCHEMA\t%s\n", cfg.Schema)
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&aliasesFlag, "aliases", false, "show pass name aliases")

	return cmd
}

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage archived prediction models",
	}
	cmd.AddCommand(modelsImportCmd())
	cmd.AddCommand(modelsListCmd())
	return cmd
}

func modelsImportCmd() *cobra.Command {
	var stageFlag string
	var familyFlag string
	var checkpointFlag int

	cmd := &cobra.Command{
		Use:   "import [model.yaml]",
		Short: "Validate a model file and store it in the archive",
		Long: `Stores a model under stages/<stage> (--stage) or
	checkpoints/<family>/<index> (--family and --checkpoint). Archived models
	take precedence over files in model_dir.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key model.Key
			switch {
			case stageFlag != "" && familyFlag == "":
				key = model.StageKey(aliases.Resolve(stageFlag))
			case stageFlag == "" && familyFlag != "" && checkpointFlag > 0:
				key = model.CheckpointKey(checkpointFlag, familyFlag)
			default:
				return fmt.Errorf("use either --stage, or --family with --checkpoint")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, _, err := model.Parse(data)
			if err != nil {
				return fmt.Errorf("invalid model %s: %w", args[0], err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := archive.NewStore(cfg.ArchiveDir)
			if err != nil {
				return err
			}
			ref, err := store.Put(key.String(), data)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %s (%d inputs, %d outputs) as %s sha256:%s\n",
				m.Name(), m.Inputs(), m.Outputs(), ref.Key, ref.SHA256[:12])
			return nil
		},
	}

	cmd.Flags().StringVar(&stageFlag, "stage", "", "stage the model predicts")
	cmd.Flags().StringVar(&familyFlag, "family", "", "pipeline family of a checkpoint model")
	cmd.Flags().IntVar(&checkpointFlag, "checkpoint", 0, "checkpoint index of a checkpoint model")

	return cmd
}

func modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := archive.NewStore(cfg.ArchiveDir)
			if err != nil {
				return err
			}
			refs, err := store.List()
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				fmt.Println("No archived models.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSHA256\tSIZE\tSTORED")
			for _, ref := range refs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ref.Key, ref.SHA256[:12], ref.Size, ref.StoredAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	aliases, err = config.LoadAliasesWithFallback()
	if err != nil {
		logger.Warn("failed to load stage aliases; using defaults", "error", err)
		aliases = config.DefaultAliases()
	}

	return cfg, nil
}

func loadUnits(path, only string) ([]ir.Unit, error) {
	m, err := ir.LoadModule(path)
	if err != nil {
		return nil, err
	}
	var units []ir.Unit
	for _, fn := range m.Functions {
		if fn.Declaration || (only != "" && fn.Name != only) {
			continue
		}
		units = append(units, fn)
	}
	if only != "" && len(units) == 0 {
		return nil, fmt.Errorf("function %q not found in %s", only, path)
	}
	return units, nil
}

// buildEngine wires the engine from configuration: stage table, model
// registry over the archive and model_dir, profiler schema and dump.
func buildEngine(cfg *config.Config) (*engine.Engine, error) {
	table, err := cfg.StageTable()
	if err != nil {
		return nil, err
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	schema, err := cfg.FeatureSchema()
	if err != nil {
		return nil, err
	}

	store, err := archive.NewStore(cfg.ArchiveDir)
	if err != nil {
		return nil, fmt.Errorf("open model archive: %w", err)
	}
	registry := model.NewRegistry(&model.DirSource{Dir: cfg.ModelDir, Archive: store}, model.WithRegistryLogger(logger))

	e, err := newEngine(ec, table, registry, cfg.Dump,
		engine.WithLogger(logger),
		engine.WithProfiler(profile.New(schema)),
	)
	if err != nil {
		return nil, err
	}
	logger.Debug("engine ready",
		"strategy", ec.Strategy,
		"schema", schema.ID(),
		"stages", table.Len(),
		"arity", schema.Arity(),
	)
	return e, nil
}

// newEngine opens the training dump when enabled and builds the engine. The
// dump is closed again if the engine cannot be built.
func newEngine(ec engine.Config, table *predict.StageTable, registry *model.Registry, dump config.DumpConfig, opts ...engine.Option) (*engine.Engine, error) {
	var w *dataset.Writer
	if dump.Enabled {
		var err error
		if w, err = openDump(dump.Dir, dump.Buffer, logger); err != nil {
			return nil, fmt.Errorf("open dataset dump: %w", err)
		}
		logger.Info("dumping training data", "path", w.Path())
		opts = append(opts, engine.WithDataset(w))
	}
	e, err := engine.New(ec, table, registry, opts...)
	if err != nil {
		if w != nil {
			if cerr := w.Close(); cerr != nil {
				logger.Warn("close dataset dump", "error", cerr)
			}
		}
		return nil, err
	}
	return e, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

// newLogger builds the process logger. STAGEGATE_LOG_LEVEL (debug, info,
// warn, error) sets the level; --verbose forces debug.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("STAGEGATE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
