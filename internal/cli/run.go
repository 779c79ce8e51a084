package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"arsynth/internal/config"
	"arsynth/internal/logging"
	"arsynth/internal/metrics"
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
}

type options struct {
	configPath  string
	root        string
	workers     int
	logLevel    string
	metricsAddr string
	skipBin     bool
	recompute   bool
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	return CLIResult{ExitCode: ExitCode(err)}, err
}

// NewRootCommand returns the arsynth command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "arsynth",
		Short:         "Forward-model active-region observations from a loop skeleton",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "arsynth.toml", "Configuration file (.toml, .yaml or .yml).")
	pf.StringVar(&opts.root, "root", "", "Override the pipeline root directory.")
	pf.IntVar(&opts.workers, "workers", -1, "Override the worker count (0 means GOMAXPROCS).")
	pf.StringVar(&opts.logLevel, "log-level", "", "Override the log level.")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running.")

	stage := func(use, short string, fn func(*session, context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  noArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.execute(cmd.Context(), use, func(ctx context.Context, s *session) error {
					return fn(s, ctx)
				})
			},
		}
	}
	emit := stage("emit", "Synthesize per-strand emission for every instrument channel", (*session).emit)
	emit.Flags().BoolVar(&opts.recompute, "recompute", false, "Drop stored emission rows instead of resuming them.")
	root.AddCommand(
		stage("ionize", "Integrate non-equilibrium ionization for every strand", (*session).ionize),
		emit,
		stage("build", "Project strand emission into per-instrument detector cubes", (*session).build),
		stage("bin", "Integrate detector cubes over exposures and channel groups", (*session).bin),
		stage("flatten", "Concatenate detector cubes into one flat product", (*session).flatten),
		newRunCommand(opts),
		newStatusCommand(opts),
	)
	return root
}

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage in order, resuming completed units",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.execute(cmd.Context(), "run", func(ctx context.Context, s *session) error {
				stages := []func(context.Context) error{s.ionize, s.emit, s.build}
				if !opts.skipBin {
					stages = append(stages, s.bin)
				}
				stages = append(stages, s.flatten)

				var partial error
				for _, fn := range stages {
					err := fn(ctx)
					if err == nil {
						continue
					}
					if !errors.Is(err, errUnitFailures) {
						return err
					}
					partial = errors.Join(partial, err)
				}
				return partial
			})
		},
	}
	cmd.Flags().BoolVar(&opts.skipBin, "skip-bin", false, "Flatten the built cubes without binning them.")
	return cmd
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return invalidInvocationf("%s: unexpected arguments %q", cmd.CommandPath(), args)
	}
	return nil
}

// load reads the configuration and applies command-line overrides.
func (o *options) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, configError(err)
	}
	if o.root != "" {
		cfg.Root = o.root
	}
	if o.workers >= 0 {
		cfg.Workers = o.workers
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, configError(err)
	}
	return cfg, nil
}

// execute loads the configuration, opens a session and runs fn inside a
// recorded run.
func (o *options) execute(ctx context.Context, command string, fn func(context.Context, *session) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	logging.Configure(logging.ProfileRuntime, cfg.LogLevel)

	if cfg.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		mlog := logging.Component("metrics")
		go func() {
			if err := metrics.Serve(mctx, cfg.MetricsAddr, mlog); err != nil {
				mlog.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	s.recompute = o.recompute
	defer func() {
		if cerr := s.Close(); cerr != nil {
			s.log.Error().Err(cerr).Msg("close row store")
		}
	}()
	if err := s.lifecycle(ctx, command, func(ctx context.Context) error { return fn(ctx, s) }); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
