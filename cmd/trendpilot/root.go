package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"trendpilot/internal/app"
	"trendpilot/internal/config"
	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/logger"
	"trendpilot/internal/store"
)

// Process exit codes, so cron or systemd can tell failures apart.
const (
	exitOK             = 0
	exitFailure        = 1
	exitRegimeUnusable = 2
	exitBrokerDown     = 3
	exitLockHeld       = 4
)

type rootOptions struct {
	configPath string
	dryRun     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "trendpilot",
		Short:         "Trend-following position controller for a US equities broker account",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "log decisions without submitting orders or writing state")

	root.AddCommand(
		strategyCmd(opts),
		safetyNetCmd(opts),
		importTrackerCmd(opts),
		versionCmd(),
	)
	return root
}

func strategyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "strategy",
		Short: "Run the once-daily strategy pass (entries, trailing stops, exits, pyramids)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				rep, err := a.StrategyPass(ctx)
				if rep != nil {
					logger.Infof("strategy pass %s: gate=%s scanned=%d submitted=%d exits=%d stops=%d pyramids=%d",
						rep.RunID, rep.Gate, rep.Scanned, len(rep.Submitted), len(rep.Exits), rep.StopsPlaced, rep.Pyramids)
				}
				return err
			})
		},
	}
}

func safetyNetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "safetynet",
		Aliases: []string{"safety-net"},
		Short:   "Run the frequent reconciliation pass (stop restore, resize, earnings exits)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				rep, err := a.SafetyNetPass(ctx)
				if rep != nil {
					logger.Infof("safetynet pass %s: actions=%d executed=%d closed=%d alerts=%d",
						rep.RunID, len(rep.Plan.Actions), rep.Executed, len(rep.Closed), len(rep.Alerts))
				}
				return err
			})
		},
	}
}

func importTrackerCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-tracker",
		Short: "Seed position records from a legacy JSON position tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read tracker file: %w", err)
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				n, err := a.ImportTracker(ctx, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d position records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "legacy tracker JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "trendpilot", version)
		},
	}
}

// withApp loads config, sets up logging and builds the app. The store is
// released after fn returns.
func withApp(ctx context.Context, opts *rootOptions, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(config.ResolvePath(opts.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.dryRun {
		cfg.App.DryRun = true
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Infof("config loaded (env=%s, broker=%s, dry_run=%v)", cfg.App.Env, cfg.Broker.Mode, cfg.App.DryRun)

	a, err := app.NewAppBuilder(cfg).Build(ctx)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}()
	return fn(ctx, a)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, app.ErrRegimeUnusable):
		logger.Warnf("%v", err)
		return exitRegimeUnusable
	case errors.Is(err, store.ErrLockHeld):
		logger.Warnf("%v", err)
		return exitLockHeld
	case errors.Is(err, broker.ErrUnavailable):
		logger.Errorf("%v", err)
		return exitBrokerDown
	default:
		logger.Errorf("%v", err)
		return exitFailure
	}
}
