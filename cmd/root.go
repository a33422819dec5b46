// Package cmd defines the pagerisk command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/config"
	"github.com/JakeFAU/pagerisk/internal/logging"
)

type runtimeKey struct{}

// runtime is what every subcommand receives from the root pre-run hook.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

type rootOptions struct {
	cfgFile  string
	envFile  string
	logLevel string
	dev      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pagerisk",
		Short: "Heuristic phishing and malware risk scanner for web pages.",
		Long: `pagerisk fetches a page (rendered in headless Chrome when available,
falling back to a plain HTTP GET) and scores its markup for phishing,
obfuscation and malvertising indicators.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.load()
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				//nolint:errcheck // stderr sync fails on some terminals
				_ = rt.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	flags.BoolVar(&opts.dev, "dev", false, "use the development logger")

	cmd.AddCommand(newServeCmd(), newScanCmd(), newAnalyzeCmd())
	return cmd
}

func (o *rootOptions) load() (*runtime, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development || o.dev,
		Level:       level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &runtime{cfg: &cfg, logger: logger}, nil
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration was not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
