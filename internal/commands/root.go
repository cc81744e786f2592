package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"metalsdesk/internal/app"
	"metalsdesk/internal/config"
	"metalsdesk/internal/util"
)

const defaultConfigPath = "config/metalsdesk.yaml"

var (
	configPath string
	logLevel   string
	sourceMode string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "metalsdesk",
	Short: "LME base metals price desk",
	Long: `metalsdesk serves daily LME base metal prices and derived spreads and
indices. Recent dates come from the live vendor, older dates from the local
historical store.

Configuration is read from --config (or $METALSDESK_CONFIG, or
config/metalsdesk.yaml when present), then .env, then the environment.`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&sourceMode, "mode", "", "override source.mode (live, synthetic, offline)")
}

// resolveConfigPath picks the flag, then $METALSDESK_CONFIG, then the default
// path if that file exists.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("METALSDESK_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if sourceMode != "" {
		cfg.Source.Mode = sourceMode
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp loads the configuration and wires the application. Logs go to the
// command's stderr so that stdout carries only command output.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := util.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	a, err := app.New(commandContext(cmd), cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("closing store", "error", err)
	}
}
