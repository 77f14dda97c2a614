package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcpfed/pkg/config"
)

var (
	configFile string
	verbose    bool
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpfed",
		Short: "Federation gateway for MCP servers",
		Long: `Connects this gateway to a set of remote MCP servers, verifies what each
one can do and keeps track of which peers are reachable.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		tokenCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpfed v%s\n", version)
		},
	}
}

// loadConfig reads --config, then the default config path, then falls back
// to MCPFED_* variables.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat(config.GetConfigPath()); err == nil {
			path = config.GetConfigPath()
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadConfig(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
