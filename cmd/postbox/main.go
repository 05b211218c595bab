package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"postbox/pkg/config"
	"postbox/pkg/store"
	"postbox/pkg/store/badgerstore"
	"postbox/pkg/store/memstore"
	"postbox/pkg/store/sqlstore"
)

var version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postbox",
		Short: "Federated post delivery and inbox node",
		Long: `Signs, encrypts and delivers posts to remote nodes with per-server
backoff, and verifies and imports envelopes posted to this node.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.String("data-dir", "", "directory for the store and config file")
	flags.String("store", "", "store driver: memory, badger or postgres")
	flags.String("dsn", "", "postgres connection string")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("directory", "", "path of the identity directory file")

	rootCmd.AddCommand(
		serveCmd(),
		keygenCmd(),
		enqueueCmd(),
		queueCmd(),
		serversCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "postbox v%s\n", version)
		},
	}
}

// loadConfig reads the configuration with the command's flags applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func setupLogger(verbose bool, level string) *zap.Logger {
	config := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("Using the in-memory store; queue and health state are lost on exit")
		return memstore.New(), nil
	case config.DriverBadger:
		if err := os.MkdirAll(cfg.Store.Path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return badgerstore.Open(cfg.Store.Path, logger)
	case config.DriverPostgres:
		return sqlstore.Open(cfg.Store.DSN, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
