package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"swing-cam/launchmonitor"
	"swing-cam/ledger"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	// Load .env file if it exists
	godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         "Swing camera for launch monitors",
		Long:          "Keeps a rolling capture armed ahead of a shot and saves the last few seconds as a clip when the launch monitor reports one.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: XDG config directory)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))

	return rootCmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the camera and the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove leftover rolling buffers and report clips without records",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := ledger.Open(clipDir(config.DataDir), ledger.DefaultCacheBytes)
			if err != nil {
				return err
			}

			removed, err := launchmonitor.SweepTemp(store.Dir(), logger)
			if err != nil {
				return fmt.Errorf("failed to sweep rolling buffers: %w", err)
			}
			orphans, err := NewStorageManager(store, config.StorageCapGB, logger, &noopMetrics{}).ReportOrphans()
			if err != nil {
				return err
			}
			logger.Printf("Removed %d rolling buffer(s), found %d clip(s) without a record", removed, len(orphans))
			return nil
		},
	}
}

func loadConfig(opts *rootOptions) (*Config, *Logger, error) {
	configPath := opts.configPath
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	config, err := LoadOrCreateConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return config, NewLogger(config.LogLevel, opts.verbose), nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	config, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger.Printf("Starting %s...", AppName)
	logger.Printf("Listening on port %d", config.Port)
	logger.Printf("Data directory: %s", config.DataDir)
	logger.Printf("Storage cap: %dGB", config.StorageCapGB)
	logger.Debugf("Auth token: %s", config.AuthToken)

	backend, err := newBackend(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize camera: %w", err)
	}
	app, err := NewApp(config, backend, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}
