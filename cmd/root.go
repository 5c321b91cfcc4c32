// Package cmd implements the curator command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/config"
)

const (
	keyConfig = "config"
	keyDebug  = "debug"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "curator",
		Short:         "Save, enrich and cluster shared links",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String(keyConfig, "config.yml", "config file")
	root.PersistentFlags().Bool(keyDebug, false, "enable debug logging")
	_ = viper.BindPFlag(keyConfig, root.PersistentFlags().Lookup(keyConfig))
	_ = viper.BindPFlag(keyDebug, root.PersistentFlags().Lookup(keyDebug))
	viper.SetEnvPrefix("CURATOR")
	viper.AutomaticEnv()

	root.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newReclusterCommand(),
		newTokenCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

// loadConfig reads the config file named by --config and applies --debug.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString(keyConfig))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if viper.GetBool(keyDebug) {
		cfg.Service.Debug = true
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	cfg.Profiling.Version = Version
	return cfg, nil
}

// setup loads config and builds the logger every command shares.
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log = log.With(logger.String("service", cfg.Service.Name))
	logger.SetDefault(log)
	return cfg, log, nil
}
