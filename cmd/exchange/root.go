package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exchange/internal/config"
	"exchange/internal/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "exchange",
		Short:         "Currency exchange server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("error loading configuration: %w", err)
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to create zap logger: %w", err)
			}
			opts.cfg = cfg
			opts.logger = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (yaml, json or toml)")

	serve := newServeCmd(opts)
	cmd.AddCommand(serve, newMigrateCmd(opts), newRateCmd(opts), newWatchCmd(opts))
	cmd.RunE = serve.RunE
	return cmd
}
