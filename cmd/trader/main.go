package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/crypto-trading/perpvenue/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "trader",
		Short:         "Perpetual futures venue integration",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional .env file with venue secrets")

	root.AddCommand(
		newRunCmd(opts),
		newMarketsCmd(opts),
		newCancelAllCmd(opts),
		newKillSwitchCmd(opts),
	)
	return root
}

// load reads secrets and configuration and installs the process logger.
func (o *rootOptions) load() (*config.Config, func(), error) {
	bootstrap := initLogger(config.SystemConfig{LogLevel: "INFO"})
	if err := config.LoadDotEnv(o.envFile); err != nil {
		bootstrap.logger.Error("failed to load env file", "error", err)
		return nil, nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		bootstrap.logger.Error("failed to load configuration", "error", err)
		return nil, nil, err
	}
	bootstrap.close()

	lg := initLogger(cfg.System)
	lg.logger.Info("configuration loaded",
		"instance_id", cfg.System.InstanceID,
		"trading_mode", cfg.System.TradingMode,
	)
	return cfg, lg.close, nil
}
