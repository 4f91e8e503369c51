package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mydolphin-bridge/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dolphin-bridge",
		Short:         "Bridge a MyDolphin Plus pool robot to a local automation host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	root.AddCommand(
		newRunCommand(&configPath),
		newStatusCommand(&configPath),
		newSetModeCommand(&configPath),
		newNavigateCommand(&configPath),
		newLEDCommand(&configPath),
		newPowerCommand(&configPath, true),
		newPowerCommand(&configPath, false),
		newPickupCommand(&configPath),
		newLocateCommand(&configPath),
		newResetFilterCommand(&configPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	var log *zap.Logger
	if cfg.Log.Debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}
