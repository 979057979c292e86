package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/logger"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log, err := logger.New(logger.Config{Level: "info", Format: "text", Output: "stdout"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		configPath := "config.toml"
		if len(args) > 0 {
			configPath = args[0]
		}

		log.Info("validating configuration", logger.Field{Key: "path", Value: configPath})

		cfg, err := config.Load(configPath)
		if err != nil {
			log.Error("failed to load config", err)
			os.Exit(1)
		}

		if errs := cfg.Validate(); len(errs) > 0 {
			for _, e := range errs {
				log.Error("validation error", e)
			}
			os.Exit(1)
		}
		for _, w := range cfg.Warnings() {
			log.Warn(w)
		}

		log.Info("configuration is valid")
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
