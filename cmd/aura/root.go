package main

import (
	"github.com/spf13/cobra"

	"github.com/auravoice/aura/internal/config"
	"github.com/auravoice/aura/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "aura",
	Short: "Voice conversation client for the Aura assistant backend",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			logging.Disable()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable runtime logging")
	rootCmd.AddCommand(runCmd, sessionsCmd, versionCmd)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
