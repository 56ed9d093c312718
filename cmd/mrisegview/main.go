package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mrisegview/pkg/config"
	"mrisegview/pkg/logging"
)

var (
	version    = "0.1.0"
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:           "mrisegview",
		Short:         "mrisegview - segment brain MRI scans and browse slices with the label overlay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// loadConfig reads the configuration named by --config and applies its
// logging section
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Verbose = true
	}
	cfg.Logging.SetLogger()
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mrisegview.yaml", "Configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages")

	rootCmd.AddCommand(serveCmd, runCmd, slicesCmd, tasksCmd, configCmd)
}

func main() {
	err := rootCmd.Execute()
	logging.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
