package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mrisegview/pkg/config"
	"mrisegview/pkg/tasks"
)

var (
	tasksCmd = &cobra.Command{
		Use:   "tasks",
		Short: "List the segmentation tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			executeTasks(cmd.OutOrStdout())
			return nil
		},
	}

	configForce bool
	configCmd   = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			return executeConfigInit(path, configForce, cmd.OutOrStdout())
		},
	}
)

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

// executeTasks prints the task registry in selection order
func executeTasks(w io.Writer) {
	fmt.Fprintf(w, "%-20s %-16s %s\n", "TASK", "MODEL", "LABEL")
	for _, t := range tasks.All() {
		name := t.Name
		if name == tasks.DefaultTask {
			name += " *"
		}
		fmt.Fprintf(w, "%-20s %-16s %s\n", name, t.ModelID, t.ResultLabel)
	}
}

// executeConfigInit writes the default configuration to path
func executeConfigInit(path string, force bool, w io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote default configuration to %s\n", path)
	return nil
}
