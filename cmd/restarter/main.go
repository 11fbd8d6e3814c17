package main

import (
	"os"

	"github.com/cschleiden/instance-restarter/cmd/restarter/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "restarter",
	Short:        "restarter stops and restarts EC2 instances that failed their status checks",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	commands.AddRootFlags(rootCmd)

	commands.AddServeCommands(rootCmd)
	commands.AddRunCommands(rootCmd)
	commands.AddRenderCommands(rootCmd)
}
