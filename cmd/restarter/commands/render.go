package commands

import (
	"fmt"

	"github.com/cschleiden/instance-restarter/asl"
	"github.com/spf13/cobra"
)

func AddRenderCommands(rootCmd *cobra.Command) {
	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Render deployment artifacts",
	}

	definitionCmd := &cobra.Command{
		Use:   "definition",
		Short: "Print the Step Functions definition of the restart workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			b, err := asl.Render(cfg.Definition(), cfg.ASLResources())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}

	patternCmd := &cobra.Command{
		Use:   "pattern",
		Short: "Print the EventBridge pattern matching the status check alarms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			b, err := asl.EventPattern(cfg.AlarmNamePrefix)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}

	renderCmd.AddCommand(definitionCmd, patternCmd)
	rootCmd.AddCommand(renderCmd)
}
