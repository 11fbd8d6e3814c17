package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cschleiden/instance-restarter/core"
	"github.com/cschleiden/instance-restarter/trigger"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func AddRunCommands(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run [FILE]",
		Short: "Run one execution for the event in FILE and print its result",
		Long: `Decodes the trigger event in FILE, or stdin if FILE is "-", runs the restart workflow to
completion and prints the result as JSON. Exits with a non-zero status if the execution failed.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	payload, err := trigger.Decode(data)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	tp, shutdownTracing, err := newTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(ctx)

	activities, err := newActivities(cfg)
	if err != nil {
		return err
	}

	n, closeNotifier := newNotifier(cfg, logger)
	defer closeNotifier()

	opts := append(cfg.ExecutorOptions(),
		workflow.WithLogger(logger),
		workflow.WithTracerProvider(tp),
	)

	e := workflow.NewExecutor(activities, n, opts...)

	result, execErr := e.Execute(ctx, core.NewExecution(payload.InstanceID, uuid.NewString()), payload)

	if result != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}

	return execErr
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}

	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading event: %w", err)
	}

	return b, nil
}
