package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
)

func newTriggerCommand(root *rootOptions) *cobra.Command {
	var (
		priority   int
		paramsJSON string
		wait       time.Duration
		asJSON     bool
		taskID     string
	)
	cmd := &cobra.Command{
		Use:   "trigger [plugin] [key=value...]",
		Short: "Run a plugin (or a stored task with --task) once, right now",
		Long: `trigger bypasses every schedule. It works for disabled tasks and never
touches last_run/next_run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" && len(args) == 0 {
				return fmt.Errorf("plugin name or --task is required")
			}
			a, err := root.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			eng := a.Engine()
			eng.Start(ctx)
			defer func() {
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				eng.Stop(stopCtx)
			}()

			var handle string
			if taskID != "" {
				handle, err = a.Scheduler().TriggerTask(ctx, taskID)
			} else {
				var params map[string]any
				params, err = parseParams(paramsJSON, args[1:])
				if err != nil {
					return err
				}
				handle, err = a.Scheduler().TriggerNow(ctx, args[0], params, priority)
			}
			if err != nil {
				return err
			}
			rec, err := eng.Wait(ctx, handle)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", handle, err)
			}
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), rec); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), renderRecord(rec))
			}
			if rec.State != engine.StateSuccess {
				return fmt.Errorf("execution %s", rec.State)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&priority, "priority", storage.DefaultPriority, "priority 1-10")
	fl.StringVar(&paramsJSON, "params-json", "", "parameters as a JSON object, merged under key=value args")
	fl.DurationVar(&wait, "wait", 10*time.Minute, "how long to wait for the result")
	fl.BoolVar(&asJSON, "json", false, "print the execution record as JSON")
	fl.StringVar(&taskID, "task", "", "run a stored task with its own parameters")
	return cmd
}
