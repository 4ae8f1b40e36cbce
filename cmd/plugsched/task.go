package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"plugsched/internal/app"
	"plugsched/internal/storage"
)

func newTaskCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task definitions in the configured store",
		Example: `  # Run the echo plugin every five minutes
  plugsched task add --plugin echo --interval 5m --param message=hello

  # Run at 03:30 every day in Berlin time
  plugsched task add --plugin system --cron "30 3 * * *" --timezone Europe/Berlin

  # Move definitions between stores
  plugsched task export -o tasks.json
  plugsched -c other.yaml task import tasks.json`,
	}
	cmd.AddCommand(newTaskAddCommand(root))
	cmd.AddCommand(newTaskListCommand(root))
	cmd.AddCommand(newTaskRemoveCommand(root))
	cmd.AddCommand(newTaskToggleCommand(root, true))
	cmd.AddCommand(newTaskToggleCommand(root, false))
	cmd.AddCommand(newTaskExportCommand(root))
	cmd.AddCommand(newTaskImportCommand(root))
	return cmd
}

type taskFlags struct {
	id         string
	name       string
	plugin     string
	params     []string
	paramsJSON string
	interval   string
	cron       string
	timezone   string
	priority   int
	maxRetries int
	timeout    time.Duration
	disabled   bool
}

func (f taskFlags) definition() (storage.TaskDefinition, error) {
	params, err := parseParams(f.paramsJSON, f.params)
	if err != nil {
		return storage.TaskDefinition{}, err
	}
	def := storage.TaskDefinition{
		ID:         f.id,
		Name:       f.name,
		PluginName: f.plugin,
		Parameters: params,
		Enabled:    !f.disabled,
		Priority:   f.priority,
		MaxRetries: f.maxRetries,
		Timeout:    int(f.timeout / time.Second),
	}
	switch {
	case f.interval != "" && f.cron != "":
		return def, errors.New("--interval and --cron are mutually exclusive")
	case f.interval != "":
		def.ScheduleType = storage.ScheduleInterval
		def.ScheduleConfig, err = intervalConfig(f.interval)
		if err != nil {
			return def, err
		}
	case f.cron != "":
		def.ScheduleType = storage.ScheduleCron
		def.ScheduleConfig = map[string]any{"cron": f.cron}
		if f.timezone != "" {
			def.ScheduleConfig["timezone"] = f.timezone
		}
	default:
		return def, errors.New("one of --interval or --cron is required")
	}
	return def, nil
}

// intervalConfig accepts plain seconds or a Go duration.
func intervalConfig(raw string) (map[string]any, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return map[string]any{"interval_seconds": float64(n)}, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q", raw)
	}
	if d < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s")
	}
	return map[string]any{"interval_seconds": float64(d / time.Second)}, nil
}

func newTaskAddCommand(root *rootOptions) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := f.definition()
			if err != nil {
				return err
			}
			return root.withApp(cmd.Context(), func(a *app.App) error {
				id, err := a.Scheduler().AddTask(cmd.Context(), def)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "task id (generated when empty)")
	fl.StringVar(&f.name, "name", "", "display name (defaults to the plugin name)")
	fl.StringVarP(&f.plugin, "plugin", "p", "", "plugin to run")
	fl.StringArrayVar(&f.params, "param", nil, "parameter as key=value; values are parsed as JSON when possible")
	fl.StringVar(&f.paramsJSON, "params-json", "", "parameters as a JSON object, merged under --param")
	fl.StringVar(&f.interval, "interval", "", "run every N seconds or Go duration (e.g. 90, 5m)")
	fl.StringVar(&f.cron, "cron", "", `cron expression "m h dom mon dow"`)
	fl.StringVar(&f.timezone, "timezone", "", "IANA timezone for --cron")
	fl.IntVar(&f.priority, "priority", storage.DefaultPriority, "priority 1-10")
	fl.IntVar(&f.maxRetries, "max-retries", 0, "retries after a failed execution")
	fl.DurationVar(&f.timeout, "timeout", 0, "execution timeout (0 = worker pool default)")
	fl.BoolVar(&f.disabled, "disabled", false, "store the task disabled")
	_ = cmd.MarkFlagRequired("plugin")
	return cmd
}

func newTaskListCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List task definitions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				defs, stale := a.Scheduler().ListTasks()
				if stale {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: store unavailable, list may be stale")
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), defs)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTasks(defs, time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newTaskRemoveCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task definition",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				ok, err := a.Scheduler().RemoveTask(cmd.Context(), args[0])
				return reportBool(cmd, ok, err, args[0], "removed")
			})
		},
	}
}

func newTaskToggleCommand(root *rootOptions, enable bool) *cobra.Command {
	use, verb := "disable", "disabled"
	if enable {
		use, verb = "enable", "enabled"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				toggle := a.Scheduler().DisableTask
				if enable {
					toggle = a.Scheduler().EnableTask
				}
				ok, err := toggle(cmd.Context(), args[0])
				return reportBool(cmd, ok, err, args[0], verb)
			})
		},
	}
}

func reportBool(cmd *cobra.Command, ok bool, err error, id, verb string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", id, verb)
	return nil
}

func newTaskExportCommand(root *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every task definition as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return root.withApp(cmd.Context(), func(a *app.App) error {
				n, err := storage.Export(cmd.Context(), a.Store(), w)
				if err != nil {
					return err
				}
				if out != "" && out != "-" {
					fmt.Fprintf(cmd.ErrOrStderr(), "exported %d tasks to %s\n", n, out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "-", "output file")
	return cmd
}

func newTaskImportCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Load task definitions exported by 'task export'",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return root.withApp(cmd.Context(), func(a *app.App) error {
				n, err := storage.Import(cmd.Context(), a.Store(), r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d tasks\n", n)
				return nil
			})
		},
	}
}
