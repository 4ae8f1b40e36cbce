package main

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"plugsched/internal/app"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "plugsched",
		Short: "Plugin scheduler",
		Long: `plugsched runs registered plugins on interval or cron schedules
kept in a shared task definition store, and on demand.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./plugsched.yaml", "config file (yaml or json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level in one-shot commands")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTaskCommand(opts))
	cmd.AddCommand(newTriggerCommand(opts))
	cmd.AddCommand(newPluginsCommand(opts))
	return cmd
}

func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

// openApp builds an App for a one-shot command. Nothing is started; the
// caller must Close it.
func (o *rootOptions) openApp() (*app.App, error) {
	var opts []app.Option
	if !o.verbose {
		opts = append(opts, app.WithLogLevel("warn"))
	}
	return app.New(o.configPath, opts...)
}

// withApp runs fn against a freshly reconciled schedule.
func (o *rootOptions) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := o.openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	a.Scheduler().Reconciler().Poll(ctx)
	return fn(a)
}
