package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"

	"plugsched/internal/app"
)

const bannerText = `
{{ .Title "plugsched" "" 0 }}
{{ .AnsiColor.BrightCyan }}   version {{ .Env "PLUGSCHED_VERSION" }} · go {{ .GoVersion }} · {{ .GOOS }}/{{ .GOARCH }}{{ .AnsiReset }}
`

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		envFile  string
		noBanner bool
		stopWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, worker pool and plugin hot-loader",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			if !noBanner {
				_ = os.Setenv("PLUGSCHED_VERSION", Version)
				banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))
			}
			return serve(root.configPath, stopWait)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (optional when left at default)")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "skip the startup banner")
	cmd.Flags().DurationVar(&stopWait, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func serve(cfgPath string, stopWait time.Duration) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(context.Background()); err != nil {
		_ = a.Close()
		return err
	}
	// Not running under systemd is fine; SdNotify then reports false.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), stopWait)
	defer cancel()
	fatal := a.Err()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	return fatal
}
