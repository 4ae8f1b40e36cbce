package app

import (
	"fmt"
	"strings"
	"time"

	"plugsched/internal/alert"
	"plugsched/internal/api"
	"plugsched/internal/config"
	"plugsched/internal/plugin"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
	"plugsched/internal/task/scheduler"
	logx "plugsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorageConfig converts the storage section. A missing section selects
// the in-memory store.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil || cfg.TaskEngine == nil {
		return engine.Config{}, nil
	}
	te := cfg.TaskEngine
	out := engine.Config{
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.HistoryTTL, err = config.ParseDurationField("task_engine.history_ttl", te.HistoryTTL); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("task_engine.retry_base", te.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("task_engine.retry_max_delay", te.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick", sc.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Tick:         tick,
		PollInterval: poll,
		Timezone:     strings.TrimSpace(sc.Timezone),
		InstanceID:   strings.TrimSpace(sc.InstanceID),
	}, nil
}

func mapPluginConfig(cfg *config.Config) (plugin.Config, error) {
	pc := cfg.Plugins
	debounce, err := config.ParseDurationField("plugins.debounce", pc.Debounce)
	if err != nil {
		return plugin.Config{}, err
	}
	install, err := config.ParseDurationField("plugins.install_timeout", pc.InstallTimeout)
	if err != nil {
		return plugin.Config{}, err
	}
	return plugin.Config{
		RuntimeDir:      strings.TrimSpace(pc.RuntimeDir),
		Debounce:        debounce,
		Installer:       append([]string(nil), pc.Installer...),
		InstallTimeout:  install,
		VerifyOnExecute: pc.VerifyOnExecute,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, bool) {
	return api.Config{
		Addr:  strings.TrimSpace(cfg.API.Addr),
		Token: strings.TrimSpace(cfg.API.Token),
	}, cfg.API.Enabled
}

// mapAlertConfig maps the alert routing whether or not Telegram is enabled,
// so an injected sender still reaches the configured chats. The bool gates
// only the Telegram client.
func mapAlertConfig(cfg *config.Config) (alert.Config, string, bool) {
	if cfg.Alerts == nil {
		return alert.Config{}, "", false
	}
	tg := cfg.Alerts.Telegram
	return alert.Config{
		ChatIDs:       append([]int64(nil), tg.ChatIDs...),
		ThreadID:      tg.ThreadID,
		RatePerMinute: tg.RatePerMinute,
	}, strings.TrimSpace(tg.Token), tg.Enabled
}
