package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var levels = map[string]bool{"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate rejects configs that would fail later at wiring time. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if !levels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		check(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	duration("scheduler.tick", cfg.Scheduler.Tick)
	duration("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			check(errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			check(errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.RetryMax < 0 {
			check(errors.New("task_engine.retry_max must be >= 0"))
		}
		duration("task_engine.default_timeout", te.DefaultTimeout)
		duration("task_engine.max_queue_delay", te.MaxQueueDelay)
		duration("task_engine.history_ttl", te.HistoryTTL)
		duration("task_engine.retry_base", te.RetryBase)
		duration("task_engine.retry_max_delay", te.RetryMaxDelay)
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				check(fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver))
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(sc.DSN) == "" {
				check(errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			check(fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
		}
		duration("storage.busy_timeout", sc.BusyTimeout)
	}

	duration("plugins.debounce", cfg.Plugins.Debounce)
	duration("plugins.install_timeout", cfg.Plugins.InstallTimeout)
	if len(cfg.Plugins.Installer) > 0 && strings.TrimSpace(cfg.Plugins.Installer[0]) == "" {
		check(errors.New("plugins.installer: empty command"))
	}

	if addr := strings.TrimSpace(cfg.API.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			check(fmt.Errorf("api.addr: %w", err))
		}
	}

	if a := cfg.Alerts; a != nil && a.Telegram.Enabled {
		if strings.TrimSpace(a.Telegram.Token) == "" {
			check(errors.New("alerts.telegram.token is required when enabled"))
		}
		if len(a.Telegram.ChatIDs) == 0 {
			check(errors.New("alerts.telegram.chat_ids is required when enabled"))
		}
		if a.Telegram.RatePerMinute < 0 {
			check(errors.New("alerts.telegram.rate_per_minute must be >= 0"))
		}
	}
	return errors.Join(errs...)
}
