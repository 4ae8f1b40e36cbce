package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Omitted sections
// fall back to component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool. Nil means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage selects the task definition store. Nil means the in-memory store.
	Storage *StorageConfig `json:"storage,omitempty"`

	Plugins PluginsConfig `json:"plugins"`
	API     APIConfig     `json:"api"`

	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop.
//
// Defaults:
//   - tick: "1s"
//   - poll_interval: tick
//   - timezone: local time
type SchedulerConfig struct {
	Tick         string `json:"tick,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	// Timezone applies to cron rules without their own timezone. Changing it requires a restart.
	Timezone   string `json:"timezone,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// TaskEngineConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256 (per priority queue)
//   - default_timeout: "5m"
//   - max_queue_delay: "0s" (disabled)
//   - history_ttl: "1h"
//   - retry_max: 0 (no cap on per-task max_retries)
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistoryTTL     string `json:"history_ttl,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// CircuitTripFailures < 0 disables the per-plugin circuit breaker.
	CircuitTripFailures int `json:"circuit_trip_failures,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PluginsConfig controls the plugin registry and hot loader.
type PluginsConfig struct {
	Dir        string `json:"dir"`
	RuntimeDir string `json:"runtime_dir,omitempty"`
	Debounce   string `json:"debounce,omitempty"`

	// Installer is the dependency install command template. Placeholders:
	// {target}, {requirements}, and {deps} (standalone, expands to one arg per dependency).
	Installer      []string `json:"installer,omitempty"`
	InstallTimeout string   `json:"install_timeout,omitempty"`

	// Watch defaults to true.
	Watch           *bool `json:"watch,omitempty"`
	VerifyOnExecute bool  `json:"verify_on_execute,omitempty"`
}

func (p PluginsConfig) WatchEnabled() bool { return p.Watch == nil || *p.Watch }

// APIConfig controls the admin HTTP API.
//
// Security note: prefer binding to localhost. A token enables bearer auth.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token   string `json:"token,omitempty"` // do not log
}

type AlertsConfig struct {
	Telegram TelegramAlerts `json:"telegram"`
}

// TelegramAlerts sends failed and timed-out executions to chats.
type TelegramAlerts struct {
	Enabled  bool    `json:"enabled"`
	Token    string  `json:"token"` // do not log
	ChatIDs  []int64 `json:"chat_ids"`
	ThreadID int     `json:"thread_id,omitempty"`
	// RatePerMinute bounds outgoing alerts. Default 20.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

// Default returns the config used when no file is present.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Plugins: PluginsConfig{Dir: "./plugins"},
		API:     APIConfig{Addr: "127.0.0.1:8088"},
	}
}
