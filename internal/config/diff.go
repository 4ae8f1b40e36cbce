package config

import (
	"reflect"
	"sort"
	"strings"

	logx "plugsched/pkg/logx"
)

// restartSections take effect only after a restart.
var restartSections = map[string]bool{"storage": true, "api": true, "alerts": true, "plugins.dir": true, "scheduler.timezone": true}

// SummarizeConfigChange returns the sorted changed sections, safe attrs for
// logging (secrets are reduced to *_set flags) and the subset of changed
// sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	osch, nsch := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(osch.Tick) != strings.TrimSpace(nsch.Tick) ||
		strings.TrimSpace(osch.PollInterval) != strings.TrimSpace(nsch.PollInterval) ||
		osch.InstanceID != nsch.InstanceID {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", strings.TrimSpace(nsch.Tick)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(nsch.PollInterval)),
		)
	}
	if strings.TrimSpace(osch.Timezone) != strings.TrimSpace(nsch.Timezone) {
		changed = append(changed, "scheduler.timezone")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(nsch.Timezone)))
	}

	ote, nte := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if !reflect.DeepEqual(ote, nte) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nte.Workers),
			logx.Int("task_engine.queue_size", nte.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nte.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nte.RetryMax),
		)
	}

	var osc, nsc StorageConfig
	if oldCfg.Storage != nil {
		osc = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nsc = *newCfg.Storage
	}
	if osc != nsc {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nsc.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nsc.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nsc.DSN) != ""),
		)
	}

	op, np := oldCfg.Plugins, newCfg.Plugins
	if strings.TrimSpace(op.Dir) != strings.TrimSpace(np.Dir) || strings.TrimSpace(op.RuntimeDir) != strings.TrimSpace(np.RuntimeDir) {
		changed = append(changed, "plugins.dir")
		attrs = append(attrs, logx.String("plugins.dir", strings.TrimSpace(np.Dir)))
	}
	op.Dir, np.Dir, op.RuntimeDir, np.RuntimeDir = "", "", "", ""
	if !reflect.DeepEqual(op, np) {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Bool("plugins.watch", np.WatchEnabled()),
			logx.Bool("plugins.verify_on_execute", np.VerifyOnExecute),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if !reflect.DeepEqual(oa, na) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", na.Telegram.Enabled),
			logx.Int("alerts.telegram.chat_count", len(na.Telegram.ChatIDs)),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(na.Telegram.Token) != ""),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}
