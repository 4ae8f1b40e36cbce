package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick: 1s
  timezone: UTC
task_engine:
  workers: 2
storage:
  driver: sqlite
  path: ./tasks.db
plugins:
  dir: ./plugins
  installer: ["pip", "install", "--target", "{target}", "-r", "{requirements}"]
api:
  enabled: true
  addr: 127.0.0.1:8088
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(baseYAML))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 2 {
		t.Fatalf("task_engine not decoded: %+v", cfg.TaskEngine)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage not decoded: %+v", cfg.Storage)
	}
	if got := cfg.Plugins.Installer; len(got) != 6 || got[3] != "{target}" {
		t.Fatalf("installer = %v", got)
	}
	if !cfg.Plugins.WatchEnabled() {
		t.Fatalf("watch should default to true")
	}

	if _, err := Decode("config.json", []byte(`{"logging":{"level":"info"}}`)); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", cfg, err)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	cases := []struct {
		name, path, body string
	}{
		{"unknown yaml key", "c.yaml", "logging:\n  levle: info\n"},
		{"unknown json key", "c.json", `{"sheduler":{}}`},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default ok", func(c *Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad tick", func(c *Config) { c.Scheduler.Tick = "soon" }, "scheduler.tick"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"negative workers", func(c *Config) { c.TaskEngine = &TaskEngineConfig{Workers: -1} }, "task_engine.workers"},
		{"sqlite without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"postgres without dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"bad api addr", func(c *Config) { c.API.Addr = "localhost" }, "api.addr"},
		{"alerts without token", func(c *Config) {
			c.Alerts = &AlertsConfig{Telegram: TelegramAlerts{Enabled: true, ChatIDs: []int64{1}}}
		}, "alerts.telegram.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", baseYAML)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	writeFile(t, dir, "config.yaml", strings.Replace(baseYAML, "workers: 2", "workers: 6", 1))
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload: changed=%v err=%v", changed, err)
	}
	select {
	case got := <-sub:
		if got.TaskEngine.Workers != 6 {
			t.Fatalf("published workers = %d", got.TaskEngine.Workers)
		}
	default:
		t.Fatalf("no config published")
	}

	writeFile(t, dir, "config.yaml", strings.Replace(baseYAML, "tick: 1s", "tick: often", 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("invalid config accepted")
	}
	if m.Get().TaskEngine.Workers != 6 {
		t.Fatalf("rejected config replaced the committed one")
	}
}

func TestValidatorHookRejects(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return os.ErrInvalid
		}
		return nil
	})
	writeFile(t, dir, "config.json", `{"logging":{"level":"error"}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("validator ignored")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("level = %q", m.Get().Logging.Level)
	}
}

func TestSlowSubscriberGetsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("subscriber got stale config")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", baseYAML)
	m := NewConfigManager(path)
	m.SetDebounce(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", strings.Replace(baseYAML, "level: debug", "level: warn", 1))

	select {
	case got := <-sub:
		if got.Logging.Level != "warn" {
			t.Fatalf("level = %q", got.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not publish")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a, _ := Decode("a.yaml", []byte(baseYAML))
	b, _ := Decode("b.yaml", []byte(baseYAML))
	b.Logging.Level = "warn"
	b.Storage.DSN = "postgres://secret"
	b.API.Token = "hunter2"

	changed, attrs, restart := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "api,logging,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "api,storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	changed, _, _ = SummarizeConfigChange(a, a)
	if len(changed) != 0 {
		t.Fatalf("self diff = %v", changed)
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d := MustDuration("bogus", 3*time.Second); d != 3*time.Second {
		t.Fatalf("MustDuration = %v", d)
	}
}
