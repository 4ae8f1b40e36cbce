package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`logging:
  level: warn
  console: true
storage:
  driver: file
  path: %s
plugins:
  dir: %s
  runtime_dir: %s
  watch: false
`, filepath.Join(dir, "data", "tasks"), filepath.Join(dir, "plugins"), filepath.Join(dir, "runtime"))
	path := filepath.Join(dir, "plugsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTaskCommandsRoundTrip(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "task", "add", "--id", "t1", "--plugin", "echo", "--interval", "90", "--param", "message=hi", "--param", "upper=true")
	require.NoError(t, err)
	assert.Equal(t, "t1\n", out)

	_, err = run(t, "-c", cfg, "task", "add", "--id", "t2", "--plugin", "echo", "--cron", "*/5 * * * *", "--disabled")
	require.NoError(t, err)

	out, err = run(t, "-c", cfg, "task", "list", "--json")
	require.NoError(t, err)
	var defs []storage.TaskDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.Len(t, defs, 2)
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	assert.Equal(t, map[string]any{"message": "hi", "upper": true}, defs[0].Parameters)
	assert.False(t, defs[1].Enabled)

	_, err = run(t, "-c", cfg, "task", "enable", "t2")
	require.NoError(t, err)

	exported := filepath.Join(t.TempDir(), "tasks.json")
	_, err = run(t, "-c", cfg, "task", "export", "-o", exported)
	require.NoError(t, err)

	out, err = run(t, "-c", cfg, "task", "remove", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = run(t, "-c", cfg, "task", "remove", "t1")
	require.Error(t, err)

	other := writeConfig(t)
	out, err = run(t, "-c", other, "task", "import", exported)
	require.NoError(t, err)
	assert.Equal(t, "imported 2 tasks\n", out)
}

func TestTaskAddRejectsUnknownPlugin(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "-c", cfg, "task", "add", "--plugin", "nope", "--interval", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}

func TestTriggerRunsPlugin(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "-c", cfg, "trigger", "echo", "message=ping", "--json", "--wait", "5s")
	require.NoError(t, err)
	var rec engine.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, engine.StateSuccess, rec.State)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "ping", rec.Result.Output)
}

func TestPluginsListsBuiltins(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "-c", cfg, "plugins")
	require.NoError(t, err)
	for _, name := range []string{"echo", "sleep", "system", "systemd"} {
		assert.Contains(t, out, name)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams(`{"a":1,"b":"x"}`, []string{"b=y", "n=3", "ok=true", "s=hello world", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "y", "n": float64(3), "ok": true, "s": "hello world", "empty": ""}, got)

	_, err = parseParams("", []string{"novalue"})
	require.Error(t, err)
	_, err = parseParams("[1]", nil)
	require.Error(t, err)
}

func TestIntervalConfig(t *testing.T) {
	cases := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{raw: "60", want: 60},
		{raw: "5m", want: 300},
		{raw: "0", wantErr: true},
		{raw: "500ms", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := intervalConfig(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got["interval_seconds"] != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got["interval_seconds"], tc.want)
		}
	}
}

func TestTaskFlagsNeedOneSchedule(t *testing.T) {
	_, err := taskFlags{plugin: "echo"}.definition()
	require.Error(t, err)
	_, err = taskFlags{plugin: "echo", interval: "10", cron: "* * * * *"}.definition()
	require.Error(t, err)

	def, err := taskFlags{plugin: "echo", cron: "0 3 * * *", timezone: "UTC", timeout: 90 * time.Second}.definition()
	require.NoError(t, err)
	assert.Equal(t, storage.ScheduleCron, def.ScheduleType)
	assert.Equal(t, "UTC", def.ScheduleConfig["timezone"])
	assert.Equal(t, 90, def.Timeout)
	assert.True(t, def.Enabled)
}

func TestRenderTasks(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-2 * time.Minute)
	out := renderTasks([]storage.TaskDefinition{{
		ID: "t1", Name: "job", PluginName: "echo", Enabled: true, Priority: 5,
		ScheduleType: storage.ScheduleInterval, ScheduleConfig: map[string]any{"interval_seconds": float64(300)},
		LastRun: &last,
	}}, now)
	assert.Contains(t, out, "every 5m0s")
	assert.Contains(t, out, "2 minutes ago")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "ID"))
	assert.Contains(t, renderTasks(nil, now), "no tasks")
}
