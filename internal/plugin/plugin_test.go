package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugsched/internal/apperr"
	"plugsched/internal/eventbus"
	"plugsched/pkg/logx"
)

func needShell(t *testing.T) {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("exec plugins need a POSIX shell")
	}
}

func writePlugin(t *testing.T, root, name, descriptor string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(descriptor), 0o644))
	for rel, body := range files {
		mode := os.FileMode(0o644)
		if strings.HasSuffix(rel, ".sh") {
			mode = 0o755
		}
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), mode))
	}
	return dir
}

func newTestRuntime(t *testing.T, cfg Config, builtins ...Builtin) (*Runtime, string) {
	t.Helper()
	root := t.TempDir()
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = t.TempDir()
	}
	reg := NewRegistry(root)
	require.NoError(t, reg.Register(builtins...))
	rt := NewRuntime(reg, cfg, logx.Nop(), eventbus.New())
	t.Cleanup(rt.Close)
	return rt, root
}

const catDescriptor = `
name: cat
version: 1.2.0
entry_point: run.sh
parameters:
  msg: {required: true, type: string}
`

func TestParseDescriptorFormats(t *testing.T) {
	y, err := ParseDescriptor([]byte(catDescriptor), "plugin.yaml")
	require.NoError(t, err)
	j, err := ParseDescriptor([]byte(`{"name":"cat","version":"1.2.0","entry_point":"run.sh","parameters":{"msg":{"required":true,"type":"string"}}}`), "plugin.json")
	require.NoError(t, err)
	assert.Equal(t, y, j)
	assert.True(t, y.IsEnabled())
	require.NoError(t, y.Validate())

	_, err = ParseDescriptor([]byte("name: x\nversion: 1.0.0\nbogus: 1\n"), "plugin.yaml")
	assert.True(t, apperr.Is(err, apperr.PluginLoad), "unknown fields are rejected: %v", err)

	bad := Descriptor{Name: "x", Version: "not-a-version"}
	assert.True(t, apperr.Is(bad.Validate(), apperr.PluginLoad))
}

func TestValidateParams(t *testing.T) {
	d := Descriptor{Name: "p", Version: "1.0.0", Parameters: map[string]ParamSpec{
		"name":  {Required: true, Type: "string"},
		"count": {Type: "int"},
		"ratio": {Type: "number"},
		"tags":  {Type: "array"},
	}}
	cases := []struct {
		name   string
		params map[string]any
		ok     bool
	}{
		{"minimal", map[string]any{"name": "a"}, true},
		{"missing required", map[string]any{"count": 1.0}, false},
		{"integral float is int", map[string]any{"name": "a", "count": 3.0}, true},
		{"fractional is not int", map[string]any{"name": "a", "count": 3.5}, false},
		{"number accepts int", map[string]any{"name": "a", "ratio": 2}, true},
		{"wrong type", map[string]any{"name": 1}, false},
		{"array", map[string]any{"name": "a", "tags": []any{"x"}}, true},
		{"undeclared passes", map[string]any{"name": "a", "extra": true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := d.ValidateParams(tc.params)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.Configuration), "got %v", err)
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry(root)
	writePlugin(t, root, "cat", catDescriptor, map[string]string{"run.sh": "#!/bin/sh\ncat\n"})
	writePlugin(t, root, "wrong", "name: other\nversion: 1.0.0\nentry_point: x\n", nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	src, err := reg.Lookup("cat")
	require.NoError(t, err)
	assert.Equal(t, SourceDir, src.Kind)
	assert.Equal(t, "1.2.0", src.Descriptor.Version)

	_, err = reg.Lookup("wrong")
	assert.True(t, apperr.Is(err, apperr.PluginLoad))
	_, err = reg.Lookup("empty")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = reg.Lookup("../cat")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	names, err := reg.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "empty", "wrong"}, names)
}

func TestChecksumTracksContent(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry(root)
	dir := writePlugin(t, root, "cat", catDescriptor, map[string]string{"run.sh": "#!/bin/sh\ncat\n"})
	sum := func() string {
		src, err := reg.Lookup("cat")
		require.NoError(t, err)
		s, err := Checksum(src)
		require.NoError(t, err)
		return s
	}
	a := sum()
	assert.Equal(t, a, sum())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".swap"), []byte("x"), 0o644))
	assert.Equal(t, a, sum(), "hidden files are ignored")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("A=1\n"), 0o644))
	b := sum()
	assert.NotEqual(t, a, b, ".env is part of the plugin")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\ncat -\n"), 0o755))
	assert.NotEqual(t, b, sum())
}

func TestExecPluginProtocol(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{})
	writePlugin(t, root, "cat", catDescriptor, map[string]string{"run.sh": "#!/bin/sh\ncat\n"})
	writePlugin(t, root, "text", "name: text\nversion: 0.1.0\nentry_point: run.sh\nenv_vars: {WHO: descriptor}\n", map[string]string{
		"run.sh": "#!/bin/sh\necho \"$GREETING $WHO from $PLUGIN_NAME\"\n",
		".env":   "GREETING=hello\nWHO=dotenv\n",
	})
	writePlugin(t, root, "fail", "name: fail\nversion: 0.1.0\nentry_point: run.sh\n", map[string]string{
		"run.sh": "#!/bin/sh\necho boom >&2\nexit 3\n",
	})
	ctx := context.Background()

	res, err := rt.Execute(ctx, "cat", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, res.Output)
	assert.Equal(t, "1.2.0", res.Version)
	assert.NotEmpty(t, res.Checksum)

	res, err = rt.Execute(ctx, "text", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello descriptor from text", res.Output)

	_, err = rt.Execute(ctx, "fail", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.PluginExecution))
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteErrorKinds(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{})
	writePlugin(t, root, "cat", catDescriptor, map[string]string{"run.sh": "#!/bin/sh\ncat\n"})
	writePlugin(t, root, "off", "name: off\nversion: 1.0.0\nentry_point: run.sh\nenabled: false\n", map[string]string{"run.sh": "#!/bin/sh\n"})
	writePlugin(t, root, "broken", "name: broken\nversion: nope\nentry_point: run.sh\n", map[string]string{"run.sh": "#!/bin/sh\n"})
	writePlugin(t, root, "noentry", "name: noentry\nversion: 1.0.0\nentry_point: missing.sh\n", nil)
	ctx := context.Background()

	_, err := rt.Execute(ctx, "nope", nil)
	assert.True(t, apperr.Is(err, apperr.Configuration), "unknown: %v", err)
	_, err = rt.Execute(ctx, "off", nil)
	assert.True(t, apperr.Is(err, apperr.Configuration), "disabled: %v", err)
	_, err = rt.Execute(ctx, "cat", map[string]any{})
	assert.True(t, apperr.Is(err, apperr.Configuration), "missing param: %v", err)
	_, err = rt.Execute(ctx, "broken", nil)
	assert.True(t, apperr.Is(err, apperr.PluginLoad), "broken: %v", err)
	_, err = rt.Execute(ctx, "noentry", nil)
	assert.True(t, apperr.Is(err, apperr.PluginLoad), "no entry point: %v", err)

	sts, err := rt.Statuses()
	require.NoError(t, err)
	health := map[string]bool{}
	for _, st := range sts {
		health[st.Name] = st.Healthy
	}
	assert.False(t, health["broken"])
	assert.False(t, health["noentry"])
	assert.True(t, health["cat"])
}

func TestHealthyTracksLoadFailures(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{})
	dir := writePlugin(t, root, "late", "name: late\nversion: 1.0.0\nentry_point: run.sh\n", nil)
	ctx := context.Background()

	assert.True(t, rt.Has("late"))
	assert.True(t, rt.Healthy("late"), "not loaded yet is not unhealthy")

	_, err := rt.Load(ctx, "late")
	require.True(t, apperr.Is(err, apperr.PluginLoad), "missing entry point: %v", err)
	assert.False(t, rt.Healthy("late"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\necho ok\n"), 0o755))
	_, err = rt.Load(ctx, "late")
	require.NoError(t, err)
	assert.True(t, rt.Healthy("late"))

	_, err = rt.Load(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, rt.Healthy("ghost"), "unknown is a configuration problem, not a load failure")
	assert.False(t, rt.Has("ghost"))
}

func TestReloadSwapsSnapshot(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{})
	dir := writePlugin(t, root, "v", "name: v\nversion: 1.0.0\nentry_point: run.sh\n", map[string]string{"run.sh": "#!/bin/sh\necho one\n"})
	ctx := context.Background()

	changed, err := rt.Load(ctx, "v")
	require.NoError(t, err)
	require.True(t, changed)
	first, _ := rt.Loaded("v")
	assert.Equal(t, filepath.Join(rt.cfg.RuntimeDir, "v", first.Checksum[:12]), first.Path)

	changed, err = rt.Load(ctx, "v")
	require.NoError(t, err)
	assert.False(t, changed, "same checksum is a no-op")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte("name: v\nversion: 1.1.0\nentry_point: run.sh\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\necho two\n"), 0o755))
	changed, err = rt.Load(ctx, "v")
	require.NoError(t, err)
	require.True(t, changed)

	second, _ := rt.Loaded("v")
	assert.NotEqual(t, first.Path, second.Path)
	_, statErr := os.Stat(first.Path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "old snapshot is removed once unused")

	res, err := rt.Execute(ctx, "v", nil)
	require.NoError(t, err)
	assert.Equal(t, "two", res.Output)
	assert.Equal(t, "1.1.0", res.Version)
}

func TestReloadWaitsAndInFlightKeepsSnapshot(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{})
	dir := writePlugin(t, root, "slow", "name: slow\nversion: 1.0.0\nentry_point: run.sh\n", map[string]string{
		"run.sh": "#!/bin/sh\nsleep 0.4\necho v1\n",
	})
	ctx := context.Background()
	_, err := rt.Load(ctx, "slow")
	require.NoError(t, err)
	old, _ := rt.Loaded("slow")

	inflight := make(chan Result, 1)
	go func() {
		res, _ := rt.Execute(ctx, "slow", nil)
		inflight <- res
	}()
	require.Eventually(t, func() bool { return old.refs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	swapping := make(chan struct{})
	release := make(chan struct{})
	rt.beforeSwap = func(string) {
		close(swapping)
		<-release
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\necho v2\n"), 0o755))
	loadDone := make(chan error, 1)
	go func() {
		_, err := rt.Load(ctx, "slow")
		loadDone <- err
	}()
	<-swapping

	late := make(chan Result, 1)
	go func() {
		res, _ := rt.Execute(ctx, "slow", nil)
		late <- res
	}()
	select {
	case <-late:
		t.Fatal("execution arriving mid-reload must wait for the swap")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-loadDone)

	assert.Equal(t, "v1", (<-inflight).Output, "resolved call keeps its snapshot")
	assert.Equal(t, "v2", (<-late).Output, "waiting call observes the new version")
	require.Eventually(t, func() bool {
		_, err := os.Stat(old.Path)
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuiltinEnvRestoredOnPanic(t *testing.T) {
	const key = "PLUGSCHED_TEST_SCOPED"
	require.NoError(t, os.Unsetenv(key))
	var seen atomic.Value
	panicky := Builtin{
		Descriptor: Descriptor{Name: "panicky", Version: "1.0.0", EnvVars: map[string]string{key: "inside"}},
		New: func() Capability {
			return CapabilityFunc(func(ctx context.Context, params map[string]any) (any, error) {
				seen.Store(os.Getenv(key))
				if params["panic"] == true {
					panic("kaboom")
				}
				return "ok", nil
			})
		},
	}
	rt, _ := newTestRuntime(t, Config{}, panicky)
	ctx := context.Background()

	res, err := rt.Execute(ctx, "panicky", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, "inside", seen.Load())
	_, set := os.LookupEnv(key)
	assert.False(t, set)

	_, err = rt.Execute(ctx, "panicky", map[string]any{"panic": true})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.PluginExecution))
	_, set = os.LookupEnv(key)
	assert.False(t, set, "env restored after panic")
}

func TestBuiltinReloadIsFresh(t *testing.T) {
	var built atomic.Int32
	b := Builtin{
		Descriptor: Descriptor{Name: "counter", Version: "1.0.0"},
		New: func() Capability {
			built.Add(1)
			n := 0
			return CapabilityFunc(func(context.Context, map[string]any) (any, error) {
				n++
				return n, nil
			})
		},
	}
	rt, _ := newTestRuntime(t, Config{}, b)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		res, err := rt.Execute(ctx, "counter", nil)
		require.NoError(t, err)
		assert.Equal(t, i, res.Output)
	}
	require.True(t, rt.Unload("counter"))
	res, err := rt.Execute(ctx, "counter", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output, "a reload starts from fresh state")
	assert.Equal(t, int32(2), built.Load())
}

func TestDependenciesMaterializedOnce(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{
		Installer: []string{"sh", "-c", "cat {requirements} >> {target}/install.log"},
	})
	writePlugin(t, root, "deps", "name: deps\nversion: 1.0.0\nentry_point: run.sh\ndependencies: [alpha, beta]\n", map[string]string{
		"run.sh": "#!/bin/sh\necho \"$PLUGIN_DEPS_DIR\"\n",
	})
	ctx := context.Background()

	var depsDir string
	for i := 0; i < 2; i++ {
		res, err := rt.Execute(ctx, "deps", nil)
		require.NoError(t, err)
		depsDir, _ = res.Output.(string)
	}
	assert.Equal(t, filepath.Join(rt.cfg.RuntimeDir, "deps", "deps", depsHash([]string{"beta", "alpha"})), depsDir)
	log, err := os.ReadFile(filepath.Join(depsDir, "install.log"))
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", string(log), "installer ran once")
	marker, err := os.ReadFile(filepath.Join(depsDir, depsMarker))
	require.NoError(t, err)
	assert.Equal(t, depsHash([]string{"alpha", "beta"}), strings.TrimSpace(string(marker)))
}

func TestInstallerFailureIsLoadError(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{Installer: []string{"sh", "-c", "echo nope >&2; exit 1"}})
	writePlugin(t, root, "deps", "name: deps\nversion: 1.0.0\nentry_point: run.sh\ndependencies: [alpha]\n", map[string]string{"run.sh": "#!/bin/sh\n"})
	_, err := rt.Execute(context.Background(), "deps", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.PluginLoad))
}

func TestVerifyOnExecuteReloads(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{VerifyOnExecute: true})
	dir := writePlugin(t, root, "v", "name: v\nversion: 1.0.0\nentry_point: run.sh\n", map[string]string{"run.sh": "#!/bin/sh\necho one\n"})
	ctx := context.Background()
	res, err := rt.Execute(ctx, "v", nil)
	require.NoError(t, err)
	assert.Equal(t, "one", res.Output)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\necho two\n"), 0o755))
	res, err = rt.Execute(ctx, "v", nil)
	require.NoError(t, err)
	assert.Equal(t, "two", res.Output)
}

func TestWatchLoadsAndUnloads(t *testing.T) {
	needShell(t)
	rt, root := newTestRuntime(t, Config{Debounce: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	dir := writePlugin(t, root, "fresh", "name: fresh\nversion: 1.0.0\nentry_point: run.sh\n", map[string]string{"run.sh": "#!/bin/sh\necho hi\n"})
	require.Eventually(t, func() bool {
		_, ok := rt.Loaded("fresh")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.RemoveAll(dir))
	require.Eventually(t, func() bool {
		_, ok := rt.Loaded("fresh")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInstallerArgv(t *testing.T) {
	got := installerArgv([]string{"pip", "install", "--target", "{target}", "-r", "{requirements}", "{deps}"}, "/t", "/t/req", []string{"a", "b"})
	assert.Equal(t, []string{"pip", "install", "--target", "/t", "-r", "/t/req", "a", "b"}, got)
}

func TestPluginFor(t *testing.T) {
	root := filepath.Join("srv", "plugins")
	assert.Equal(t, "cat", pluginFor(root, filepath.Join(root, "cat", "run.sh")))
	assert.Equal(t, "cat", pluginFor(root, filepath.Join(root, "cat")))
	assert.Equal(t, "", pluginFor(root, root))
	assert.Equal(t, "", pluginFor(root, filepath.Join(root, ".git", "x")))
	assert.Equal(t, "", pluginFor(root, filepath.Join("srv", "other")))
}
