package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"plugsched/internal/apperr"
	"plugsched/internal/eventbus"
	"plugsched/pkg/logx"
)

type Config struct {
	// RuntimeDir holds per-load snapshots and materialized dependencies.
	RuntimeDir string
	Debounce   time.Duration
	// Installer is an argv template run once per dependency set. {target}
	// expands to the deps directory, {requirements} to the generated
	// requirements file and a standalone {deps} to one argument per dependency.
	// Empty means dependencies are only written to requirements.txt.
	Installer      []string
	InstallTimeout time.Duration
	// VerifyOnExecute re-checksums the source on every call and reloads on drift,
	// covering edits the watcher misses.
	VerifyOnExecute bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RuntimeDir) == "" {
		c.RuntimeDir = filepath.Join(os.TempDir(), "plugsched-runtime")
	}
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 10 * time.Minute
	}
	return c
}

// Result is what one plugin execution produced.
type Result struct {
	Plugin   string        `json:"plugin"`
	Version  string        `json:"version,omitempty"`
	Checksum string        `json:"checksum,omitempty"`
	Output   any           `json:"output,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Entry is one loaded version of a plugin. Entries are immutable once
// published; a reload builds a new one.
type Entry struct {
	Name       string
	Kind       SourceKind
	Descriptor Descriptor
	Checksum   string
	LoadedAt   time.Time
	// Path is the snapshot directory. Empty for builtins.
	Path string
	Env  map[string]string

	cap  Capability
	argv []string

	refs       atomic.Int64
	retired    atomic.Bool
	removePath bool
	once       sync.Once
}

type slot struct {
	mu      sync.RWMutex
	entry   *Entry
	loadErr error
	// failSum is the checksum that produced loadErr, so the same broken
	// content is not rebuilt on every call.
	failSum string

	depsMu sync.Mutex
}

// Runtime loads plugins into isolated snapshots and executes them.
type Runtime struct {
	cfg Config
	reg *Registry
	log logx.Logger
	bus eventbus.Bus

	mu    sync.Mutex
	slots map[string]*slot

	// beforeSwap runs with the slot's write lock held, right before a new
	// entry is published.
	beforeSwap func(name string)
}

func NewRuntime(reg *Registry, cfg Config, log logx.Logger, bus eventbus.Bus) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runtime{
		cfg:   cfg.withDefaults(),
		reg:   reg,
		log:   log.With(logx.String("comp", "plugin")),
		bus:   bus,
		slots: map[string]*slot{},
	}
}

func (r *Runtime) Registry() *Registry { return r.reg }

func (r *Runtime) slot(name string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slots[name]
	if sl == nil {
		sl = &slot{}
		r.slots[name] = sl
	}
	return sl
}

func (r *Runtime) publish(typ string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Load loads name if it is not loaded or its checksum changed. It reports
// whether the published entry changed.
func (r *Runtime) Load(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sl := r.slot(name)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return r.loadLocked(name, sl)
}

func (r *Runtime) loadLocked(name string, sl *slot) (bool, error) {
	src, err := r.reg.Lookup(name)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			changed := r.unloadLocked(name, sl, "removed")
			sl.loadErr = apperr.Newf(apperr.Configuration, "plugin.load", "unknown plugin %q", name)
			sl.failSum = ""
			return changed, sl.loadErr
		}
		return false, r.failLocked(name, sl, "", err)
	}
	sum, err := Checksum(src)
	if err != nil {
		return false, r.failLocked(name, sl, "", err)
	}
	if sl.entry != nil && sl.entry.Checksum == sum {
		return false, nil
	}
	if sl.entry == nil && sl.loadErr != nil && sl.failSum == sum {
		return false, sl.loadErr
	}
	if !src.Descriptor.IsEnabled() {
		changed := r.unloadLocked(name, sl, "disabled")
		sl.loadErr = apperr.Newf(apperr.Configuration, "plugin.load", "plugin %s is disabled", name)
		sl.failSum = sum
		return changed, sl.loadErr
	}

	e, err := r.build(src, sum)
	if err != nil {
		return false, r.failLocked(name, sl, sum, err)
	}
	if r.beforeSwap != nil {
		r.beforeSwap(name)
	}
	old := sl.entry
	sl.entry = e
	sl.loadErr = nil
	sl.failSum = ""
	if old != nil {
		r.retire(old, e.Path)
	}

	fields := []logx.Field{
		logx.String("plugin", name),
		logx.String("kind", string(e.Kind)),
		logx.String("version", e.Descriptor.Version),
		logx.String("checksum", shortSum(sum)),
	}
	if old != nil {
		fields = append(fields, logx.String("previous", old.Descriptor.Version), logx.String("change", versionChange(old.Descriptor, e.Descriptor)))
	}
	r.log.Info("plugin loaded", fields...)
	r.publish(eventbus.TypePluginLoaded, map[string]any{"plugin": name, "version": e.Descriptor.Version, "checksum": sum})
	return true, nil
}

func versionChange(prev, next Descriptor) string {
	a, b := prev.SemVer(), next.SemVer()
	if a == nil || b == nil {
		return "reloaded"
	}
	switch {
	case b.GreaterThan(a):
		return "upgraded"
	case b.LessThan(a):
		return "downgraded"
	default:
		return "reloaded"
	}
}

// failLocked marks the plugin unhealthy. Any previous entry is retired so an
// unhealthy plugin is never dispatched.
func (r *Runtime) failLocked(name string, sl *slot, sum string, err error) error {
	if !apperr.Is(err, apperr.PluginLoad) {
		err = apperr.New(apperr.PluginLoad, "plugin.load", fmt.Errorf("%s: %w", name, err))
	}
	repeat := sl.loadErr != nil && sl.failSum == sum && sl.loadErr.Error() == err.Error()
	if sl.entry != nil {
		old := sl.entry
		sl.entry = nil
		r.retire(old, "")
	}
	sl.loadErr = err
	sl.failSum = sum
	if !repeat {
		r.log.Error("plugin load failed", logx.String("plugin", name), logx.Err(err))
		r.publish(eventbus.TypePluginLoadFailed, map[string]any{"plugin": name, "error": err.Error()})
	}
	return err
}

func (r *Runtime) build(src Source, sum string) (*Entry, error) {
	e := &Entry{
		Name:       src.Name,
		Kind:       src.Kind,
		Descriptor: src.Descriptor,
		Checksum:   sum,
		LoadedAt:   time.Now(),
		Env:        map[string]string{},
	}
	if src.Kind == SourceBuiltin {
		var c Capability
		if err := safeCall(r.log, "plugin.new."+src.Name, func() error {
			c = src.builtin.New()
			return nil
		}); err != nil {
			return nil, err
		}
		if c == nil {
			return nil, apperr.Newf(apperr.PluginLoad, "plugin.load", "builtin %s returned no capability", src.Name)
		}
		e.cap = c
		for k, v := range src.Descriptor.EnvVars {
			e.Env[k] = v
		}
		return e, nil
	}

	path, err := r.snapshot(src, sum)
	if err != nil {
		return nil, apperr.New(apperr.PluginLoad, "plugin.snapshot", err)
	}
	e.Path = path
	argv, err := entryArgv(path, src.Descriptor.EntryPoint)
	if err != nil {
		return nil, apperr.New(apperr.PluginLoad, "plugin.load", err)
	}
	e.argv = argv
	dotenv := filepath.Join(path, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		vars, err := godotenv.Read(dotenv)
		if err != nil {
			return nil, apperr.New(apperr.PluginLoad, "plugin.dotenv", err)
		}
		for k, v := range vars {
			e.Env[k] = v
		}
	}
	for k, v := range src.Descriptor.EnvVars {
		e.Env[k] = v
	}
	return e, nil
}

// snapshot copies the source into <runtime>/<name>/<sum[:12]>. The copy goes
// through a temp dir and a rename so a published snapshot is always complete.
func (r *Runtime) snapshot(src Source, sum string) (string, error) {
	dst := filepath.Join(r.cfg.RuntimeDir, src.Name, shortSum(sum))
	if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dst), shortSum(sum)+".tmp-")
	if err != nil {
		return "", err
	}
	if err := copyTree(src.Dir, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		if fi, serr := os.Stat(dst); serr == nil && fi.IsDir() {
			return dst, nil
		}
		return "", err
	}
	return dst, nil
}

// retire schedules e for disposal once no execution holds it. keep is the
// path of the entry replacing it; a shared snapshot is not removed.
func (r *Runtime) retire(e *Entry, keep string) {
	e.removePath = e.Path != "" && e.Path != keep
	e.retired.Store(true)
	if e.refs.Load() == 0 {
		r.dispose(e)
	}
}

func (r *Runtime) release(e *Entry) {
	if e.refs.Add(-1) == 0 && e.retired.Load() {
		r.dispose(e)
	}
}

func (r *Runtime) dispose(e *Entry) {
	e.once.Do(func() {
		if !e.removePath {
			return
		}
		if err := os.RemoveAll(e.Path); err != nil {
			r.log.Warn("snapshot cleanup failed", logx.String("plugin", e.Name), logx.String("path", e.Path), logx.Err(err))
			return
		}
		r.log.Debug("snapshot removed", logx.String("plugin", e.Name), logx.String("path", e.Path))
	})
}

// Unload drops the loaded entry. In-flight executions finish on their snapshot.
func (r *Runtime) Unload(name string) bool {
	sl := r.slot(name)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.loadErr = nil
	sl.failSum = ""
	return r.unloadLocked(name, sl, "unloaded")
}

func (r *Runtime) unloadLocked(name string, sl *slot, reason string) bool {
	if sl.entry == nil {
		return false
	}
	old := sl.entry
	sl.entry = nil
	r.retire(old, "")
	r.log.Info("plugin unloaded", logx.String("plugin", name), logx.String("reason", reason))
	r.publish(eventbus.TypePluginUnloaded, map[string]any{"plugin": name, "reason": reason})
	return true
}

// LoadAll attempts a load of every known plugin and returns how many are live.
func (r *Runtime) LoadAll(ctx context.Context) (int, error) {
	names, err := r.reg.Names()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, name := range names {
		if _, err := r.Load(ctx, name); err != nil {
			if ctx.Err() != nil {
				return loaded, ctx.Err()
			}
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Close unloads everything. Snapshots are removed, dependency dirs are kept
// for the next process.
func (r *Runtime) Close() {
	r.mu.Lock()
	names := make([]string, 0, len(r.slots))
	for n := range r.slots {
		names = append(names, n)
	}
	r.mu.Unlock()
	for _, n := range names {
		r.Unload(n)
	}
}

// Execute runs one invocation of name. Calls arriving during a reload wait
// for it; calls already holding an entry finish on it.
func (r *Runtime) Execute(ctx context.Context, name string, params map[string]any) (Result, error) {
	e, err := r.acquire(ctx, name)
	if err != nil {
		return Result{Plugin: name}, err
	}
	defer r.release(e)

	res := Result{Plugin: name, Version: e.Descriptor.Version, Checksum: e.Checksum}
	if err := e.Descriptor.ValidateParams(params); err != nil {
		return res, err
	}
	depsDir, err := r.ensureDeps(ctx, r.slot(name), e)
	if err != nil {
		return res, err
	}

	start := time.Now()
	var out any
	switch e.Kind {
	case SourceBuiltin:
		out, err = r.callBuiltin(ctx, e, params)
	default:
		out, res.Stderr, err = r.runExec(ctx, e, params, depsDir)
	}
	res.Duration = time.Since(start)
	res.Output = out
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.New(apperr.PluginExecution, "plugin.execute", fmt.Errorf("%s: %w", name, err))
		}
		return res, err
	}
	return res, nil
}

func (r *Runtime) acquire(ctx context.Context, name string) (*Entry, error) {
	sl := r.slot(name)
	if r.cfg.VerifyOnExecute {
		r.verify(ctx, name, sl)
	}
	if e := hold(sl); e != nil {
		return e, nil
	}
	if _, err := r.Load(ctx, name); err != nil {
		return nil, err
	}
	if e := hold(sl); e != nil {
		return e, nil
	}
	return nil, apperr.Newf(apperr.PluginLoad, "plugin.execute", "plugin %s is not loaded", name)
}

func hold(sl *slot) *Entry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.entry != nil {
		sl.entry.refs.Add(1)
	}
	return sl.entry
}

// verify reloads when the source checksum no longer matches the loaded entry.
// The checksum is computed without holding the slot lock.
func (r *Runtime) verify(ctx context.Context, name string, sl *slot) {
	src, err := r.reg.Lookup(name)
	if err != nil {
		return
	}
	sum, err := Checksum(src)
	if err != nil {
		return
	}
	sl.mu.RLock()
	cur := sl.entry
	sl.mu.RUnlock()
	if cur == nil || cur.Checksum == sum {
		return
	}
	r.log.Debug("plugin drift detected", logx.String("plugin", name), logx.String("loaded", shortSum(cur.Checksum)), logx.String("source", shortSum(sum)))
	_, _ = r.Load(ctx, name)
}

func (r *Runtime) callBuiltin(ctx context.Context, e *Entry, params map[string]any) (out any, err error) {
	cctx := withInvocation(ctx, Invocation{Plugin: e.Name, Version: e.Descriptor.Version, Env: e.Env})
	err = safeCall(r.log, "plugin.execute."+e.Name, func() error {
		return withProcessEnv(e.Env, func() error {
			var err error
			out, err = e.cap.Execute(cctx, cloneParams(params))
			return err
		})
	})
	return out, err
}

// safeCall converts a panic in fn into a PluginExecution error.
func safeCall(log logx.Logger, label string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			err = apperr.Newf(apperr.PluginExecution, label, "panic: %v", rec)
		}
	}()
	return fn()
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Status is the health view of one plugin.
type Status struct {
	Name        string               `json:"name"`
	Kind        SourceKind           `json:"kind,omitempty"`
	Version     string               `json:"version,omitempty"`
	Description string               `json:"description,omitempty"`
	Enabled     bool                 `json:"enabled"`
	Loaded      bool                 `json:"loaded"`
	Healthy     bool                 `json:"healthy"`
	Checksum    string               `json:"checksum,omitempty"`
	LoadedAt    *time.Time           `json:"loaded_at,omitempty"`
	Path        string               `json:"path,omitempty"`
	Error       string               `json:"error,omitempty"`
	Parameters  map[string]ParamSpec `json:"parameters,omitempty"`
}

// Statuses lists every known plugin with its load state.
func (r *Runtime) Statuses() ([]Status, error) {
	names, err := r.reg.Names()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Name: name, Healthy: true}
		src, lerr := r.reg.Lookup(name)
		if lerr != nil {
			st.Healthy = false
			st.Error = lerr.Error()
		} else {
			st.Kind = src.Kind
			st.Version = src.Descriptor.Version
			st.Description = src.Descriptor.Description
			st.Enabled = src.Descriptor.IsEnabled()
			st.Parameters = src.Descriptor.Parameters
		}
		sl := r.slot(name)
		sl.mu.RLock()
		if e := sl.entry; e != nil {
			st.Loaded = true
			st.Checksum = e.Checksum
			at := e.LoadedAt
			st.LoadedAt = &at
			st.Path = e.Path
			st.Version = e.Descriptor.Version
		}
		if sl.loadErr != nil && apperr.Is(sl.loadErr, apperr.PluginLoad) {
			st.Healthy = false
			st.Error = sl.loadErr.Error()
		}
		sl.mu.RUnlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Has reports whether name resolves to a builtin or a plugin directory.
func (r *Runtime) Has(name string) bool { return r.reg.Has(name) }

// Healthy is false while the last load of name failed with a load error. A
// plugin that was never loaded counts as healthy; it loads on first use.
func (r *Runtime) Healthy(name string) bool {
	sl := r.slot(name)
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.entry != nil || sl.loadErr == nil || !apperr.Is(sl.loadErr, apperr.PluginLoad)
}

// Loaded returns the current entry for name, if any.
func (r *Runtime) Loaded(name string) (*Entry, bool) {
	sl := r.slot(name)
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.entry, sl.entry != nil
}
