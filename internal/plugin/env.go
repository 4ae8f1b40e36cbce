package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// envMu serializes builtin calls that touch the process environment.
var envMu sync.Mutex

// withProcessEnv sets vars for the duration of fn and restores the previous
// values afterwards, including when fn panics.
func withProcessEnv(vars map[string]string, fn func() error) error {
	if len(vars) == 0 {
		return fn()
	}
	envMu.Lock()
	defer envMu.Unlock()

	type prev struct {
		val string
		set bool
	}
	saved := make(map[string]prev, len(vars))
	for k, v := range vars {
		old, ok := os.LookupEnv(k)
		saved[k] = prev{val: old, set: ok}
		_ = os.Setenv(k, v)
	}
	defer func() {
		for k, p := range saved {
			if p.set {
				_ = os.Setenv(k, p.val)
			} else {
				_ = os.Unsetenv(k)
			}
		}
	}()
	return fn()
}

// execEnv is the subprocess environment: the process env overlaid with the
// plugin's .env, its descriptor env_vars and the PLUGIN_* variables.
func execEnv(e *Entry, depsDir string) []string {
	over := make(map[string]string, len(e.Env)+6)
	for k, v := range e.Env {
		over[k] = v
	}
	over["PLUGIN_NAME"] = e.Name
	over["PLUGIN_VERSION"] = e.Descriptor.Version
	over["PLUGIN_DIR"] = e.Path
	over["PLUGIN_CHECKSUM"] = e.Checksum
	if depsDir != "" {
		over["PLUGIN_DEPS_DIR"] = depsDir
		over["PYTHONPATH"] = prependList(depsDir, os.Getenv("PYTHONPATH"))
		over["PATH"] = prependList(filepath.Join(depsDir, "bin"), os.Getenv("PATH"))
	}
	return mergeEnv(os.Environ(), over)
}

func prependList(head, rest string) string {
	if rest == "" {
		return head
	}
	return head + string(os.PathListSeparator) + rest
}

func mergeEnv(base []string, over map[string]string) []string {
	out := make([]string, 0, len(base)+len(over))
	used := make(map[string]bool, len(over))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := over[k]; ok {
			if !used[k] {
				out = append(out, k+"="+v)
				used[k] = true
			}
			continue
		}
		out = append(out, kv)
	}
	extra := make([]string, 0, len(over))
	for k := range over {
		if !used[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		out = append(out, k+"="+over[k])
	}
	return out
}

// Invocation describes the call a builtin is serving.
type Invocation struct {
	Plugin  string
	Version string
	Env     map[string]string
}

type invocationKey struct{}

func withInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx by the runtime.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
