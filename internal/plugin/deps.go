package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"plugsched/internal/apperr"
	"plugsched/pkg/logx"
)

const depsMarker = ".installed"

// depsHash identifies a dependency set independent of declaration order.
func depsHash(deps []string) string {
	cp := make([]string, 0, len(deps))
	for _, d := range deps {
		cp = append(cp, strings.TrimSpace(d))
	}
	sort.Strings(cp)
	sum := sha256.Sum256([]byte(strings.Join(cp, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// ensureDeps materializes the entry's dependencies once into
// <runtime>/<name>/deps/<hash> and returns that directory.
func (r *Runtime) ensureDeps(ctx context.Context, sl *slot, e *Entry) (string, error) {
	deps := e.Descriptor.Dependencies
	if len(deps) == 0 {
		return "", nil
	}
	hash := depsHash(deps)
	dir := filepath.Join(r.cfg.RuntimeDir, e.Name, "deps", hash)
	marker := filepath.Join(dir, depsMarker)

	sl.depsMu.Lock()
	defer sl.depsMu.Unlock()

	if b, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(b)) == hash {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.New(apperr.PluginLoad, "plugin.deps", err)
	}
	reqs := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(reqs, []byte(strings.Join(deps, "\n")+"\n"), 0o644); err != nil {
		return "", apperr.New(apperr.PluginLoad, "plugin.deps", err)
	}

	if len(r.cfg.Installer) > 0 {
		start := time.Now()
		argv := installerArgv(r.cfg.Installer, dir, reqs, deps)
		ictx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
		defer cancel()
		cmd := exec.CommandContext(ictx, argv[0], argv[1:]...)
		if e.Path != "" {
			cmd.Dir = e.Path
		}
		cmd.Env = mergeEnv(os.Environ(), map[string]string{"PLUGIN_NAME": e.Name, "PLUGIN_DEPS_DIR": dir})
		out, err := cmd.CombinedOutput()
		if err != nil {
			r.log.Error("dependency install failed",
				logx.String("plugin", e.Name),
				logx.String("deps_hash", hash),
				logx.Err(err),
				logx.String("output", strings.TrimSpace(tail(string(out)))),
			)
			return "", apperr.New(apperr.PluginLoad, "plugin.deps", fmt.Errorf("%s: install: %w%s", e.Name, err, tail(strings.TrimSpace(string(out)))))
		}
		r.log.Info("dependencies installed", logx.String("plugin", e.Name), logx.String("deps_hash", hash), logx.Int("count", len(deps)), logx.Duration("took", time.Since(start)))
	}

	if err := os.WriteFile(marker, []byte(hash+"\n"), 0o644); err != nil {
		return "", apperr.New(apperr.PluginLoad, "plugin.deps", err)
	}
	return dir, nil
}

func installerArgv(tmpl []string, target, reqs string, deps []string) []string {
	out := make([]string, 0, len(tmpl)+len(deps))
	for _, a := range tmpl {
		if a == "{deps}" {
			out = append(out, deps...)
			continue
		}
		a = strings.ReplaceAll(a, "{target}", target)
		a = strings.ReplaceAll(a, "{requirements}", reqs)
		out = append(out, a)
	}
	return out
}
