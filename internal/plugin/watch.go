package plugin

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"plugsched/internal/apperr"
	"plugsched/pkg/logx"
)

// Watch reloads plugins when their directories change. Bursts of events are
// debounced per plugin. It returns when ctx is done.
func (r *Runtime) Watch(ctx context.Context) error {
	dir := r.reg.Dir()
	if dir == "" {
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := addTree(w, dir); err != nil {
		return err
	}
	r.log.Info("plugin watcher started", logx.String("dir", dir), logx.Duration("debounce", r.cfg.Debounce))

	timers := map[string]*time.Timer{}
	fire := make(chan string, 16)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("plugin watcher closed")
			}
			name := pluginFor(dir, ev.Name)
			if name == "" {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						r.log.Warn("watch add failed", logx.String("path", ev.Name), logx.Err(err))
					}
				}
			}
			if t := timers[name]; t != nil {
				t.Stop()
			}
			n := name
			timers[name] = time.AfterFunc(r.cfg.Debounce, func() {
				select {
				case fire <- n:
				case <-ctx.Done():
				}
			})
		case name := <-fire:
			delete(timers, name)
			r.reloadChanged(ctx, name)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("plugin watcher closed")
			}
			r.log.Warn("plugin watcher error", logx.Err(err))
		}
	}
}

func (r *Runtime) reloadChanged(ctx context.Context, name string) {
	fi, err := os.Stat(filepath.Join(r.reg.Dir(), name))
	if errors.Is(err, os.ErrNotExist) || (err == nil && !fi.IsDir()) {
		r.Unload(name)
		return
	}
	changed, err := r.Load(ctx, name)
	switch {
	case err == nil:
		if !changed {
			r.log.Debug("plugin unchanged", logx.String("plugin", name))
		}
	case apperr.Is(err, apperr.Configuration):
		r.log.Info("plugin not loadable", logx.String("plugin", name), logx.Err(err))
	}
}

// pluginFor maps a path under dir to the plugin directory it belongs to.
func pluginFor(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if skipName(first) {
		return ""
	}
	return first
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipName(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
