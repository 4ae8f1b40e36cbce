package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"plugsched/internal/apperr"
)

// Capability is an in-process plugin body.
type Capability interface {
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, params map[string]any) (any, error)

func (f CapabilityFunc) Execute(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

// Builtin is a plugin compiled into the binary. New is called on every load
// so a reload always starts from fresh state.
type Builtin struct {
	Descriptor Descriptor
	New        func() Capability
}

// SourceKind tells where a plugin's code comes from.
type SourceKind string

const (
	SourceBuiltin SourceKind = "builtin"
	SourceDir     SourceKind = "dir"
)

// Source is a discovered plugin before it is loaded.
type Source struct {
	Name       string
	Kind       SourceKind
	Dir        string
	Descriptor Descriptor
	// DescriptorPath is empty for builtins.
	DescriptorPath string

	builtin *Builtin
}

// Registry resolves plugin names to sources: builtins registered in code
// plus one subdirectory per plugin under Dir.
type Registry struct {
	dir string

	mu       sync.RWMutex
	builtins map[string]Builtin
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: strings.TrimSpace(dir), builtins: map[string]Builtin{}}
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) Register(bs ...Builtin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bs {
		if err := b.Descriptor.Validate(); err != nil {
			return err
		}
		if b.New == nil {
			return apperr.Newf(apperr.PluginLoad, "plugin.register", "builtin %s has no constructor", b.Descriptor.Name)
		}
		if _, dup := r.builtins[b.Descriptor.Name]; dup {
			return apperr.Newf(apperr.Configuration, "plugin.register", "builtin %s registered twice", b.Descriptor.Name)
		}
		r.builtins[b.Descriptor.Name] = b
	}
	return nil
}

// MustRegister panics on error. Meant for wiring builtins at startup.
func (r *Registry) MustRegister(bs ...Builtin) {
	if err := r.Register(bs...); err != nil {
		panic(err)
	}
}

// Lookup finds a plugin by name. Builtins shadow directories of the same name.
// A directory with a missing descriptor is reported as NotFound; a broken
// descriptor is a PluginLoad error.
func (r *Registry) Lookup(name string) (Source, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return Source{}, apperr.Newf(apperr.NotFound, "plugin.lookup", "invalid plugin name %q", name)
	}
	r.mu.RLock()
	b, ok := r.builtins[name]
	r.mu.RUnlock()
	if ok {
		return Source{Name: name, Kind: SourceBuiltin, Descriptor: b.Descriptor, builtin: &b}, nil
	}
	if r.dir == "" {
		return Source{}, apperr.Newf(apperr.NotFound, "plugin.lookup", "unknown plugin %q", name)
	}
	dir := filepath.Join(r.dir, name)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return Source{}, apperr.Newf(apperr.NotFound, "plugin.lookup", "unknown plugin %q", name)
	}
	d, path, err := ReadDescriptor(dir)
	if err != nil {
		return Source{}, err
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.Name != name {
		return Source{}, apperr.Newf(apperr.PluginLoad, "plugin.lookup", "descriptor name %q does not match directory %q", d.Name, name)
	}
	if err := d.Validate(); err != nil {
		return Source{}, err
	}
	if strings.TrimSpace(d.EntryPoint) == "" {
		return Source{}, apperr.Newf(apperr.PluginLoad, "plugin.lookup", "plugin %s: entry_point is required", name)
	}
	return Source{Name: name, Kind: SourceDir, Dir: dir, Descriptor: d, DescriptorPath: path}, nil
}

// Has reports whether name resolves to a usable source.
func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names lists builtin names and plugin directory names, sorted.
func (r *Registry) Names() ([]string, error) {
	seen := map[string]bool{}
	r.mu.RLock()
	for n := range r.builtins {
		seen[n] = true
	}
	r.mu.RUnlock()
	if r.dir != "" {
		ents, err := os.ReadDir(r.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read plugins dir: %w", err)
		}
		for _, e := range ents {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				seen[e.Name()] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// descriptorBytes is the canonical form folded into checksums.
func (s Source) descriptorBytes() []byte {
	b, _ := json.Marshal(s.Descriptor)
	return b
}
