package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
	"go.yaml.in/yaml/v3"

	"plugsched/internal/apperr"
)

// DescriptorFiles are probed in order inside a plugin directory.
var DescriptorFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// Descriptor is the declared contract of a plugin.
type Descriptor struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Description  string               `json:"description,omitempty"`
	EntryPoint   string               `json:"entry_point,omitempty"`
	Parameters   map[string]ParamSpec `json:"parameters,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	EnvVars      map[string]string    `json:"env_vars,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

type ParamSpec struct {
	Required bool   `json:"required,omitempty"`
	Type     string `json:"type,omitempty"`
}

func (d Descriptor) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// SemVer parses Version. Validate has already rejected bad versions.
func (d Descriptor) SemVer() *version.Version {
	v, err := version.NewVersion(d.Version)
	if err != nil {
		return nil
	}
	return v
}

var paramTypes = map[string]string{
	"":        "any",
	"any":     "any",
	"string":  "string",
	"str":     "string",
	"int":     "int",
	"integer": "int",
	"number":  "number",
	"float":   "number",
	"bool":    "bool",
	"boolean": "bool",
	"object":  "object",
	"map":     "object",
	"dict":    "object",
	"array":   "array",
	"list":    "array",
}

// Validate checks the descriptor itself. Violations are load errors.
func (d Descriptor) Validate() error {
	const op = "plugin.descriptor"
	if strings.TrimSpace(d.Name) == "" {
		return apperr.Newf(apperr.PluginLoad, op, "name is required")
	}
	if _, err := version.NewVersion(d.Version); err != nil {
		return apperr.Newf(apperr.PluginLoad, op, "plugin %s: invalid version %q: %v", d.Name, d.Version, err)
	}
	for name, p := range d.Parameters {
		if _, ok := paramTypes[strings.ToLower(strings.TrimSpace(p.Type))]; !ok {
			return apperr.Newf(apperr.PluginLoad, op, "plugin %s: parameter %s has unknown type %q", d.Name, name, p.Type)
		}
	}
	for _, dep := range d.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return apperr.Newf(apperr.PluginLoad, op, "plugin %s: empty dependency entry", d.Name)
		}
	}
	return nil
}

// ValidateParams checks params against the declared parameter schema.
// Undeclared parameters pass through untouched.
func (d Descriptor) ValidateParams(params map[string]any) error {
	const op = "plugin.params"
	names := make([]string, 0, len(d.Parameters))
	for name := range d.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := d.Parameters[name]
		v, ok := params[name]
		if !ok || v == nil {
			if spec.Required {
				return apperr.Newf(apperr.Configuration, op, "plugin %s: missing required parameter %q", d.Name, name)
			}
			continue
		}
		want := paramTypes[strings.ToLower(strings.TrimSpace(spec.Type))]
		if !typeMatches(want, v) {
			return apperr.Newf(apperr.Configuration, op, "plugin %s: parameter %q must be %s, got %T", d.Name, name, want, v)
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "any", "":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		switch x := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return x == math.Trunc(x) && !math.IsInf(x, 0)
		case json.Number:
			_, err := x.Int64()
			return err == nil
		}
		return false
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return false
}

// ParseDescriptor decodes YAML or JSON descriptor bytes. YAML is coerced to
// JSON first so both formats go through the same strict decoder.
func ParseDescriptor(data []byte, filename string) (Descriptor, error) {
	const op = "plugin.descriptor"
	b := data
	if ext := strings.ToLower(filepath.Ext(filename)); ext == ".yaml" || ext == ".yml" {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return Descriptor{}, apperr.New(apperr.PluginLoad, op, fmt.Errorf("%s: %w", filename, err))
		}
		j, err := json.Marshal(v)
		if err != nil {
			return Descriptor{}, apperr.New(apperr.PluginLoad, op, fmt.Errorf("%s: %w", filename, err))
		}
		b = j
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, apperr.New(apperr.PluginLoad, op, fmt.Errorf("%s: %w", filename, err))
	}
	return d, nil
}

// ReadDescriptor finds and parses the descriptor inside dir.
func ReadDescriptor(dir string) (Descriptor, string, error) {
	for _, name := range DescriptorFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Descriptor{}, "", apperr.New(apperr.PluginLoad, "plugin.descriptor", err)
		}
		d, err := ParseDescriptor(data, name)
		return d, path, err
	}
	return Descriptor{}, "", apperr.Newf(apperr.NotFound, "plugin.descriptor", "no descriptor in %s", dir)
}
