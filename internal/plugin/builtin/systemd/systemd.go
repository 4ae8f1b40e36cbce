// Package systemd is a builtin plugin that inspects or acts on systemd units,
// so unit restarts and health probes can be scheduled like any other task.
package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plugsched/internal/apperr"
	"plugsched/internal/plugin"
)

const Name = "systemd"

// UnitStatus is the subset of unit properties the plugin reports.
type UnitStatus struct {
	Unit        string    `json:"unit"`
	Active      string    `json:"active"`
	SubState    string    `json:"sub_state"`
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitempty"`
}

type unitManager interface {
	Status(ctx context.Context, unit string) (UnitStatus, error)
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Close()
}

// dial opens a unit manager per call; replaced in tests.
var dial = dialSystem

func Builtin() plugin.Builtin {
	return plugin.Builtin{
		Descriptor: plugin.Descriptor{
			Name:        Name,
			Version:     "1.0.0",
			Description: "status, start, stop or restart a systemd unit",
			Parameters: map[string]plugin.ParamSpec{
				"unit":   {Required: true, Type: "string"},
				"action": {Type: "string"},
				// ensure_active restarts the unit only when it is not active.
				"ensure_active": {Type: "bool"},
			},
		},
		New: func() plugin.Capability { return plugin.CapabilityFunc(run) },
	}
}

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

func run(ctx context.Context, params map[string]any) (any, error) {
	raw, _ := params["unit"].(string)
	unit := unitName(raw)
	if unit == "" {
		return nil, apperr.Newf(apperr.Configuration, "systemd", "unit is required")
	}
	action, _ := params["action"].(string)
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		action = "status"
	}

	m, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	defer m.Close()

	if ensure, _ := params["ensure_active"].(bool); ensure {
		st, err := m.Status(ctx, unit)
		if err != nil {
			return nil, err
		}
		if st.Active == "active" {
			return map[string]any{"unit": unit, "action": "none", "status": st}, nil
		}
		action = "restart"
	}

	switch action {
	case "status":
		st, err := m.Status(ctx, unit)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "start":
		err = m.Start(ctx, unit)
	case "stop":
		err = m.Stop(ctx, unit)
	case "restart":
		err = m.Restart(ctx, unit)
	default:
		return nil, apperr.Newf(apperr.Configuration, "systemd", "unknown action %q", action)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, unit, err)
	}
	return map[string]any{"unit": unit, "action": action}, nil
}
