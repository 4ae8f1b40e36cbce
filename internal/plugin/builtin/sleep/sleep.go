// Package sleep is a builtin plugin that waits, for smoke tests of timeouts
// and cancellation.
package sleep

import (
	"context"
	"fmt"
	"time"

	"plugsched/internal/apperr"
	"plugsched/internal/plugin"
)

const Name = "sleep"

func Builtin() plugin.Builtin {
	return plugin.Builtin{
		Descriptor: plugin.Descriptor{
			Name:        Name,
			Version:     "1.0.0",
			Description: "sleeps for the given duration",
			Parameters: map[string]plugin.ParamSpec{
				"duration": {Required: true, Type: "string"},
				"fail":     {Type: "bool"},
			},
		},
		New: func() plugin.Capability { return plugin.CapabilityFunc(run) },
	}
}

func run(ctx context.Context, params map[string]any) (any, error) {
	raw, _ := params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return nil, apperr.Newf(apperr.Configuration, "sleep", "invalid duration %q", raw)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	if fail, _ := params["fail"].(bool); fail {
		return nil, fmt.Errorf("failed after %s", d)
	}
	return map[string]any{"slept": d.String()}, nil
}
