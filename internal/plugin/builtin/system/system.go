// Package system is a builtin plugin reporting host and process facts.
package system

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"plugsched/internal/plugin"
)

const Name = "system"

var started = time.Now()

func Builtin() plugin.Builtin {
	return plugin.Builtin{
		Descriptor: plugin.Descriptor{
			Name:        Name,
			Version:     "1.0.0",
			Description: "reports runtime and memory statistics",
			Parameters: map[string]plugin.ParamSpec{
				"gc": {Type: "bool"},
			},
		},
		New: func() plugin.Capability { return plugin.CapabilityFunc(sysinfo) },
	}
}

func sysinfo(ctx context.Context, params map[string]any) (any, error) {
	if gc, _ := params["gc"].(bool); gc {
		runtime.GC()
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	host, _ := os.Hostname()
	return map[string]any{
		"go":         runtime.Version(),
		"module":     mod,
		"host":       host,
		"goroutines": runtime.NumGoroutine(),
		"mem_alloc":  humanize.IBytes(m.Alloc),
		"mem_sys":    humanize.IBytes(m.Sys),
		"num_gc":     m.NumGC,
		"uptime":     time.Since(started).Round(time.Second).String(),
	}, nil
}
