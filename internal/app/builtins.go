package app

import (
	"plugsched/internal/plugin"
	"plugsched/internal/plugin/builtin/echo"
	"plugsched/internal/plugin/builtin/sleep"
	"plugsched/internal/plugin/builtin/system"
	"plugsched/internal/plugin/builtin/systemd"
)

// DefaultBuiltins is the plugin set compiled into the binary. Directory
// plugins are discovered under plugins.dir at runtime.
func DefaultBuiltins() []plugin.Builtin {
	return []plugin.Builtin{
		echo.Builtin(),
		sleep.Builtin(),
		system.Builtin(),
		systemd.Builtin(),
	}
}
