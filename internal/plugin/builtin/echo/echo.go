// Package echo is a builtin plugin that returns its parameters.
package echo

import (
	"context"
	"strings"

	"plugsched/internal/plugin"
)

const Name = "echo"

// Builtin returns the echo plugin. With a "message" parameter the output is
// the prefixed message, otherwise the full parameter map.
func Builtin() plugin.Builtin {
	return plugin.Builtin{
		Descriptor: plugin.Descriptor{
			Name:        Name,
			Version:     "1.0.0",
			Description: "returns its parameters",
			Parameters: map[string]plugin.ParamSpec{
				"message": {Type: "string"},
				"upper":   {Type: "bool"},
			},
			EnvVars: map[string]string{"ECHO_PREFIX": ""},
		},
		New: func() plugin.Capability { return &echoPlugin{} },
	}
}

type echoPlugin struct{}

func (p *echoPlugin) Execute(ctx context.Context, params map[string]any) (any, error) {
	msg, ok := params["message"].(string)
	if !ok {
		return params, nil
	}
	if up, _ := params["upper"].(bool); up {
		msg = strings.ToUpper(msg)
	}
	prefix := ""
	if inv, ok := plugin.InvocationFrom(ctx); ok {
		prefix = inv.Env["ECHO_PREFIX"]
	}
	return prefix + msg, nil
}
