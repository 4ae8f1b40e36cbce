package system

import (
	"context"
	"runtime"
	"testing"
)

func TestSysinfo(t *testing.T) {
	out, err := Builtin().New().Execute(context.Background(), map[string]any{"gc": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("got %T", out)
	}
	if m["go"] != runtime.Version() {
		t.Fatalf("go = %v", m["go"])
	}
	if _, ok := m["mem_alloc"].(string); !ok {
		t.Fatalf("mem_alloc = %v", m["mem_alloc"])
	}
}
