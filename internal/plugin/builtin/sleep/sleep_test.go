package sleep

import (
	"context"
	"errors"
	"testing"
	"time"

	"plugsched/internal/apperr"
)

func TestSleep(t *testing.T) {
	c := Builtin().New()
	out, err := c.Execute(context.Background(), map[string]any{"duration": "5ms"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m, _ := out.(map[string]any); m["slept"] != "5ms" {
		t.Fatalf("got %v", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Execute(ctx, map[string]any{"duration": "1m"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := c.Execute(context.Background(), map[string]any{"duration": "soon"}); !apperr.Is(err, apperr.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := c.Execute(context.Background(), map[string]any{"duration": "1ms", "fail": true}); err == nil {
		t.Fatal("expected failure")
	}
}
