package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsWalksWrappedChain(t *testing.T) {
	t.Parallel()

	inner := New(Timeout, "execute", errors.New("deadline"))
	outer := New(PluginExecution, "pool", fmt.Errorf("attempt 2: %w", inner))

	cases := []struct {
		kind Kind
		want bool
	}{
		{PluginExecution, true},
		{Timeout, true},
		{Configuration, false},
	}
	for _, tc := range cases {
		if got := Is(outer, tc.kind); got != tc.want {
			t.Fatalf("Is(%s)=%v want %v", tc.kind, got, tc.want)
		}
	}
	if KindOf(outer) != PluginExecution {
		t.Fatalf("KindOf=%s", KindOf(outer))
	}
	if Is(errors.New("plain"), Configuration) || KindOf(nil) != "" {
		t.Fatalf("plain errors carry no kind")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := Newf(Configuration, "add_task", "unknown plugin %q", "nope")
	if got := err.Error(); got != `add_task: configuration: unknown plugin "nope"` {
		t.Fatalf("Error()=%q", got)
	}
	if got := (&Error{Kind: DispatchRace}).Error(); got != "dispatch_race" {
		t.Fatalf("Error()=%q", got)
	}
}
