package systemd

import (
	"context"
	"testing"

	"plugsched/internal/apperr"
)

type fakeManager struct {
	active string
	calls  []string
}

func (f *fakeManager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	f.calls = append(f.calls, "status "+unit)
	return UnitStatus{Unit: unit, Active: f.active}, nil
}
func (f *fakeManager) Start(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "start "+unit)
	return nil
}
func (f *fakeManager) Stop(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "stop "+unit)
	return nil
}
func (f *fakeManager) Restart(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "restart "+unit)
	return nil
}
func (f *fakeManager) Close() {}

func withFake(t *testing.T, f *fakeManager) {
	t.Helper()
	prev := dial
	dial = func(context.Context) (unitManager, error) { return f, nil }
	t.Cleanup(func() { dial = prev })
}

func TestActions(t *testing.T) {
	cases := []struct {
		name   string
		active string
		params map[string]any
		want   string
	}{
		{"default status", "active", map[string]any{"unit": "nginx"}, "status nginx.service"},
		{"explicit unit type", "active", map[string]any{"unit": "backup.timer", "action": "start"}, "start backup.timer"},
		{"restart", "active", map[string]any{"unit": "nginx", "action": "restart"}, "restart nginx.service"},
		{"ensure active noop", "active", map[string]any{"unit": "nginx", "ensure_active": true}, "status nginx.service"},
		{"ensure active restarts", "failed", map[string]any{"unit": "nginx", "ensure_active": true}, "restart nginx.service"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeManager{active: tc.active}
			withFake(t, f)
			if _, err := run(context.Background(), tc.params); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.calls[len(f.calls)-1]; got != tc.want {
				t.Fatalf("last call = %q, want %q (all %v)", got, tc.want, f.calls)
			}
		})
	}
}

func TestUnknownAction(t *testing.T) {
	withFake(t, &fakeManager{})
	_, err := run(context.Background(), map[string]any{"unit": "x", "action": "explode"})
	if !apperr.Is(err, apperr.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
