//go:build linux

package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusManager struct {
	conn *dbus.Conn
}

func dialSystem(ctx context.Context) (unitManager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return &dbusManager{conn: conn}, nil
}

func (m *dbusManager) Close() { m.conn.Close() }

func (m *dbusManager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	props, err := m.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return UnitStatus{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("status %s: %w", unit, err)
	}
	st := UnitStatus{
		Unit:        unit,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
	}
	// Timestamps are microseconds since the epoch.
	if v, ok := props["ActiveEnterTimestamp"].(uint64); ok && v > 0 {
		st.ActiveSince = time.UnixMicro(int64(v))
	}
	return st, nil
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// wait blocks until systemd reports the job result.
func wait(ctx context.Context, unit string, start func(ch chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := start(ch); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("job for %s finished with %q", unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *dbusManager) Start(ctx context.Context, unit string) error {
	return wait(ctx, unit, func(ch chan<- string) (int, error) {
		return m.conn.StartUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *dbusManager) Stop(ctx context.Context, unit string) error {
	return wait(ctx, unit, func(ch chan<- string) (int, error) {
		return m.conn.StopUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *dbusManager) Restart(ctx context.Context, unit string) error {
	return wait(ctx, unit, func(ch chan<- string) (int, error) {
		return m.conn.RestartUnitContext(ctx, unit, "replace", ch)
	})
}
