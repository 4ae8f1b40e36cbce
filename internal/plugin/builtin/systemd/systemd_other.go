//go:build !linux

package systemd

import (
	"context"
	"errors"
)

func dialSystem(ctx context.Context) (unitManager, error) {
	return nil, errors.New("systemd is only available on linux")
}
