package storage

import (
	"errors"
	"strings"

	"plugsched/internal/apperr"
	logx "plugsched/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql":
		st, err = openPostgres(cfg, log)
	default:
		err = errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, apperr.New(apperr.Persistence, "storage.open", err)
	}
	log.Debug("store opened", logx.String("driver", driverName(driver)))
	return st, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
