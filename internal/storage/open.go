package storage

import (
	"errors"
	"strings"

	logx "taskd/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return Memory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
