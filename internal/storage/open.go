package storage

import (
	"context"
	"errors"
	"strings"

	logx "marzbot/pkg/logx"
)

// Store is the persistence API used by the bots and the delivery worker.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutLink(ctx context.Context, l Link) error
	GetLink(ctx context.Context, username string) (Link, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}
