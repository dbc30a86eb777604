package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "marzbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Both bot processes may open the same file; keep one writer per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, skipped, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, e.Target,
		e.OK, e.Fail, e.Skipped, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutLink(ctx context.Context, l Link) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	name := normalizeUsername(l.Username)
	if name == "" || l.ChatID == 0 {
		return errors.New("link needs a username and a chat id")
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO links(username, chat_id, telegram_username, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(username) DO UPDATE SET
		   chat_id=excluded.chat_id,
		   telegram_username=excluded.telegram_username,
		   updated_at=excluded.updated_at`,
		name, l.ChatID, nullStr(l.TelegramUsername), l.UpdatedAt.Unix(),
	)
	return err
}

func (s *sqliteStore) GetLink(ctx context.Context, username string) (Link, bool, error) {
	if s == nil || s.db == nil {
		return Link{}, false, ErrDisabled
	}
	name := normalizeUsername(username)
	if name == "" {
		return Link{}, false, nil
	}
	var (
		l     Link
		tg    sql.NullString
		epoch int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, chat_id, telegram_username, updated_at FROM links WHERE username = ?`, name,
	).Scan(&l.Username, &l.ChatID, &tg, &epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, err
	}
	l.TelegramUsername = tg.String
	l.UpdatedAt = time.Unix(epoch, 0)
	return l, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
