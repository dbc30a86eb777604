package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file": JSON Lines audit log plus a links snapshot and journal
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action or a delivery pass.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ActorID  int64     `json:"actor_id"`
	Action   string    `json:"action"`
	Target   string    `json:"target"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Skipped  int       `json:"skipped"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}

// Link binds a panel username to the Telegram chat that claimed it.
type Link struct {
	Username         string    `json:"username"`
	ChatID           int64     `json:"chat_id"`
	TelegramUsername string    `json:"telegram_username,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}
