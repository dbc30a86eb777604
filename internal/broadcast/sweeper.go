package broadcast

import (
	"context"
	"time"

	"marzbot/internal/queue"
	"marzbot/internal/storage"
	logx "marzbot/pkg/logx"
)

const DefaultRetention = 24 * time.Hour

// Sweeper removes queue items older than the retention window, delivered or not.
type Sweeper struct {
	store     *queue.Store
	retention time.Duration
	audit     Auditor
	hooks     Hooks
	log       logx.Logger
}

func NewSweeper(store *queue.Store, retention time.Duration, log logx.Logger, audit Auditor, hooks Hooks) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{store: store, retention: retention, audit: audit, hooks: hooks, log: log}
}

func (s *Sweeper) Retention() time.Duration { return s.retention }

// Run purges once and returns the number of items removed.
func (s *Sweeper) Run(ctx context.Context) int {
	start := time.Now()
	n := s.store.PurgeOlderThan(s.retention)
	s.hooks.purged(n)
	if n > 0 && s.audit != nil {
		err := s.audit.AppendAudit(ctx, storage.AuditEntry{
			Action: "broadcast.purge",
			Target: s.store.Dir(),
			OK:     n,
			TookMS: time.Since(start).Milliseconds(),
		})
		if err != nil {
			s.log.Warn("audit append failed", logx.Err(err))
		}
	}
	return n
}
