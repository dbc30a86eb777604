package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marzbot/internal/marzban"
	"marzbot/internal/queue"
	"marzbot/internal/storage"
	logx "marzbot/pkg/logx"
)

var (
	ErrEmptyMessage = errors.New("broadcast message is empty")
	ErrNotQueued    = errors.New("broadcast could not be queued")
)

// Directory lists the panel users a broadcast is fanned out to.
type Directory interface {
	ListUsers(ctx context.Context) ([]marzban.User, error)
}

// Auditor appends audit entries. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Receipt is what the operator learns right after enqueueing. The counts
// describe the directory at enqueue time, not the eventual delivery.
type Receipt struct {
	Handle       queue.Handle
	Reachable    int
	Unreachable  int
	DirectoryErr error
}

func (r Receipt) Summary() string {
	if r.DirectoryErr != nil {
		return fmt.Sprintf("Broadcast queued (%s). Recipient count unavailable: %v", r.Handle, r.DirectoryErr)
	}
	return fmt.Sprintf("Broadcast queued (%s).\nReachable: %d\nWithout Telegram: %d", r.Handle, r.Reachable, r.Unreachable)
}

type Producer struct {
	store   *queue.Store
	dir     Directory
	resolve resolver
	audit   Auditor
	hooks   Hooks
	log     logx.Logger
}

type ProducerOption func(*Producer)

func WithProducerAudit(a Auditor) ProducerOption { return func(p *Producer) { p.audit = a } }
func WithProducerLinks(l LinkLookup) ProducerOption {
	return func(p *Producer) { p.resolve.links = l }
}
func WithProducerHooks(h Hooks) ProducerOption { return func(p *Producer) { p.hooks = h } }

// NewProducer builds a producer. dir may be nil, in which case receipts carry
// no recipient counts.
func NewProducer(store *queue.Store, dir Directory, log logx.Logger, opts ...ProducerOption) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Producer{store: store, dir: dir, log: log, resolve: resolver{log: log}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue writes the message to the queue and returns immediately; delivery
// happens in the client process. The directory summary is best effort.
func (p *Producer) Enqueue(ctx context.Context, message string, adminID int64) (Receipt, error) {
	if strings.TrimSpace(message) == "" {
		return Receipt{}, ErrEmptyMessage
	}
	h := p.store.Create(message, adminID)
	if h.IsZero() {
		return Receipt{}, ErrNotQueued
	}
	p.hooks.enqueued()
	r := Receipt{Handle: h}

	if p.dir != nil {
		users, err := p.dir.ListUsers(ctx)
		if err != nil {
			p.log.Warn("directory summary unavailable", logx.String("item", h.String()), logx.Err(err))
			r.DirectoryErr = err
		} else {
			for _, u := range users {
				if _, ok := p.resolve.resolve(ctx, u); ok {
					r.Reachable++
				} else {
					r.Unreachable++
				}
			}
		}
	}

	if p.audit != nil {
		e := storage.AuditEntry{
			ActorID: adminID,
			Action:  "broadcast.enqueue",
			Target:  h.String(),
			OK:      r.Reachable,
			Skipped: r.Unreachable,
		}
		if r.DirectoryErr != nil {
			e.Error = r.DirectoryErr.Error()
		}
		if err := p.audit.AppendAudit(ctx, e); err != nil {
			p.log.Warn("audit append failed", logx.String("item", h.String()), logx.Err(err))
		}
	}
	p.log.Info("broadcast enqueued",
		logx.String("item", h.String()),
		logx.Int64("admin_id", adminID),
		logx.Int("reachable", r.Reachable),
		logx.Int("unreachable", r.Unreachable),
	)
	return r, nil
}
