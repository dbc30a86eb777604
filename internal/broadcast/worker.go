package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marzbot/internal/queue"
	"marzbot/internal/storage"
	"marzbot/internal/transport"
	logx "marzbot/pkg/logx"
)

const (
	DefaultNoticePrefix = "📢 Message from the administrator:\n\n"
	DefaultPaceEvery    = 10
	DefaultPaceShort    = 100 * time.Millisecond
	DefaultPaceLong     = time.Second
	DefaultLogFailures  = 3
)

// Sender delivers one text message. transport adapters satisfy it.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type WorkerConfig struct {
	// NoticePrefix is prepended to every delivered message.
	NoticePrefix string
	// After every PaceEvery-th successful delivery the worker waits PaceLong,
	// otherwise PaceShort, before the next recipient.
	PaceEvery int
	PaceShort time.Duration
	PaceLong  time.Duration
	// RatePerSec > 0 adds a token bucket shared by all sends.
	RatePerSec float64
	RateBurst  int
	// LogFailures bounds the detailed failure logs per item.
	LogFailures int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.NoticePrefix == "" {
		c.NoticePrefix = DefaultNoticePrefix
	}
	if c.PaceEvery <= 0 {
		c.PaceEvery = DefaultPaceEvery
	}
	if c.PaceShort < 0 {
		c.PaceShort = 0
	} else if c.PaceShort == 0 {
		c.PaceShort = DefaultPaceShort
	}
	if c.PaceLong < 0 {
		c.PaceLong = 0
	} else if c.PaceLong == 0 {
		c.PaceLong = DefaultPaceLong
	}
	if c.LogFailures < 0 {
		c.LogFailures = 0
	} else if c.LogFailures == 0 {
		c.LogFailures = DefaultLogFailures
	}
	if c.RatePerSec > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Report summarizes one fan-out pass over one item.
type Report struct {
	Handle         queue.Handle
	Users          int
	WithChannel    int
	WithoutChannel int
	Delivered      int
	Errors         int
	Took           time.Duration
}

// Worker is the single queue consumer.
type Worker struct {
	store   *queue.Store
	dir     Directory
	send    Sender
	resolve resolver
	audit   Auditor
	hooks   Hooks
	cfg     WorkerConfig
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	log     logx.Logger

	running sync.Mutex
}

type WorkerOption func(*Worker)

func WithLinks(l LinkLookup) WorkerOption { return func(w *Worker) { w.resolve.links = l } }
func WithAudit(a Auditor) WorkerOption { return func(w *Worker) { w.audit = a } }
func WithHooks(h Hooks) WorkerOption { return func(w *Worker) { w.hooks = h } }
func WithLogger(l logx.Logger) WorkerOption { return func(w *Worker) { w.log = l } }

// WithSleep replaces the pacing sleep. Tests use it to record pauses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

func NewWorker(store *queue.Store, dir Directory, send Sender, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{
		store: store,
		dir:   dir,
		send:  send,
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
		log:   logx.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.resolve.log = w.log
	if w.cfg.RatePerSec > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(w.cfg.RatePerSec), w.cfg.RateBurst)
	}
	return w
}

// RunOnce delivers every pending item. It returns false without doing
// anything when another run is still in progress.
func (w *Worker) RunOnce(ctx context.Context) ([]Report, bool) {
	if !w.running.TryLock() {
		w.log.Debug("delivery run skipped: previous run still active")
		return nil, false
	}
	defer w.running.Unlock()

	pending := w.store.ListPending()
	w.hooks.pending(len(pending))
	if len(pending) == 0 {
		return nil, true
	}
	w.log.Info("pending broadcasts found", logx.Int("count", len(pending)))

	reports := make([]Report, 0, len(pending))
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		r, ok := w.deliver(ctx, p)
		if ok {
			reports = append(reports, r)
		}
	}
	return reports, true
}

// deliver runs one pass. ok is false when the item was left pending
// (directory failure or cancellation).
func (w *Worker) deliver(ctx context.Context, p queue.Pending) (Report, bool) {
	start := time.Now()
	r := Report{Handle: p.Handle}
	log := w.log.With(logx.String("item", p.Handle.String()))

	users, err := w.dir.ListUsers(ctx)
	if err != nil {
		log.Error("directory fetch failed; item stays pending", logx.Err(err))
		w.hooks.pass(PassDirectoryError, time.Since(start))
		return r, false
	}
	r.Users = len(users)
	w.hooks.directory(len(users))

	text := w.cfg.NoticePrefix + p.Item.Message
	// pause is owed by the previous send and paid before the next one, so
	// the pass never sleeps after its last delivery.
	var pause time.Duration
	owed := false
	for _, u := range users {
		if ctx.Err() != nil {
			return w.cancelled(log, r, start)
		}
		to, ok := w.resolve.resolve(ctx, u)
		if !ok {
			r.WithoutChannel++
			w.hooks.noChannel()
			continue
		}
		r.WithChannel++

		if owed {
			if err := w.sleep(ctx, pause); err != nil {
				return w.cancelled(log, r, start)
			}
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return w.cancelled(log, r, start)
			}
		}
		_, err := w.send.SendText(ctx, to, text, nil)
		switch {
		case err != nil && ctx.Err() != nil:
			return w.cancelled(log, r, start)
		case err != nil:
			r.Errors++
			w.hooks.failed()
			if r.Errors <= w.cfg.LogFailures {
				log.Warn("delivery failed",
					logx.String("username", u.Username),
					logx.String("to", to.String()),
					logx.Err(err),
				)
			}
		default:
			r.Delivered++
			w.hooks.delivered()
		}

		pause, owed = w.cfg.PaceShort, true
		if err == nil && r.Delivered%w.cfg.PaceEvery == 0 {
			pause = w.cfg.PaceLong
		}
	}
	if suppressed := r.Errors - w.cfg.LogFailures; suppressed > 0 {
		log.Warn("further delivery failures not logged", logx.Int("suppressed", suppressed))
	}

	w.store.MarkProcessed(p.Handle)
	r.Took = time.Since(start)
	w.hooks.pass(PassCompleted, r.Took)
	w.appendAudit(ctx, p, r)
	log.Info("broadcast delivered",
		logx.Int("users", r.Users),
		logx.Int("with_channel", r.WithChannel),
		logx.Int("without_channel", r.WithoutChannel),
		logx.Int("delivered", r.Delivered),
		logx.Int("errors", r.Errors),
		logx.Duration("took", r.Took),
	)
	return r, true
}

func (w *Worker) cancelled(log logx.Logger, r Report, start time.Time) (Report, bool) {
	w.hooks.pass(PassCancelled, time.Since(start))
	log.Warn("delivery pass interrupted; item stays pending",
		logx.Int("delivered", r.Delivered),
		logx.Int("errors", r.Errors),
	)
	return r, false
}

func (w *Worker) appendAudit(ctx context.Context, p queue.Pending, r Report) {
	if w.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]int{"users": r.Users, "with_channel": r.WithChannel})
	actx := ctx
	if ctx.Err() != nil {
		actx = context.Background()
	}
	err := w.audit.AppendAudit(actx, storage.AuditEntry{
		ActorID:  p.Item.AdminID,
		Action:   "broadcast.pass",
		Target:   p.Handle.String(),
		OK:       r.Delivered,
		Fail:     r.Errors,
		Skipped:  r.WithoutChannel,
		TookMS:   r.Took.Milliseconds(),
		MetaJSON: string(meta),
	})
	if err != nil {
		w.log.Warn("audit append failed", logx.String("item", p.Handle.String()), logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
