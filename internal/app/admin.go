package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marzbot/internal/broadcast"
	"marzbot/internal/marzban"
	"marzbot/internal/transport"
	"marzbot/internal/transport/telegram/router"
	logx "marzbot/pkg/logx"
)

// Panel is the part of the Marzban client the bots use.
type Panel interface {
	ListUsers(ctx context.Context) ([]marzban.User, error)
	GetUser(ctx context.Context, username string) (marzban.User, error)
	ResetTraffic(ctx context.Context, username string) (marzban.User, error)
	SystemStats(ctx context.Context) (marzban.SystemStats, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, message string, adminID int64) (broadcast.Receipt, error)
}

type PendingCounter interface {
	Pending() int
}

// broadcastPromptTTL bounds how long a bare /broadcast waits for its text.
const broadcastPromptTTL = 10 * time.Minute

const (
	msgAdminOnly       = "❌ This bot is for the administrator only."
	msgPanelDown       = "⚠️ The panel is unavailable right now, try again later."
	msgBroadcastPrompt = "📢 Send the message to broadcast to all users, or /cancel."
)

// AdminBot serves the administrator: broadcasting and panel overview.
type AdminBot struct {
	router   *router.Router
	panel    Panel
	producer Enqueuer
	queue    PendingCounter
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	awaiting map[int64]time.Time // chat id -> prompt time
}

func NewAdminBot(adapter transport.Adapter, admins []int64, panel Panel, producer Enqueuer, queue PendingCounter, log logx.Logger) (*AdminBot, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &AdminBot{
		panel:    panel,
		producer: producer,
		queue:    queue,
		log:      log,
		now:      time.Now,
		awaiting: map[int64]time.Time{},
	}
	b.router = router.New(adapter, log,
		router.WithAdmins(admins),
		router.WithFallback(b.onText),
		router.WithHelpTitle("Admin commands"),
	)
	cmds := []router.Command{
		{Name: "start", Description: "admin panel", Handle: b.start},
		{Name: "broadcast", Description: "send a message to all users", Usage: "/broadcast [text]", Access: router.AccessAdminOnly, Handle: b.broadcast},
		{Name: "cancel", Description: "cancel the current operation", Access: router.AccessAdminOnly, Handle: b.cancel},
		{Name: "users", Description: "list panel users", Access: router.AccessAdminOnly, Timeout: 30 * time.Second, Handle: b.users},
		{Name: "pending", Description: "count queued broadcasts", Access: router.AccessAdminOnly, Handle: b.pending},
		{Name: "status", Description: "server status", Access: router.AccessAdminOnly, Timeout: 30 * time.Second, Handle: b.status},
	}
	for _, c := range cmds {
		if err := b.router.Handle(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *AdminBot) Router() *router.Router { return b.router }

func (b *AdminBot) start(ctx context.Context, req *router.Request) error {
	if !req.IsAdmin {
		return req.Reply(ctx, msgAdminOnly, nil)
	}
	return req.Reply(ctx, "👑 Welcome, administrator!\n\n"+b.router.HelpText(true), &transport.SendOptions{ParseMode: "HTML"})
}

func (b *AdminBot) broadcast(ctx context.Context, req *router.Request) error {
	if req.Text == "" {
		b.mu.Lock()
		b.awaiting[req.Chat.ChatID] = b.now()
		b.mu.Unlock()
		return req.Reply(ctx, msgBroadcastPrompt, &transport.SendOptions{RemoveKeyboard: true})
	}
	b.clearAwaiting(req.Chat.ChatID)
	return b.enqueue(ctx, req, req.Text)
}

func (b *AdminBot) cancel(ctx context.Context, req *router.Request) error {
	if b.clearAwaiting(req.Chat.ChatID) {
		return req.Reply(ctx, "Operation cancelled.", nil)
	}
	return req.Reply(ctx, "Nothing to cancel.", nil)
}

// onText receives non-command text; it completes a pending /broadcast.
func (b *AdminBot) onText(ctx context.Context, req *router.Request) error {
	if !req.IsAdmin {
		return nil
	}
	if !b.takeAwaiting(req.Chat.ChatID) {
		return req.Reply(ctx, "Unknown command. Try /help", nil)
	}
	// Keep the original formatting rather than the trimmed text.
	text := req.Message.Text
	return b.enqueue(ctx, req, text)
}

func (b *AdminBot) enqueue(ctx context.Context, req *router.Request, text string) error {
	rc, err := b.producer.Enqueue(ctx, text, req.FromID)
	if errors.Is(err, broadcast.ErrEmptyMessage) {
		return req.Reply(ctx, "The message is empty, nothing was queued.", nil)
	}
	if err != nil {
		req.Logger.Error("enqueue failed", logx.Err(err))
		return req.Reply(ctx, fmt.Sprintf("❌ Could not queue the broadcast: %v", err), nil)
	}
	return req.Reply(ctx, "✅ "+rc.Summary(), nil)
}

func (b *AdminBot) users(ctx context.Context, req *router.Request) error {
	users, err := b.panel.ListUsers(ctx)
	if err != nil {
		req.Logger.Warn("list users failed", logx.Err(err))
		return req.Reply(ctx, msgPanelDown, nil)
	}
	return req.Reply(ctx, formatUserList(users), &transport.SendOptions{ParseMode: "HTML"})
}

func (b *AdminBot) pending(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, fmt.Sprintf("📨 Pending broadcasts: %d", b.queue.Pending()), nil)
}

func (b *AdminBot) status(ctx context.Context, req *router.Request) error {
	st, err := b.panel.SystemStats(ctx)
	if err != nil {
		req.Logger.Warn("system stats failed", logx.Err(err))
		return req.Reply(ctx, msgPanelDown, nil)
	}
	return req.Reply(ctx, formatStatus(st, b.queue.Pending()), &transport.SendOptions{ParseMode: "HTML"})
}

func (b *AdminBot) clearAwaiting(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.awaiting[chatID]
	delete(b.awaiting, chatID)
	return ok
}

// takeAwaiting consumes a prompt that has not expired.
func (b *AdminBot) takeAwaiting(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.awaiting[chatID]
	delete(b.awaiting, chatID)
	return ok && b.now().Sub(at) <= broadcastPromptTTL
}
