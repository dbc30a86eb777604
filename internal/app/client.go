package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"marzbot/internal/broadcast"
	"marzbot/internal/marzban"
	"marzbot/internal/storage"
	"marzbot/internal/transport"
	"marzbot/internal/transport/telegram/router"
	logx "marzbot/pkg/logx"
)

// LinkStore persists which Telegram chat claimed a panel user.
type LinkStore interface {
	broadcast.LinkLookup
	PutLink(ctx context.Context, l storage.Link) error
}

var errNoSubscription = errors.New("no subscription for this account")

// ClientBot serves panel users: linking, subscription info and traffic reset.
type ClientBot struct {
	router *router.Router
	panel  Panel
	links  LinkStore
	log    logx.Logger
	now    func() time.Time
}

// NewClientBot builds the client bot. links may be nil.
func NewClientBot(adapter transport.Adapter, panel Panel, links LinkStore, log logx.Logger) (*ClientBot, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &ClientBot{panel: panel, links: links, log: log, now: time.Now}
	b.router = router.New(adapter, log, router.WithHelpTitle("Available commands"))
	cmds := []router.Command{
		{Name: "start", Description: "link your Telegram account", Handle: b.start},
		{Name: "myinfo", Description: "my subscription", Timeout: 30 * time.Second, Handle: b.myInfo},
		{Name: "my_info", Hidden: true, Timeout: 30 * time.Second, Handle: b.myInfo},
		{Name: "reset", Description: "reset my traffic", Timeout: 30 * time.Second, Handle: b.reset},
		{Name: "reset_traffic", Hidden: true, Timeout: 30 * time.Second, Handle: b.reset},
		{Name: "status", Description: "server status", Timeout: 30 * time.Second, Handle: b.status},
		{Name: "my_configs", Hidden: true, Timeout: 30 * time.Second, Handle: b.status},
		{Name: "restart", Description: "refresh the bot interface", Handle: b.restart},
	}
	for _, c := range cmds {
		if err := b.router.Handle(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *ClientBot) Router() *router.Router { return b.router }

func (b *ClientBot) start(ctx context.Context, req *router.Request) error {
	name := req.Message.FromName
	if name == "" {
		name = "there"
	}
	u, err := b.findUser(ctx, req)
	switch {
	case errors.Is(err, errNoSubscription):
		return req.Reply(ctx, fmt.Sprintf(
			"👋 Welcome, %s!\n\nNo subscription is linked to this account yet. "+
				"Ask the administrator to add <code>telegram_id:%d</code> to your user note.",
			html.EscapeString(name), req.FromID), &transport.SendOptions{ParseMode: "HTML"})
	case err != nil:
		return req.Reply(ctx, msgPanelDown, nil)
	}

	if b.links != nil && req.Message.IsPrivate {
		l := storage.Link{
			Username:         u.Username,
			ChatID:           req.Chat.ChatID,
			TelegramUsername: req.Message.FromUsername,
		}
		if err := b.links.PutLink(ctx, l); err != nil {
			req.Logger.Warn("link store failed", logx.String("username", u.Username), logx.Err(err))
		} else {
			req.Logger.Info("account linked", logx.String("username", u.Username))
		}
	}
	return req.Reply(ctx, fmt.Sprintf(
		"👋 Welcome, %s!\n\nYour account <b>%s</b> is linked; you will receive announcements here.\n\n%s",
		html.EscapeString(name), html.EscapeString(u.Username), b.router.HelpText(false)),
		&transport.SendOptions{ParseMode: "HTML", RemoveKeyboard: true})
}

func (b *ClientBot) myInfo(ctx context.Context, req *router.Request) error {
	u, err := b.findUser(ctx, req)
	if err != nil {
		return b.replyLookupError(ctx, req, err)
	}
	return req.Reply(ctx, formatSubscription(u, b.now()), &transport.SendOptions{ParseMode: "HTML"})
}

func (b *ClientBot) reset(ctx context.Context, req *router.Request) error {
	u, err := b.findUser(ctx, req)
	if err != nil {
		return b.replyLookupError(ctx, req, err)
	}
	updated, err := b.panel.ResetTraffic(ctx, u.Username)
	if err != nil {
		req.Logger.Warn("traffic reset failed", logx.String("username", u.Username), logx.Err(err))
		return req.Reply(ctx, "❌ Traffic reset failed, try again later.", nil)
	}
	req.Logger.Info("traffic reset", logx.String("username", u.Username))
	return req.Reply(ctx, fmt.Sprintf("✅ Traffic for <b>%s</b> has been reset.\n\n%s",
		html.EscapeString(u.Username), formatSubscription(updated, b.now())),
		&transport.SendOptions{ParseMode: "HTML"})
}

func (b *ClientBot) status(ctx context.Context, req *router.Request) error {
	st, err := b.panel.SystemStats(ctx)
	if err != nil {
		req.Logger.Warn("system stats failed", logx.Err(err))
		return req.Reply(ctx, msgPanelDown, nil)
	}
	return req.Reply(ctx, formatServerStatus(st), &transport.SendOptions{ParseMode: "HTML"})
}

// restart drops any stale reply keyboard and runs start again.
func (b *ClientBot) restart(ctx context.Context, req *router.Request) error {
	if err := req.Reply(ctx, "🔄 Refreshing the interface...", &transport.SendOptions{RemoveKeyboard: true}); err != nil {
		return err
	}
	return b.start(ctx, req)
}

func (b *ClientBot) replyLookupError(ctx context.Context, req *router.Request, err error) error {
	if errors.Is(err, errNoSubscription) {
		return req.Reply(ctx, "❌ No subscription found for your account. Send /start for details.", nil)
	}
	return req.Reply(ctx, msgPanelDown, nil)
}

// findUser matches the sender against user notes first and falls back to a
// stored link for this chat that the note still backs.
func (b *ClientBot) findUser(ctx context.Context, req *router.Request) (marzban.User, error) {
	users, err := b.panel.ListUsers(ctx)
	if err != nil {
		req.Logger.Warn("list users failed", logx.Err(err))
		return marzban.User{}, err
	}
	if u, ok := broadcast.FindBySender(users, req.FromID, req.Message.FromUsername); ok {
		return u, nil
	}
	if b.links != nil {
		for _, u := range users {
			l, ok, err := b.links.GetLink(ctx, u.Username)
			if err == nil && ok && l.ChatID == req.Chat.ChatID && broadcast.LinkMatches(u, l) {
				return u, nil
			}
		}
	}
	return marzban.User{}, errNoSubscription
}
