package transport

import (
	"context"
	"strconv"
	"strings"
)

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsPrivate    bool
}

// ChatTarget addresses a chat either by numeric id or by public @handle.
// ChatID wins when both are set.
type ChatTarget struct {
	ChatID   int64
	Username string
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && strings.TrimSpace(t.Username) == "" }

// Recipient renders the target the way the Bot API expects it in chat_id.
func (t ChatTarget) Recipient() string {
	if t.ChatID != 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	u := strings.TrimSpace(t.Username)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "@") {
		u = "@" + u
	}
	return u
}

func (t ChatTarget) String() string { return t.Recipient() }

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// RemoveKeyboard hides a custom reply keyboard left by a previous message.
	RemoveKeyboard bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish the bot's
// command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
