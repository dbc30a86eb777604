package broadcast

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"marzbot/internal/marzban"
	"marzbot/internal/storage"
	"marzbot/internal/transport"
	logx "marzbot/pkg/logx"
)

var (
	telegramIDToken   = regexp.MustCompile(`telegram_id:(\d+)`)
	telegramNameToken = regexp.MustCompile(`telegram_name:@([A-Za-z0-9_]+)`)
)

// AddressFromNote extracts a notification address from a panel user's note.
// A telegram_id token wins over a telegram_name token.
func AddressFromNote(note string) (transport.ChatTarget, bool) {
	if m := telegramIDToken.FindStringSubmatch(note); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil && id > 0 {
			return transport.ChatTarget{ChatID: id}, true
		}
	}
	if m := telegramNameToken.FindStringSubmatch(note); m != nil {
		return transport.ChatTarget{Username: m[1]}, true
	}
	return transport.ChatTarget{}, false
}

// MatchesSender reports whether the user's note names the given Telegram
// account, by id or by @handle (case-insensitive).
func MatchesSender(u marzban.User, id int64, username string) bool {
	if m := telegramIDToken.FindStringSubmatch(u.Note); m != nil && id != 0 {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil && v == id {
			return true
		}
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return false
	}
	if m := telegramNameToken.FindStringSubmatch(u.Note); m != nil {
		return strings.EqualFold(m[1], username)
	}
	return false
}

// FindBySender returns the first user whose note names the Telegram account.
func FindBySender(users []marzban.User, id int64, username string) (marzban.User, bool) {
	for _, u := range users {
		if MatchesSender(u, id, username) {
			return u, true
		}
	}
	return marzban.User{}, false
}

// LinkLookup resolves a panel username through the stored links table.
type LinkLookup interface {
	GetLink(ctx context.Context, username string) (storage.Link, bool, error)
}

// resolver prefers a stored link that the note still backs, then the note
// annotation.
type resolver struct {
	links LinkLookup
	log   logx.Logger
}

// LinkMatches reports whether a stored link is still backed by the user's
// note. A link whose account the note no longer names is stale.
func LinkMatches(u marzban.User, l storage.Link) bool {
	return l.ChatID != 0 && MatchesSender(u, l.ChatID, l.TelegramUsername)
}

func (r resolver) resolve(ctx context.Context, u marzban.User) (transport.ChatTarget, bool) {
	if r.links != nil && u.Username != "" {
		l, ok, err := r.links.GetLink(ctx, u.Username)
		switch {
		case err != nil:
			r.log.Debug("link lookup failed", logx.String("username", u.Username), logx.Err(err))
		case ok && LinkMatches(u, l):
			return transport.ChatTarget{ChatID: l.ChatID}, true
		case ok:
			r.log.Debug("stale link ignored", logx.String("username", u.Username), logx.Int64("chat_id", l.ChatID))
		}
	}
	return AddressFromNote(u.Note)
}
