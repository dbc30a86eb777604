package router

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "marzbot/internal/runtime/supervisor"
	"marzbot/internal/transport"
	logx "marzbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	// Name is the command word without the slash, e.g. "broadcast".
	Name        string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routable but left out of /help and the menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  transport.Update
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	// Command is empty for plain text routed to the fallback handler.
	Command string
	// Text is everything after the command word, with line breaks kept.
	// For plain text it is the whole message.
	Text    string
	Args    []string
	IsAdmin bool
	ReqID   string

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *transport.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

const (
	defaultQueueCap = 256
	msgUnknown      = "Unknown command. Try /help"
	msgDenied       = "Access denied."
	msgBusy         = "Busy, try again in a moment."
)

var commandName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

type Router struct {
	mu       sync.RWMutex
	cmds     map[string]Command
	fallback HandlerFunc
	admins   []int64
	title    string

	log     logx.Logger
	adapter transport.Adapter
	workers int
	jobs    chan func()
}

type Option func(*Router)

func WithAdmins(ids []int64) Option {
	return func(r *Router) { r.admins = append([]int64(nil), ids...) }
}

// WithFallback handles text that is not a command.
func WithFallback(h HandlerFunc) Option { return func(r *Router) { r.fallback = h } }

func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

// WithHelpTitle sets the first line of the /help reply.
func WithHelpTitle(title string) Option { return func(r *Router) { r.title = title } }

func New(adapter transport.Adapter, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:    map[string]Command{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		title:   "Commands",
		jobs:    make(chan func(), defaultQueueCap),
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = max(2, runtime.NumCPU())
	}
	r.cmds["help"] = Command{
		Name:        "help",
		Description: "show available commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.HelpText(req.IsAdmin), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
		},
	}
	return r
}

// Handle registers cmd. Registering "help" replaces the built-in help.
func (r *Router) Handle(cmd Command) error {
	cmd.Name = strings.ToLower(strings.TrimSpace(cmd.Name))
	if !commandName.MatchString(cmd.Name) {
		return fmt.Errorf("invalid command name %q", cmd.Name)
	}
	if cmd.Handle == nil {
		return fmt.Errorf("command %s: handler required", cmd.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.cmds[cmd.Name]; dup && cmd.Name != "help" {
		return fmt.Errorf("command %s already registered", cmd.Name)
	}
	r.cmds[cmd.Name] = cmd
	return nil
}

// Commands lists visible commands sorted by name.
func (r *Router) Commands(includeAdmin bool) []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Hidden || (c.Access == AccessAdminOnly && !includeAdmin) {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Router) HelpText(includeAdmin bool) string {
	lines := []string{"<b>" + html.EscapeString(r.title) + "</b>", ""}
	for _, c := range r.Commands(includeAdmin) {
		line := "/" + c.Name
		if c.Usage != "" {
			line = html.EscapeString(c.Usage)
		}
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// PublishMenu pushes the visible commands to the adapter's menu, when the
// adapter supports it.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cmds := r.Commands(true)
	menu := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		menu = append(menu, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return up.UpdateMenuCommands(ctx, menu)
}

func (r *Router) isAdmin(id int64) bool { return slices.Contains(r.admins, id) }

// Dispatch routes one update and runs its handler on the calling goroutine.
func (r *Router) Dispatch(ctx context.Context, up transport.Update) error {
	job := r.route(ctx, up)
	if job == nil {
		return nil
	}
	return job()
}

// Run reads updates until ctx is done or updates is closed, running handlers
// on a bounded worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- func() { _ = job() }:
			default:
				if m := up.Message; m != nil {
					_, _ = r.adapter.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, msgBusy, nil)
				}
			}
		}
	}
}

// route resolves an update to a ready-to-run handler, or nil when nothing
// should run. Access-denied and unknown-command replies are sent here.
func (r *Router) route(ctx context.Context, up transport.Update) func() error {
	msg := up.Message
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    transport.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		IsAdmin: r.isAdmin(msg.FromID),
		ReqID:   uuid.NewString()[:8],
		Adapter: r.adapter,
	}

	var (
		h       HandlerFunc
		timeout time.Duration
	)
	name, rest, isCmd := parseCommand(text)
	if isCmd {
		r.mu.RLock()
		cmd, ok := r.cmds[name]
		r.mu.RUnlock()
		if !ok {
			if msg.IsPrivate {
				_, _ = r.adapter.SendText(ctx, req.Chat, msgUnknown, nil)
			}
			return nil
		}
		if cmd.Access == AccessAdminOnly && !req.IsAdmin {
			r.log.Warn("admin command denied", logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
			_, _ = r.adapter.SendText(ctx, req.Chat, msgDenied, nil)
			return nil
		}
		req.Command = name
		req.Text = rest
		h, timeout = cmd.Handle, cmd.Timeout
	} else {
		if r.fallback == nil || text == "" {
			return nil
		}
		req.Text = text
		h = r.fallback
	}
	req.Args = strings.Fields(req.Text)
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", req.Command),
	)

	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	return func() error { return final(ctx, req) }
}

// parseCommand splits "/name@bot rest" into its lower-cased name and the
// remainder with line breaks kept.
func parseCommand(text string) (name, rest string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word := text[1:]
	if i := strings.IndexFunc(word, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }); i >= 0 {
		word, rest = word[:i], strings.TrimSpace(word[i:])
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", "", false
	}
	return strings.ToLower(word), rest, true
}
