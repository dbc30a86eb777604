package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marzbot/internal/broadcast"
	"marzbot/internal/config"
	"marzbot/internal/marzban"
	"marzbot/internal/metrics"
	"marzbot/internal/queue"
	"marzbot/internal/storage"
	"marzbot/internal/transport"
	logx "marzbot/pkg/logx"
)

type sentText struct {
	to   transport.ChatTarget
	text string
	opt  transport.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentText
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sentText{to: to, text: text}
	if opt != nil {
		s.opt = *opt
	}
	f.sent = append(f.sent, s)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) last(t *testing.T) sentText {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePanel struct {
	mu     sync.Mutex
	users  []marzban.User
	err    error
	resets []string
}

func (p *fakePanel) ListUsers(context.Context) ([]marzban.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return append([]marzban.User(nil), p.users...), nil
}

func (p *fakePanel) GetUser(_ context.Context, name string) (marzban.User, error) {
	for _, u := range p.users {
		if u.Username == name {
			return u, nil
		}
	}
	return marzban.User{}, marzban.ErrNotFound
}

func (p *fakePanel) ResetTraffic(_ context.Context, name string) (marzban.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets = append(p.resets, name)
	for _, u := range p.users {
		if u.Username == name {
			u.UsedTraffic = 0
			return u, nil
		}
	}
	return marzban.User{}, marzban.ErrNotFound
}

func (p *fakePanel) SystemStats(context.Context) (marzban.SystemStats, error) {
	if p.err != nil {
		return marzban.SystemStats{}, p.err
	}
	return marzban.SystemStats{Version: "0.8.4", TotalUser: 3, UsersActive: 2, CPUCores: 2, CPUUsage: 12.5}, nil
}

type memLinks struct {
	mu    sync.Mutex
	links map[string]storage.Link
}

func (m *memLinks) PutLink(_ context.Context, l storage.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links == nil {
		m.links = map[string]storage.Link{}
	}
	m.links[l.Username] = l
	return nil
}

func (m *memLinks) GetLink(_ context.Context, username string) (storage.Link, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[username]
	return l, ok, nil
}

const adminID = 42

func text(from int64, s string) transport.Update {
	return transport.Update{Message: &transport.Message{
		ChatID: from, FromID: from, FromName: "Ann", Text: s, IsPrivate: true,
	}}
}

func newQueue(t *testing.T) *queue.Store {
	t.Helper()
	q, err := queue.Open(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	return q
}

func samplePanel() *fakePanel {
	limit := int64(10 << 30)
	return &fakePanel{users: []marzban.User{
		{Username: "alice", Status: "active", Note: "telegram_id:111", UsedTraffic: 5 << 30, DataLimit: &limit},
		{Username: "bob", Status: "disabled", Note: "no telegram"},
	}}
}

func newAdmin(t *testing.T, panel *fakePanel) (*AdminBot, *fakeAdapter, *queue.Store) {
	t.Helper()
	fa := &fakeAdapter{}
	q := newQueue(t)
	bot, err := NewAdminBot(fa, []int64{adminID}, panel, broadcast.NewProducer(q, panel, logx.Nop()), q, logx.Nop())
	if err != nil {
		t.Fatalf("NewAdminBot: %v", err)
	}
	return bot, fa, q
}

func TestAdminBroadcastInline(t *testing.T) {
	t.Parallel()
	bot, fa, q := newAdmin(t, samplePanel())
	ctx := context.Background()

	_ = bot.Router().Dispatch(ctx, text(adminID, "/broadcast Maintenance at 10pm"))

	pending := q.ListPending()
	if len(pending) != 1 || pending[0].Item.Message != "Maintenance at 10pm" || pending[0].Item.AdminID != adminID {
		t.Fatalf("pending = %+v", pending)
	}
	if got := fa.last(t).text; !strings.Contains(got, "Reachable: 1\nWithout Telegram: 1") {
		t.Fatalf("summary = %q", got)
	}
}

func TestAdminBroadcastConversation(t *testing.T) {
	t.Parallel()
	bot, fa, q := newAdmin(t, samplePanel())
	ctx := context.Background()

	_ = bot.Router().Dispatch(ctx, text(adminID, "/broadcast"))
	prompt := fa.last(t)
	if prompt.text != msgBroadcastPrompt || !prompt.opt.RemoveKeyboard {
		t.Fatalf("prompt = %+v", prompt)
	}
	_ = bot.Router().Dispatch(ctx, text(adminID, "Line one\nLine two"))
	if p := q.ListPending(); len(p) != 1 || p[0].Item.Message != "Line one\nLine two" {
		t.Fatalf("pending = %+v", p)
	}

	// The prompt is consumed; further text is not queued.
	_ = bot.Router().Dispatch(ctx, text(adminID, "stray"))
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}

	_ = bot.Router().Dispatch(ctx, text(adminID, "/broadcast"))
	_ = bot.Router().Dispatch(ctx, text(adminID, "/cancel"))
	if got := fa.last(t).text; got != "Operation cancelled." {
		t.Fatalf("cancel reply = %q", got)
	}
	_ = bot.Router().Dispatch(ctx, text(adminID, "after cancel"))
	if q.Pending() != 1 {
		t.Fatalf("pending = %d after cancel, want 1", q.Pending())
	}
}

func TestAdminBroadcastPromptExpires(t *testing.T) {
	t.Parallel()
	bot, _, q := newAdmin(t, samplePanel())
	now := time.Unix(1_700_000_000, 0)
	bot.now = func() time.Time { return now }
	ctx := context.Background()

	_ = bot.Router().Dispatch(ctx, text(adminID, "/broadcast"))
	now = now.Add(broadcastPromptTTL + time.Second)
	_ = bot.Router().Dispatch(ctx, text(adminID, "late text"))
	if q.Pending() != 0 {
		t.Fatal("expired prompt still queued the message")
	}
}

func TestAdminRejectsOthers(t *testing.T) {
	t.Parallel()
	bot, fa, q := newAdmin(t, samplePanel())
	ctx := context.Background()

	_ = bot.Router().Dispatch(ctx, text(7, "/start"))
	if got := fa.last(t).text; got != msgAdminOnly {
		t.Fatalf("start reply = %q", got)
	}
	_ = bot.Router().Dispatch(ctx, text(7, "/broadcast hi"))
	_ = bot.Router().Dispatch(ctx, text(7, "plain"))
	if q.Pending() != 0 {
		t.Fatal("non-admin queued a broadcast")
	}
}

func TestAdminOverviewCommands(t *testing.T) {
	t.Parallel()
	panel := samplePanel()
	bot, fa, q := newAdmin(t, panel)
	ctx := context.Background()
	q.Create("queued", adminID)

	_ = bot.Router().Dispatch(ctx, text(adminID, "/users"))
	users := fa.last(t).text
	if !strings.Contains(users, "alice - active - 5.0 GiB/10 GiB") || !strings.Contains(users, "bob - disabled - 0 B/unlimited") {
		t.Fatalf("users = %q", users)
	}

	_ = bot.Router().Dispatch(ctx, text(adminID, "/pending"))
	if got := fa.last(t).text; !strings.HasSuffix(got, "Pending broadcasts: 1") {
		t.Fatalf("pending = %q", got)
	}

	_ = bot.Router().Dispatch(ctx, text(adminID, "/status"))
	st := fa.last(t).text
	if !strings.Contains(st, "0.8.4") || !strings.Contains(st, "3 total, 2 active, 1 inactive") || !strings.Contains(st, "Pending broadcasts: 1") {
		t.Fatalf("status = %q", st)
	}

	panel.err = errors.New("panel down")
	_ = bot.Router().Dispatch(ctx, text(adminID, "/users"))
	if got := fa.last(t).text; got != msgPanelDown {
		t.Fatalf("users with panel down = %q", got)
	}
}

func TestClientStartLinksAccount(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	links := &memLinks{}
	bot, err := NewClientBot(fa, samplePanel(), links, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_ = bot.Router().Dispatch(ctx, text(111, "/start"))
	if l, ok, _ := links.GetLink(ctx, "alice"); !ok || l.ChatID != 111 {
		t.Fatalf("link = %+v, %v", l, ok)
	}
	if got := fa.last(t).text; !strings.Contains(got, "<b>alice</b> is linked") {
		t.Fatalf("welcome = %q", got)
	}

	_ = bot.Router().Dispatch(ctx, text(999, "/start"))
	if got := fa.last(t).text; !strings.Contains(got, "telegram_id:999") {
		t.Fatalf("unlinked welcome = %q", got)
	}
}

func TestClientFindsUserThroughStoredLink(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	panel := &fakePanel{users: []marzban.User{
		{Username: "bob", Status: "active", Note: "telegram_name:@bob_old"},
		{Username: "carol", Status: "active", Note: "left the service"},
	}}
	links := &memLinks{}
	ctx := context.Background()
	_ = links.PutLink(ctx, storage.Link{Username: "bob", ChatID: 222, TelegramUsername: "bob_old"})
	_ = links.PutLink(ctx, storage.Link{Username: "carol", ChatID: 333})
	bot, _ := NewClientBot(fa, panel, links, logx.Nop())

	_ = bot.Router().Dispatch(ctx, text(222, "/my_info"))
	if got := fa.last(t).text; !strings.Contains(got, "Name: bob") {
		t.Fatalf("myinfo = %q", got)
	}

	_ = bot.Router().Dispatch(ctx, text(333, "/myinfo"))
	if got := fa.last(t).text; !strings.Contains(got, "No subscription found") {
		t.Fatalf("stale link still resolved: %q", got)
	}
}

func TestClientReset(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	panel := samplePanel()
	bot, _ := NewClientBot(fa, panel, nil, logx.Nop())
	ctx := context.Background()

	_ = bot.Router().Dispatch(ctx, text(111, "/reset"))
	if len(panel.resets) != 1 || panel.resets[0] != "alice" {
		t.Fatalf("resets = %v", panel.resets)
	}
	if got := fa.last(t).text; !strings.Contains(got, "Traffic for <b>alice</b> has been reset") || !strings.Contains(got, "Used: 0 B") {
		t.Fatalf("reset reply = %q", got)
	}

	_ = bot.Router().Dispatch(ctx, text(555, "/reset"))
	if len(panel.resets) != 1 {
		t.Fatal("reset called for an unknown sender")
	}
}

func TestClientStatusAndRestart(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	panel := samplePanel()
	bot, _ := NewClientBot(fa, panel, nil, logx.Nop())
	ctx := context.Background()

	for _, cmd := range []string{"/status", "/my_configs"} {
		_ = bot.Router().Dispatch(ctx, text(111, cmd))
		got := fa.last(t)
		if !strings.Contains(got.text, "0.8.4") || !strings.Contains(got.text, "3 total, 2 active, 1 inactive") {
			t.Fatalf("%s reply = %q", cmd, got.text)
		}
		if strings.Contains(got.text, "Pending broadcasts") || got.opt.ParseMode != "HTML" {
			t.Fatalf("%s reply = %+v", cmd, got)
		}
	}

	before := fa.count()
	_ = bot.Router().Dispatch(ctx, text(111, "/restart"))
	if n := fa.count() - before; n != 2 {
		t.Fatalf("restart sent %d messages, want 2", n)
	}
	fa.mu.Lock()
	first := fa.sent[before]
	fa.mu.Unlock()
	if !first.opt.RemoveKeyboard || !strings.Contains(first.text, "Refreshing") {
		t.Fatalf("restart first reply = %+v", first)
	}
	if got := fa.last(t).text; !strings.Contains(got, "Your account <b>alice</b> is linked") {
		t.Fatalf("restart welcome = %q", got)
	}

	panel.err = errors.New("panel down")
	_ = bot.Router().Dispatch(ctx, text(111, "/status"))
	if got := fa.last(t).text; got != msgPanelDown {
		t.Fatalf("status with panel down = %q", got)
	}
}

func TestDeliverySchedulerDeliversQueuedItem(t *testing.T) {
	t.Parallel()
	q := newQueue(t)
	rt := &Runtime{
		Settings: &config.Settings{
			PollInterval:  time.Hour,
			InitialDelay:  10 * time.Millisecond,
			Retention:     24 * time.Hour,
			SweepSchedule: "0 3 * * *",
			PaceShort:     -1,
			PaceLong:      -1,
		},
		Log:     logx.Nop(),
		Queue:   q,
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	panel := samplePanel()

	fa := &fakeAdapter{}
	w := broadcast.NewWorker(q, panel, fa, broadcast.WorkerConfig{PaceShort: -1, PaceLong: -1})
	sched, err := NewDeliveryScheduler(rt, w, rt.Sweeper())
	if err != nil {
		t.Fatalf("NewDeliveryScheduler: %v", err)
	}
	if got := len(sched.Entries()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	q.Create("Maintenance at 10pm", adminID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = sched.Stop(sctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for q.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if q.Pending() != 0 {
		t.Fatal("item still pending after the initial run")
	}
	got := fa.last(t)
	if got.to.ChatID != 111 || !strings.HasSuffix(got.text, "Maintenance at 10pm") || fa.count() != 1 {
		t.Fatalf("sent = %+v (count %d)", got, fa.count())
	}
}
