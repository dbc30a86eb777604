package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "marzbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLinksRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state", "marzbot.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			ctx := context.Background()

			if _, ok, err := st.GetLink(ctx, "alice"); err != nil || ok {
				t.Fatalf("GetLink before put = ok:%v err:%v", ok, err)
			}
			if err := st.PutLink(ctx, Link{Username: "Alice", ChatID: 111, TelegramUsername: "alice_tg"}); err != nil {
				t.Fatalf("PutLink: %v", err)
			}
			if err := st.PutLink(ctx, Link{Username: "alice", ChatID: 222}); err != nil {
				t.Fatalf("PutLink update: %v", err)
			}
			if err := st.PutLink(ctx, Link{Username: "bob"}); err == nil {
				t.Fatal("expected error for link without chat id")
			}

			l, ok, err := st.GetLink(ctx, " ALICE ")
			if err != nil || !ok {
				t.Fatalf("GetLink = ok:%v err:%v", ok, err)
			}
			if l.ChatID != 222 || l.Username != "alice" {
				t.Fatalf("unexpected link %+v", l)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Links survive a reopen.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			l, ok, err = st.GetLink(ctx, "alice")
			if err != nil || !ok || l.ChatID != 222 {
				t.Fatalf("after reopen = %+v ok:%v err:%v", l, ok, err)
			}
		})
	}
}

func TestFileAuditIsJSONLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "marzbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0).UTC()
	for _, e := range []AuditEntry{
		{At: at, ActorID: 42, Action: "broadcast.enqueue", Target: "broadcast_1_42_abc", OK: 3, Skipped: 1},
		{At: at, Action: "broadcast.pass", Target: "broadcast_1_42_abc", OK: 2, Fail: 1, Skipped: 1, TookMS: 350},
	} {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "marzbot.audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[1].Action != "broadcast.pass" || got[1].Fail != 1 {
		t.Fatalf("unexpected audit lines: %+v", got)
	}
}

func TestSQLiteAudit(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "marzbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.AppendAudit(context.Background(), AuditEntry{Action: "broadcast.enqueue", ActorID: 1}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	var n int
	if err := st.(*sqliteStore).db.QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("audit rows = %d, want 1", n)
	}
}
