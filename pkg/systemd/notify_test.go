package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	logx "marzbot/pkg/logx"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Notify("READY=1")
	if err != nil || sent {
		t.Fatalf("Notify = %v, %v; want false, nil", sent, err)
	}
}

func TestReadyAndStoppingReachSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	read := func() string {
		t.Helper()
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(buf[:n])
	}

	Ready(logx.Nop())
	if got := read(); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	Status(logx.Nop(), "delivering")
	if got := read(); got != "STATUS=delivering" {
		t.Fatalf("got %q", got)
	}
	Stopping(logx.Nop())
	if got := read(); got != "STOPPING=1" {
		t.Fatalf("got %q", got)
	}
}
