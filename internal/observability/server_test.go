package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "marzbot/pkg/logx"
)

func newRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "marzbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)
	return reg
}

func get(t *testing.T, h http.Handler, target, bearer string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	h := New(Config{}, newRegistry(t), logx.Nop()).Handler()

	code, body := get(t, h, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "marzbot_test_total 3") {
		t.Fatalf("/metrics = %d %q", code, body)
	}
	if code, body := get(t, h, "/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, _ := get(t, h, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof disabled but got %d", code)
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret", Pprof: true}, newRegistry(t), logx.Nop()).Handler()

	tests := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{"no token", "/metrics", "", http.StatusUnauthorized},
		{"wrong bearer", "/metrics", "nope", http.StatusUnauthorized},
		{"bearer", "/metrics", "s3cret", http.StatusOK},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"wrong query", "/healthz?token=x", "s3cret", http.StatusUnauthorized},
		{"pprof index", "/debug/pprof/", "s3cret", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if code, _ := get(t, h, tc.target, tc.bearer); code != tc.want {
				t.Fatalf("code = %d, want %d", code, tc.want)
			}
		})
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, newRegistry(t), logx.Nop())
	if err := s.Start(context.Background()); err != ErrInsecureBind {
		t.Fatalf("Start err = %v, want ErrInsecureBind", err)
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newRegistry(t), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "marzbot_test_total") {
		t.Fatalf("body = %q", b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("addr not cleared after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
