package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  admin_token: "admin-token"
  client_token: "client-token"
  admin_ids: [42, 43]
marzban:
  url: https://panel.example.com/
  username: root
  password: secret
broadcast:
  dir: /var/lib/marzbot/broadcasts
  poll_interval: 15s
  retention: 48h
  pace_short: 50ms
storage:
  driver: sqlite
  path: /var/lib/marzbot/marzbot.db
`

func TestParseYAMLAndResolveDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if s.MarzbanURL != "https://panel.example.com" {
		t.Errorf("MarzbanURL = %q", s.MarzbanURL)
	}
	if s.PollInterval != 15*time.Second || s.Retention != 48*time.Hour || s.PaceShort != 50*time.Millisecond {
		t.Errorf("durations = %v %v %v", s.PollInterval, s.Retention, s.PaceShort)
	}
	if s.InitialDelay != DefaultInitialDelay || s.SweepSchedule != DefaultSweepSchedule {
		t.Errorf("defaults not applied: %+v", s)
	}
	if !s.LogConsole || !s.WatchQueue {
		t.Error("console logging and queue watch default to on")
	}
	if !s.IsAdmin(43) || s.IsAdmin(7) {
		t.Error("IsAdmin mismatch")
	}
	for _, req := range []func() error{s.RequireAdmin, s.RequireClient, s.RequirePanel} {
		if err := req(); err != nil {
			t.Errorf("requirement failed: %v", err)
		}
	}
}

func TestParseRejectsUnknownKeysAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
	}{
		{"unknown yaml key", "c.yaml", "broadcast:\n  directory: ./x\n"},
		{"unknown json key", "c.json", `{"telegram": {"token": "x"}}`},
		{"trailing json", "c.json", `{"telegram": {}} {"marzban": {}}`},
		{"bad yaml", "c.yml", "telegram: [\n"},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.path, []byte(tt.data)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad duration", Config{Broadcast: BroadcastConfig{PollInterval: "soon"}}, "broadcast.poll_interval"},
		{"negative duration", Config{Broadcast: BroadcastConfig{Retention: "-1h"}}, "broadcast.retention"},
		{"storage without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "mongo", Path: "x"}}, "storage.driver"},
		{"public metrics without token", Config{Observability: ObservabilityConfig{Enabled: true, Addr: "0.0.0.0:9090"}}, "not loopback"},
	}
	for _, tt := range tests {
		_, err := tt.cfg.Resolve()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want mention of %q", tt.name, err, tt.want)
		}
	}

	ok := Config{Observability: ObservabilityConfig{Enabled: true, Addr: "localhost:9090"}}
	if _, err := ok.Resolve(); err != nil {
		t.Errorf("loopback addr rejected: %v", err)
	}
}

func TestRequirementsReportMissingFields(t *testing.T) {
	t.Parallel()
	s, err := (&Config{}).Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RequireAdmin(); err == nil || !strings.Contains(err.Error(), EnvAdminToken) {
		t.Errorf("RequireAdmin = %v", err)
	}
	if err := s.RequireClient(); err == nil {
		t.Error("RequireClient should fail")
	}
	s.MarzbanURL = "panel.local"
	if err := s.RequirePanel(); err == nil {
		t.Error("RequirePanel should reject a relative url")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Parallel()
	cfg := &Config{Telegram: TelegramConfig{AdminToken: "from-file", AdminIDs: []int64{1}}}
	env := map[string]string{
		EnvAdminToken:      "from-env",
		EnvAdminID:         "42, 43",
		EnvMarzbanURL:      "http://127.0.0.1:8000",
		EnvMarzbanPassword: "  ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Telegram.AdminToken != "from-env" {
		t.Errorf("AdminToken = %q", cfg.Telegram.AdminToken)
	}
	if len(cfg.Telegram.AdminIDs) != 2 || cfg.Telegram.AdminIDs[1] != 43 {
		t.Errorf("AdminIDs = %v", cfg.Telegram.AdminIDs)
	}
	if cfg.Marzban.URL != "http://127.0.0.1:8000" || cfg.Marzban.Password != "" {
		t.Errorf("marzban = %+v", cfg.Marzban)
	}

	env[EnvAdminID] = "admin"
	if err := ApplyEnv(cfg, lookup); err == nil {
		t.Error("expected error for non-numeric admin id")
	}
}

func TestLoadReadsDotEnvAndMissingFile(t *testing.T) {
	// Not parallel: godotenv writes to the process environment.
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "CLIENT_BOT_TOKEN=dotenv-client\nBROADCAST_DIR=" + filepath.Join(dir, "queue") + "\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvClientToken, "")
	t.Setenv(EnvQueueDir, "")
	os.Unsetenv(EnvClientToken)
	os.Unsetenv(EnvQueueDir)

	s, err := Load(filepath.Join(dir, "missing.yaml"), envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ClientToken != "dotenv-client" {
		t.Errorf("ClientToken = %q", s.ClientToken)
	}
	if s.QueueDir != filepath.Join(dir, "queue") {
		t.Errorf("QueueDir = %q", s.QueueDir)
	}
}
