package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Settings is the validated, defaulted form of Config.
type Settings struct {
	AdminToken  string
	ClientToken string
	AdminIDs    []int64
	PollTimeout time.Duration

	MarzbanURL      string
	MarzbanUsername string
	MarzbanPassword string
	MarzbanTimeout  time.Duration

	LogLevel   string
	LogConsole bool
	LogFile    LoggingFile

	QueueDir      string
	PollInterval  time.Duration
	InitialDelay  time.Duration
	Retention     time.Duration
	SweepSchedule string
	Timezone      string
	PaceEvery     int
	PaceShort     time.Duration
	PaceLong      time.Duration
	RatePerSec    float64
	RateBurst     int
	LogFailures   int
	NoticePrefix  string
	WatchQueue    bool

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	ObsEnabled       bool
	ObsAddr          string
	ObsToken         string
	ObsAllowInsecure bool
	ObsPprof         bool
}

const (
	DefaultQueueDir      = "./broadcasts"
	DefaultPollInterval  = 30 * time.Second
	DefaultInitialDelay  = 10 * time.Second
	DefaultRetention     = 24 * time.Hour
	DefaultSweepSchedule = "0 3 * * *"
	DefaultObsAddr       = "127.0.0.1:9090"
)

// Resolve applies defaults, parses durations and validates fields that every
// command needs. Role-specific requirements (tokens, panel credentials) are
// checked by RequireAdmin / RequireClient / RequirePanel.
func (c *Config) Resolve() (*Settings, error) {
	s := &Settings{
		AdminToken:      strings.TrimSpace(c.Telegram.AdminToken),
		ClientToken:     strings.TrimSpace(c.Telegram.ClientToken),
		AdminIDs:        append([]int64(nil), c.Telegram.AdminIDs...),
		MarzbanURL:      strings.TrimRight(strings.TrimSpace(c.Marzban.URL), "/"),
		MarzbanUsername: strings.TrimSpace(c.Marzban.Username),
		MarzbanPassword: c.Marzban.Password,
		LogLevel:        c.Logging.Level,
		LogConsole:      c.Logging.Console == nil || *c.Logging.Console,
		LogFile:         c.Logging.File,
		QueueDir:        strings.TrimSpace(c.Broadcast.Dir),
		SweepSchedule:   strings.TrimSpace(c.Broadcast.SweepSchedule),
		Timezone:        strings.TrimSpace(c.Broadcast.Timezone),
		PaceEvery:       c.Broadcast.PaceEvery,
		RatePerSec:      c.Broadcast.RatePerSec,
		RateBurst:       c.Broadcast.RateBurst,
		LogFailures:     c.Broadcast.LogFailures,
		NoticePrefix:    c.Broadcast.NoticePrefix,
		WatchQueue:      c.Broadcast.Watch == nil || *c.Broadcast.Watch,
		StorageDriver:   strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		StoragePath:     strings.TrimSpace(c.Storage.Path),
		ObsEnabled:      c.Observability.Enabled,
		ObsAddr:         strings.TrimSpace(c.Observability.Addr),
		ObsToken:        c.Observability.Token,
		ObsPprof:        c.Observability.Pprof,
	}
	s.ObsAllowInsecure = c.Observability.AllowInsecure
	if s.QueueDir == "" {
		s.QueueDir = DefaultQueueDir
	}
	if s.SweepSchedule == "" {
		s.SweepSchedule = DefaultSweepSchedule
	}
	if s.ObsAddr == "" {
		s.ObsAddr = DefaultObsAddr
	}
	if s.PaceEvery < 0 || s.LogFailures < 0 || s.RateBurst < 0 || s.RatePerSec < 0 {
		return nil, errors.New("broadcast: pace_every, log_failures, rate_per_sec and rate_burst must be >= 0")
	}

	var err error
	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout, 10 * time.Second, &s.PollTimeout},
		{"marzban.timeout", c.Marzban.Timeout, 10 * time.Second, &s.MarzbanTimeout},
		{"broadcast.poll_interval", c.Broadcast.PollInterval, DefaultPollInterval, &s.PollInterval},
		{"broadcast.initial_delay", c.Broadcast.InitialDelay, DefaultInitialDelay, &s.InitialDelay},
		{"broadcast.retention", c.Broadcast.Retention, DefaultRetention, &s.Retention},
		{"broadcast.pace_short", c.Broadcast.PaceShort, 0, &s.PaceShort},
		{"broadcast.pace_long", c.Broadcast.PaceLong, 0, &s.PaceLong},
		{"storage.busy_timeout", c.Storage.BusyTimeout, 0, &s.StorageBusyTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = ParseDurationOrDefault(d.path, d.raw, d.def); err != nil {
			return nil, err
		}
	}

	switch s.StorageDriver {
	case "", "none":
		s.StorageDriver = "none"
	case "file", "sqlite", "sqlite3":
		if s.StoragePath == "" {
			return nil, fmt.Errorf("storage.path is required for driver %q", s.StorageDriver)
		}
	default:
		return nil, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if s.ObsEnabled && s.ObsToken == "" && !s.ObsAllowInsecure && !isLoopback(s.ObsAddr) {
		return nil, fmt.Errorf("observability.addr %q is not loopback: set observability.token or allow_insecure", s.ObsAddr)
	}
	return s, nil
}

func (s *Settings) RequireAdmin() error {
	if s.AdminToken == "" {
		return errors.New("telegram.admin_token (ADMIN_BOT_TOKEN) is required")
	}
	if len(s.AdminIDs) == 0 {
		return errors.New("telegram.admin_ids (TELEGRAM_ADMIN_ID) is required")
	}
	return nil
}

func (s *Settings) RequireClient() error {
	if s.ClientToken == "" {
		return errors.New("telegram.client_token (CLIENT_BOT_TOKEN) is required")
	}
	return nil
}

func (s *Settings) RequirePanel() error {
	if s.MarzbanURL == "" {
		return errors.New("marzban.url (MARZBAN_URL) is required")
	}
	u, err := url.Parse(s.MarzbanURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("marzban.url %q is not an absolute URL", s.MarzbanURL)
	}
	if s.MarzbanUsername == "" || s.MarzbanPassword == "" {
		return errors.New("marzban.username and marzban.password are required")
	}
	return nil
}

// IsAdmin reports whether id is one of the configured administrators.
func (s *Settings) IsAdmin(id int64) bool {
	for _, a := range s.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
