package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "24h"). Resolve turns it into Settings.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Marzban       MarzbanConfig       `json:"marzban"`
	Logging       LoggingConfig       `json:"logging"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Storage       StorageConfig       `json:"storage"`
	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	AdminToken  string  `json:"admin_token"`
	ClientToken string  `json:"client_token"`
	AdminIDs    []int64 `json:"admin_ids"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
}

type MarzbanConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BroadcastConfig drives the queue, the delivery worker and the sweeper.
//
// Example:
//
//	broadcast:
//	  dir: ./broadcasts
//	  poll_interval: 30s
//	  retention: 24h
//	  sweep_schedule: "0 3 * * *"
type BroadcastConfig struct {
	Dir           string  `json:"dir"`
	PollInterval  string  `json:"poll_interval,omitempty"`
	InitialDelay  string  `json:"initial_delay,omitempty"`
	Retention     string  `json:"retention,omitempty"`
	SweepSchedule string  `json:"sweep_schedule,omitempty"`
	Timezone      string  `json:"timezone,omitempty"`
	PaceEvery     int     `json:"pace_every,omitempty"`
	PaceShort     string  `json:"pace_short,omitempty"`
	PaceLong      string  `json:"pace_long,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RateBurst     int     `json:"rate_burst,omitempty"`
	LogFailures   int     `json:"log_failures,omitempty"`
	NoticePrefix  string  `json:"notice_prefix,omitempty"`
	// Watch nudges the worker as soon as a new item lands (fsnotify).
	Watch *bool `json:"watch,omitempty"`
}

// StorageConfig controls the links table and audit log.
//
//	"storage": { "driver": "sqlite", "path": "./data/marzbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ObservabilityConfig controls the /metrics and /debug/pprof/ server.
// Prefer a loopback address; a token is required otherwise unless
// allow_insecure is set.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
