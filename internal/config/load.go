package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file. They match the names the
// bots have always been deployed with.
const (
	EnvAdminToken      = "ADMIN_BOT_TOKEN"
	EnvClientToken     = "CLIENT_BOT_TOKEN"
	EnvAdminID         = "TELEGRAM_ADMIN_ID"
	EnvMarzbanURL      = "MARZBAN_URL"
	EnvMarzbanUsername = "MARZBAN_USERNAME"
	EnvMarzbanPassword = "MARZBAN_PASSWORD"
	EnvQueueDir        = "BROADCAST_DIR"
)

// Parse decodes a JSON or YAML file strictly: unknown keys and trailing data
// are errors.
func Parse(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if len(bytes.TrimSpace(jb)) == 0 || string(bytes.TrimSpace(jb)) == "null" {
		return &cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s config %s: trailing data", format, path)
		}
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	return &cfg, nil
}

// Load reads the config file (a missing file is an empty config, so a pure
// environment deployment works), loads .env files into the process
// environment without overriding variables already set, applies environment
// overrides and resolves the result.
func Load(path string, envFiles ...string) (*Settings, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if cfg, err = Parse(path, b); err != nil {
				return nil, err
			}
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg.Resolve()
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides file values with non-empty environment variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvAdminToken); ok {
		cfg.Telegram.AdminToken = v
	}
	if v, ok := get(EnvClientToken); ok {
		cfg.Telegram.ClientToken = v
	}
	if v, ok := get(EnvAdminID); ok {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAdminID, err)
		}
		cfg.Telegram.AdminIDs = ids
	}
	if v, ok := get(EnvMarzbanURL); ok {
		cfg.Marzban.URL = v
	}
	if v, ok := get(EnvMarzbanUsername); ok {
		cfg.Marzban.Username = v
	}
	if v, ok := get(EnvMarzbanPassword); ok {
		cfg.Marzban.Password = v
	}
	if v, ok := get(EnvQueueDir); ok {
		cfg.Broadcast.Dir = v
	}
	return nil
}

// parseIDs accepts one id or a comma separated list.
func parseIDs(v string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
