package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const intervalPrefix = "interval:"

// Schedule is a job trigger: a fixed interval when Every is set, a cron
// expression otherwise.
//
// Accepted forms: "interval:30s", "30s", "0 3 * * *", "@daily".
type Schedule struct {
	Cron  string
	Every time.Duration
}

func (s Schedule) IsInterval() bool { return s.Every > 0 }

// ParseSchedule classifies raw. Cron fields are validated when the job is
// added.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}
	if v, ok := strings.CutPrefix(s, intervalPrefix); ok {
		return parseEvery(v)
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Schedule{Cron: s}, nil
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}
	return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *' or a duration like '30s')", raw)
}

func parseEvery(v string) (Schedule, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return Schedule{}, errors.New("interval must be > 0")
	}
	return Schedule{Every: d}, nil
}
