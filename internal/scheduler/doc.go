// Package scheduler runs the bots' periodic jobs on robfig/cron.
//
// Jobs are given either a cron expression ("0 3 * * *") or an interval
// ("30s", "every:5m", "00:30"). Every job is wrapped with panic recovery and
// skip-if-still-running, so a slow delivery pass never overlaps the next tick.
package scheduler
