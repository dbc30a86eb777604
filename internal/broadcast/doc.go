// Package broadcast fans queued administrator messages out to panel users.
//
// A Producer appends items to the queue store. The Worker, driven by the
// scheduler (and nudged by the store watcher), delivers each pending item to
// every user with a reachable Telegram address and then marks it processed.
// The Sweeper deletes items past the retention window.
package broadcast
