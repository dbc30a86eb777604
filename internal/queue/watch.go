package queue

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "marzbot/pkg/logx"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls fn shortly after a producer publishes a new entry. Bursts of
// events are coalesced. The watcher recreates itself with a jittered backoff
// if fsnotify breaks, and returns when ctx is done.
//
// Watch is an optimization only: the delivery worker still polls on its own
// interval, so a missed event delays delivery by at most one tick.
func (s *Store) Watch(ctx context.Context, fn func()) {
	if fn == nil {
		return
	}
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	nudge := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() == nil {
				fn()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < backoffMax {
			backoff = min(backoff*2, backoffMax)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.Warn("queue watch init failed", logx.String("dir", s.dir), logx.Err(err))
			if !wait() {
				return
			}
			continue
		}
		if err := w.Add(s.dir); err != nil {
			_ = w.Close()
			s.log.Warn("queue watch add failed", logx.String("dir", s.dir), logx.Err(err))
			if !wait() {
				return
			}
			continue
		}
		backoff = backoffBase
		s.log.Debug("queue watcher started", logx.String("dir", s.dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if _, isItem := handleFromName(filepath.Base(ev.Name)); !isItem {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					nudge()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == fsnotify.ErrEventOverflow {
					s.log.Warn("queue watch overflow; forcing a pass", logx.String("dir", s.dir))
					nudge()
					continue
				}
				s.log.Warn("queue watch error", logx.String("dir", s.dir), logx.Err(err))
			}
		}
		_ = w.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("queue watcher stopped; restarting", logx.String("dir", s.dir))
		if !wait() {
			return
		}
	}
}
