package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "marzbot/pkg/logx"
)

const (
	filePrefix = "broadcast_"
	fileExt    = ".json"
	tmpPrefix  = ".broadcast-"
)

// Store is a directory-backed broadcast queue.
//
// Several producers (admin bot, CLI) may write concurrently; a single consumer
// reads and marks items. No locks are taken: every write touches exactly one
// entry and is published atomically.
type Store struct {
	dir string
	log logx.Logger
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the wall clock used for timestamps and purge cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open prepares dir (creating it if needed) and returns a store rooted there.
func Open(dir string, log logx.Logger, opts ...Option) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("queue directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{dir: dir, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// Create appends a new pending item. A zero Handle means the write failed
// (the failure is logged).
func (s *Store) Create(message string, adminID int64) Handle {
	now := s.now()
	h := Handle(fmt.Sprintf("%s%d_%d_%s", filePrefix, now.Unix(), adminID, randomSuffix()))
	it := Item{
		Message:   message,
		CreatedAt: now.Unix(),
		AdminID:   adminID,
	}

	tmp, err := s.writeTemp(it)
	if err != nil {
		s.log.Error("broadcast create failed", logx.String("item", h.String()), logx.Err(err))
		return ""
	}
	if err := publishNew(tmp, s.path(h)); err != nil {
		s.log.Error("broadcast create failed", logx.String("item", h.String()), logx.Err(err))
		return ""
	}
	s.log.Info("broadcast created", logx.String("item", h.String()), logx.Int64("admin_id", adminID), logx.Int("len", len(message)))
	return h
}

// ListPending returns every unprocessed item. Entries that cannot be read or
// decoded are logged and skipped. Order is not part of the contract.
func (s *Store) ListPending() []Pending {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("broadcast list failed", logx.String("dir", s.dir), logx.Err(err))
		return nil
	}
	var out []Pending
	for _, e := range entries {
		h, ok := handleFromName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		it, err := s.read(h)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// swept between ReadDir and read
				continue
			}
			s.log.Warn("broadcast entry unreadable; skipping", logx.String("item", h.String()), logx.Err(err))
			continue
		}
		if !it.Processed {
			out = append(out, Pending{Handle: h, Item: it})
		}
	}
	return out
}

// Pending reports how many items are waiting for delivery.
func (s *Store) Pending() int { return len(s.ListPending()) }

// Get reads one item.
func (s *Store) Get(h Handle) (Item, bool) {
	if !validHandle(h) {
		return Item{}, false
	}
	it, err := s.read(h)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("broadcast read failed", logx.String("item", h.String()), logx.Err(err))
		}
		return Item{}, false
	}
	return it, true
}

// MarkProcessed flags the item as delivered and rewrites it in place.
// Marking an already processed item is a no-op, so the first call's
// processed_at is preserved.
func (s *Store) MarkProcessed(h Handle) bool {
	if !validHandle(h) {
		s.log.Warn("broadcast mark: invalid handle", logx.String("item", h.String()))
		return false
	}
	it, err := s.read(h)
	if err != nil {
		s.log.Error("broadcast mark failed", logx.String("item", h.String()), logx.Err(err))
		return false
	}
	if it.Processed {
		return true
	}
	at := s.now().Unix()
	it.Processed = true
	it.ProcessedAt = &at

	tmp, err := s.writeTemp(it)
	if err != nil {
		s.log.Error("broadcast mark failed", logx.String("item", h.String()), logx.Err(err))
		return false
	}
	if err := os.Rename(tmp, s.path(h)); err != nil {
		_ = os.Remove(tmp)
		s.log.Error("broadcast mark failed", logx.String("item", h.String()), logx.Err(err))
		return false
	}
	s.log.Info("broadcast marked processed", logx.String("item", h.String()))
	return true
}

// PurgeOlderThan deletes every entry whose modification time is older than
// now-maxAge, processed or not, and returns how many were removed. Orphaned
// temp files past the same cutoff are removed too but not counted.
func (s *Store) PurgeOlderThan(maxAge time.Duration) int {
	if maxAge <= 0 {
		s.log.Warn("broadcast purge skipped: non-positive max age", logx.Duration("max_age", maxAge))
		return 0
	}
	cutoff := s.now().Add(-maxAge)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("broadcast purge failed", logx.String("dir", s.dir), logx.Err(err))
		return 0
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		_, isItem := handleFromName(name)
		isTmp := strings.HasPrefix(name, tmpPrefix)
		if e.IsDir() || (!isItem && !isTmp) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("broadcast purge: stat failed", logx.String("name", name), logx.Err(err))
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("broadcast purge: remove failed", logx.String("name", name), logx.Err(err))
			}
			continue
		}
		if isItem {
			removed++
		} else {
			s.log.Debug("removed orphaned temp file", logx.String("name", name))
		}
	}
	s.log.Info("broadcast purge finished", logx.Int("removed", removed), logx.Duration("max_age", maxAge))
	return removed
}

func (s *Store) path(h Handle) string {
	return filepath.Join(s.dir, string(h)+fileExt)
}

func (s *Store) read(h Handle) (Item, error) {
	b, err := os.ReadFile(s.path(h))
	if err != nil {
		return Item{}, err
	}
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		return Item{}, fmt.Errorf("decode %s: %w", h, err)
	}
	return it, nil
}

// writeTemp serializes it into a fsynced hidden file inside the queue dir
// (same filesystem, so link/rename stay atomic) and returns its path.
func (s *Store) writeTemp(it Item) (string, error) {
	b, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	f, err := os.CreateTemp(s.dir, tmpPrefix+"*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return tmp, nil
}

// publishNew moves tmp to final without ever replacing an existing entry.
func publishNew(tmp, final string) error {
	defer os.Remove(tmp)

	err := os.Link(tmp, final)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("entry %s already exists", filepath.Base(final))
	}
	// Filesystems without hard links: fall back to rename after an existence check.
	if _, serr := os.Lstat(final); serr == nil {
		return fmt.Errorf("entry %s already exists", filepath.Base(final))
	}
	if rerr := os.Rename(tmp, final); rerr != nil {
		return fmt.Errorf("publish entry: %w", errors.Join(err, rerr))
	}
	return nil
}

func handleFromName(name string) (Handle, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	return Handle(strings.TrimSuffix(name, fileExt)), true
}

func validHandle(h Handle) bool {
	s := string(h)
	return strings.HasPrefix(s, filePrefix) && !strings.ContainsAny(s, `/\`) && s != filePrefix
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}
