package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "marzbot/pkg/logx"
)

// fileStore is the non-SQL backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.links.snapshot.json  (periodic snapshot)
//   - <prefix>.links.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	linksSnapshotPath string
	linksJournalFile  *os.File
	links             map[string]Link

	linkWrites int
}

const compactEvery = 200

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".links.snapshot.json"
	journalPath := prefix + ".links.journal.jsonl"
	links := map[string]Link{}
	if err := loadLinksSnapshot(snapPath, links); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("links snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayLinksJournal(journalPath, links); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("links journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		auditFile:         af,
		linksSnapshotPath: snapPath,
		linksJournalFile:  jf,
		links:             links,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.linksJournalFile != nil {
		err2 = s.linksJournalFile.Close()
		s.linksJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutLink(ctx context.Context, l Link) error {
	_ = ctx
	l.Username = normalizeUsername(l.Username)
	if l.Username == "" || l.ChatID == 0 {
		return errors.New("link needs a username and a chat id")
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linksJournalFile == nil {
		return errors.New("links journal closed")
	}
	if err := json.NewEncoder(s.linksJournalFile).Encode(l); err != nil {
		return err
	}
	s.links[l.Username] = l
	s.linkWrites++
	if s.linkWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("links compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetLink(ctx context.Context, username string) (Link, bool, error) {
	_ = ctx
	name := normalizeUsername(username)
	if name == "" {
		return Link{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[name]
	return l, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.linksSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.links); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.linksSnapshotPath); err != nil {
		return err
	}
	if err := s.linksJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.linksJournalFile.Seek(0, 2)
	return err
}

func loadLinksSnapshot(path string, out map[string]Link) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Link
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayLinksJournal(path string, out map[string]Link) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l Link
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue
		}
		if l.Username == "" {
			continue
		}
		out[l.Username] = l
	}
	return sc.Err()
}
