package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "wacrm/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path.
//
// Files:
//   - <prefix>.jobs.jsonl           (append-only JSON Lines)
//   - <prefix>.flush.jsonl          (append-only JSON Lines)
//   - <prefix>.unsub.snapshot.json  (periodic snapshot)
//   - <prefix>.unsub.journal.jsonl  (append-only journal)
//
// The unsubscribe journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsPath  string
	jobsFile  *os.File
	flushFile *os.File

	unsubSnapshotPath string
	unsubJournalFile  *os.File
	unsub             map[string]int64 // unix milli

	unsubWrites int
}

type unsubRecord struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

const unsubCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobsPath := prefix + ".jobs.jsonl"
	flushPath := prefix + ".flush.jsonl"
	snapPath := prefix + ".unsub.snapshot.json"
	journalPath := prefix + ".unsub.journal.jsonl"

	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	ff, err := os.OpenFile(flushPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	unsub := map[string]int64{}
	_ = loadUnsubSnapshot(snapPath, unsub)
	_ = replayUnsubJournal(journalPath, unsub)

	uf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = jf.Close()
		_ = ff.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		jobsPath:          jobsPath,
		jobsFile:          jf,
		flushFile:         ff,
		unsubSnapshotPath: snapPath,
		unsubJournalFile:  uf,
		unsub:             unsub,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.jobsFile, &s.flushFile, &s.unsubJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) SaveJob(ctx context.Context, r JobRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.jobsFile).Encode(r)
}

// RecentJobs replays the jobs file. Later records for the same id win.
func (s *fileStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	closed := s.jobsFile == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.jobsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byID := map[string]int{}
	var out []JobRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		if i, ok := byID[r.ID]; ok {
			out[i] = r
			continue
		}
		byID[r.ID] = len(out)
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DoneAt.After(out[j].DoneAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) AppendFlush(ctx context.Context, r FlushRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushFile == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return json.NewEncoder(s.flushFile).Encode(r)
}

func (s *fileStore) PutUnsubscribe(ctx context.Context, recipientID string, at time.Time) error {
	_ = ctx
	id := NormalizeRecipientID(recipientID)
	if id == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubJournalFile == nil {
		return ErrClosed
	}
	s.unsub[id] = at.UnixMilli()

	if err := json.NewEncoder(s.unsubJournalFile).Encode(unsubRecord{ID: id, At: at.UnixMilli()}); err != nil {
		return err
	}
	s.unsubWrites++
	if s.unsubWrites%unsubCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("unsubscribe compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) IsUnsubscribed(ctx context.Context, recipientID string) (bool, error) {
	_ = ctx
	id := NormalizeRecipientID(recipientID)
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubJournalFile == nil {
		return false, ErrClosed
	}
	_, ok := s.unsub[id]
	return ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.unsubSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.unsub); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.unsubSnapshotPath); err != nil {
		return err
	}
	if err := s.unsubJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.unsubJournalFile.Seek(0, 2)
	return err
}

func loadUnsubSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayUnsubJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r unsubRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out[r.ID] = r.At
	}
	return s.Err()
}
