package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "wacrm/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Flush history is capped; the prune runs after every pruneEvery inserts.
const (
	flushKeepRows = 10000
	pruneEvery    = 500
)

type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	inserts atomic.Uint64
}

// sqliteDSN carries the connection pragmas in the DSN so every pooled
// connection gets them, not just the first.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	if busy > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	}
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// One writer; WAL lets readers proceed meanwhile.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	schema, err := migrationsFS.ReadFile("migrations.sql")
	if err == nil {
		_, err = db.ExecContext(ctx, string(schema))
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var failures any
	if len(r.Failures) > 0 {
		b, err := json.Marshal(r.Failures)
		if err != nil {
			return err
		}
		failures = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, phase, sent, failed, total, failures, created_at, started_at, done_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   phase=excluded.phase, sent=excluded.sent, failed=excluded.failed, total=excluded.total,
		   failures=excluded.failures, started_at=excluded.started_at, done_at=excluded.done_at`,
		r.ID, r.Name, r.Phase, r.Sent, r.Failed, r.Total, failures,
		fmtTime(r.CreatedAt), nullTime(r.StartedAt), nullTime(r.DoneAt),
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phase, sent, failed, total, failures, created_at, started_at, done_at
		 FROM jobs ORDER BY done_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r                 JobRecord
			failures          sql.NullString
			created           string
			started, doneAtTx sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Phase, &r.Sent, &r.Failed, &r.Total, &failures, &created, &started, &doneAtTx); err != nil {
			return nil, err
		}
		if failures.Valid && failures.String != "" {
			if err := json.Unmarshal([]byte(failures.String), &r.Failures); err != nil {
				s.log.Debug("bad failures column", logx.String("job", r.ID), logx.Err(err))
			}
		}
		r.CreatedAt = parseTime(created)
		r.StartedAt = parseTime(started.String)
		r.DoneAt = parseTime(doneAtTx.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendFlush(ctx context.Context, r FlushRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_flush(at, sender_id, fragments, reason, err) VALUES(?,?,?,?,?)`,
		fmtTime(r.At), r.SenderID, r.Fragments, r.Reason, nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.inserts.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		defer cancel()
		if perr := s.pruneFlushes(pctx); perr != nil {
			s.log.Debug("flush history prune skipped", logx.Err(perr))
		}
	}
	return nil
}

func (s *sqliteStore) PutUnsubscribe(ctx context.Context, recipientID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	id := NormalizeRecipientID(recipientID)
	if id == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unsubscribe(recipient_id, at) VALUES(?,?)
		 ON CONFLICT(recipient_id) DO UPDATE SET at=excluded.at`,
		id, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) IsUnsubscribed(ctx context.Context, recipientID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	id := NormalizeRecipientID(recipientID)
	if id == "" {
		return false, nil
	}
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM unsubscribe WHERE recipient_id = ?)`, id).Scan(&found)
	return found, err
}

func (s *sqliteStore) pruneFlushes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_flush WHERE id <= (SELECT MAX(id) FROM inbound_flush) - ?`, flushKeepRows)
	return err
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
