// Package sqlitestore stores presence records in a SQLite database. Every
// write stamps the row with a database-wide revision; watchers poll for
// rows with a revision above the last one they delivered. Several processes
// may share one database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/store"
)

// DefaultPollInterval is how often watchers query for new revisions.
const DefaultPollInterval = time.Second

// Store implements [store.Store] on a SQLite database.
type Store struct {
	db           *sql.DB
	path         string
	pollInterval time.Duration
	closed       atomic.Bool

	stop     context.CancelFunc
	stopCtx  context.Context
	watchers sync.WaitGroup
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Store{
		db:           db,
		path:         path,
		pollInterval: DefaultPollInterval,
		stop:         stop,
		stopCtx:      stopCtx,
	}, nil
}

// Put implements [store.Store].
func (s *Store) Put(ctx context.Context, rec presence.Record) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO presence(subject_id, status, last_seen, is_auto_idle, session_id, revision, updated_at)
VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(revision), 0) + 1 FROM presence), ?)
ON CONFLICT(subject_id) DO UPDATE SET
	status=excluded.status,
	last_seen=excluded.last_seen,
	is_auto_idle=excluded.is_auto_idle,
	session_id=excluded.session_id,
	revision=excluded.revision,
	updated_at=excluded.updated_at
`, rec.SubjectID, string(rec.Status), rec.LastSeen, boolToInt(rec.IsAutoIdle), rec.SessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert presence %s: %w", rec.SubjectID, err)
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, subjectID string) (presence.Record, error) {
	if s.closed.Load() {
		return presence.Record{}, store.ErrClosed
	}
	if err := presence.ValidateSubjectID(subjectID); err != nil {
		return presence.Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT subject_id, status, last_seen, is_auto_idle, session_id, revision
FROM presence WHERE subject_id = ?`, subjectID)
	rec, _, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return presence.Record{}, store.ErrNotFound
		}
		return presence.Record{}, fmt.Errorf("get presence %s: %w", subjectID, err)
	}
	return rec, nil
}

// Watch implements [store.Store].
func (s *Store) Watch(ctx context.Context, pattern string) (<-chan presence.Record, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := store.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.stopCtx, cancel)
	feed := store.NewFeed(wctx, pattern)

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer stopAfter()
		defer cancel()

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		var last int64
		for {
			next, err := s.since(wctx, last, feed)
			switch {
			case err == nil:
				last = next
			case wctx.Err() != nil:
				return
			default:
				slog.Warn("polling presence table", "path", s.path, "error", err)
			}
			select {
			case <-wctx.Done():
				return
			case <-feed.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return feed.C(), nil
}

// since offers every row with a revision above last and returns the highest
// revision seen.
func (s *Store) since(ctx context.Context, last int64, feed *store.Feed) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subject_id, status, last_seen, is_auto_idle, session_id, revision
FROM presence WHERE revision > ? ORDER BY revision`, last)
	if err != nil {
		return last, err
	}
	defer rows.Close()

	for rows.Next() {
		rec, rev, err := scanRecord(rows)
		if err != nil {
			return last, err
		}
		last = rev
		if err := rec.Validate(); err != nil {
			slog.Warn("skipping invalid presence row", "subject", rec.SubjectID, "error", err)
			continue
		}
		feed.Offer(rec)
	}
	return last, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (presence.Record, int64, error) {
	var (
		rec      presence.Record
		status   string
		autoIdle int
		revision int64
	)
	if err := sc.Scan(&rec.SubjectID, &status, &rec.LastSeen, &autoIdle, &rec.SessionID, &revision); err != nil {
		return presence.Record{}, 0, err
	}
	rec.Status = presence.Status(status)
	rec.IsAutoIdle = autoIdle != 0
	return rec, revision, nil
}

// Close stops all watchers and closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stop()
	s.watchers.Wait()
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
