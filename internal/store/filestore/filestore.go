// Package filestore stores presence records as one JSON file per subject in
// a directory. Writes are atomic renames, so a reader never sees a partial
// record. Any process that can read the directory (a synced folder, a shared
// mount) sees every subject's presence.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tools.zach/dev/presenced/internal/atomicfile"
	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/store"
)

const recordExt = ".json"

// DefaultPollInterval is the rescan interval when fsnotify is unavailable.
const DefaultPollInterval = 2 * time.Second

// Store implements [store.Store] on a directory of record files.
type Store struct {
	dir          string
	pollInterval time.Duration

	// mu serializes writers within this process; atomicfile handles the rest.
	mu     sync.Mutex
	closed bool

	stop     context.CancelFunc
	stopCtx  context.Context
	watchers sync.WaitGroup
}

// Open creates dir if needed and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("record directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &Store{
		dir:          dir,
		pollInterval: DefaultPollInterval,
		stop:         stop,
		stopCtx:      stopCtx,
	}, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(subjectID string) string {
	return filepath.Join(s.dir, subjectID+recordExt)
}

// Put implements [store.Store].
func (s *Store) Put(ctx context.Context, rec presence.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := store.EncodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := atomicfile.Write(s.path(rec.SubjectID), data, 0o644); err != nil {
		return fmt.Errorf("writing record %s: %w", rec.SubjectID, err)
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, subjectID string) (presence.Record, error) {
	if err := ctx.Err(); err != nil {
		return presence.Record{}, err
	}
	if s.isClosed() {
		return presence.Record{}, store.ErrClosed
	}
	if err := presence.ValidateSubjectID(subjectID); err != nil {
		return presence.Record{}, err
	}
	data, err := os.ReadFile(s.path(subjectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return presence.Record{}, store.ErrNotFound
		}
		return presence.Record{}, fmt.Errorf("reading record %s: %w", subjectID, err)
	}
	return store.DecodeRecord(data)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Watch implements [store.Store]. Each call runs its own directory watcher
// and rescans the directory on every signal, offering records whose file
// changed since the previous scan.
func (s *Store) Watch(ctx context.Context, pattern string) (<-chan presence.Record, error) {
	if err := store.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.watchers.Add(1)
	s.mu.Unlock()

	wctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.stopCtx, cancel)
	feed := store.NewFeed(wctx, pattern)
	w := newDirWatcher(s.dir, s.pollInterval)

	go func() {
		defer s.watchers.Done()
		defer stopAfter()
		defer cancel()
		defer w.Close()

		seen := make(map[string]fingerprint)
		s.rescan(seen, feed)
		for {
			select {
			case <-wctx.Done():
				return
			case <-feed.Done():
				return
			case <-w.Events():
				s.rescan(seen, feed)
			}
		}
	}()
	return feed.C(), nil
}

// fingerprint identifies one version of a record file.
type fingerprint struct {
	modTime time.Time
	size    int64
}

// rescan offers every record whose fingerprint differs from seen and
// updates seen in place.
func (s *Store) rescan(seen map[string]fingerprint, feed *store.Feed) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("scanning record directory", "dir", s.dir, "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isRecordFile(name) {
			continue
		}
		subjectID := strings.TrimSuffix(name, recordExt)
		if presence.ValidateSubjectID(subjectID) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Replaced or removed between ReadDir and Info.
			continue
		}
		fp := fingerprint{modTime: info.ModTime(), size: info.Size()}
		if prev, ok := seen[subjectID]; ok && prev == fp {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		rec, err := store.DecodeRecord(data)
		if err != nil {
			slog.Warn("skipping undecodable record file", "file", name, "error", err)
			seen[subjectID] = fp
			continue
		}
		if rec.SubjectID != subjectID {
			slog.Warn("record file names a different subject", "file", name, "subject", rec.SubjectID)
			seen[subjectID] = fp
			continue
		}
		seen[subjectID] = fp
		feed.Offer(rec)
	}
}

// Close stops all watchers. Further operations return [store.ErrClosed].
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.watchers.Wait()
	return nil
}
