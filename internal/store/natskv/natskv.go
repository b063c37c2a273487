// Package natskv stores presence records in a NATS JetStream key-value
// bucket, one key per subject. Every client of the same bucket sees every
// other client's presence, and watchers receive changes as they are written.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/store"
)

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

// DefaultBucket is the bucket used when Config.Bucket is empty.
const DefaultBucket = "PRESENCE"

// Config holds connection and bucket settings.
type Config struct {
	URL      string
	User     string
	Password string
	Bucket   string
	// History is the number of revisions kept per subject.
	History int
	// MaxValueSize bounds one encoded record.
	MaxValueSize int32
	// ConnectTimeout bounds the initial dial and bucket setup.
	ConnectTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Bucket:         DefaultBucket,
		History:        1,
		MaxValueSize:   4 * 1024,
		ConnectTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.History <= 0 {
		c.History = d.History
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = d.MaxValueSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// Store implements [store.Store] on a JetStream key-value bucket.
type Store struct {
	conn     *nats.Conn
	ownsConn bool
	kv       jetstream.KeyValue
	bucket   string
	closed   atomic.Bool

	// stop cancels every watch goroutine on Close.
	stop     context.CancelFunc
	stopCtx  context.Context
	watchers sync.WaitGroup
}

// Open connects to the server at cfg.URL and opens the bucket. The
// connection is closed by [Store.Close].
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	opts := []nats.Option{
		nats.Name("presenced"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	s, err := New(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

// New opens the bucket over an existing connection, creating it if needed.
// The caller keeps ownership of conn.
func New(ctx context.Context, conn *nats.Conn, cfg Config) (*Store, error) {
	if conn == nil {
		return nil, errors.New("nats connection required")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "presence records keyed by subject id",
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	stopCtx, stop := context.WithCancel(context.Background())
	slog.Debug("presence bucket ready", "bucket", cfg.Bucket)
	return &Store{
		conn:    conn,
		kv:      kv,
		bucket:  cfg.Bucket,
		stop:    stop,
		stopCtx: stopCtx,
	}, nil
}

// Put implements [store.Store].
func (s *Store) Put(ctx context.Context, rec presence.Record) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	data, err := store.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, rec.SubjectID, data); err != nil {
		return fmt.Errorf("kv put %s: %w", rec.SubjectID, err)
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
	entry, err := s.kv.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return presence.Record{}, store.ErrNotFound
		}
		return presence.Record{}, fmt.Errorf("kv get %s: %w", subjectID, err)
	}
	return store.DecodeRecord(entry.Value())
}

// Watch implements [store.Store]. A literal pattern watches a single key;
// anything else watches the whole bucket and filters locally.
func (s *Store) Watch(ctx context.Context, pattern string) (<-chan presence.Record, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := store.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	// Tie the watch to both the caller and the store lifetime.
	wctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.stopCtx, cancel)

	var (
		w   jetstream.KeyWatcher
		err error
	)
	if key, ok := literalKey(pattern); ok {
		w, err = s.kv.Watch(wctx, key, jetstream.IgnoreDeletes())
	} else {
		w, err = s.kv.WatchAll(wctx, jetstream.IgnoreDeletes())
	}
	if err != nil {
		stopAfter()
		cancel()
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	feed := store.NewFeed(wctx, pattern)
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer stopAfter()
		defer cancel()
		defer w.Stop()
		s.watchLoop(wctx, w, feed)
	}()
	return feed.C(), nil
}

func (s *Store) watchLoop(ctx context.Context, w jetstream.KeyWatcher, feed *store.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-feed.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			// A nil entry marks the end of the initial values.
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			rec, err := store.DecodeRecord(entry.Value())
			if err != nil {
				slog.Warn("skipping undecodable presence entry", "bucket", s.bucket, "key", entry.Key(), "error", err)
				continue
			}
			feed.Offer(rec)
		}
	}
}

// Close stops all watchers and, for stores created by [Open], closes the
// connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stop()
	s.watchers.Wait()
	if s.ownsConn {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
			return fmt.Errorf("drain nats connection: %w", err)
		}
	}
	return nil
}

// literalKey returns pattern as a key when it contains no glob syntax.
func literalKey(pattern string) (string, bool) {
	if pattern == "" || strings.ContainsAny(pattern, `*?[]{}\`) {
		return "", false
	}
	return pattern, true
}
