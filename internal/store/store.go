// Package store defines the persisted presence record store and the pieces
// every backend shares: subject pattern matching, per-watcher feeds, an
// in-memory backend, and a resolving [Reader].
//
// Backends live in subpackages (natskv, filestore, sqlitestore). All of them
// are last-writer-wins per subject and deliver updates to watchers at least
// once, newest value per subject.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/presenced/internal/presence"
)

// ///////////////////////////////////////////////
// Interface
// ///////////////////////////////////////////////

var (
	// ErrNotFound is returned by Get when no record exists for a subject.
	ErrNotFound = errors.New("presence record not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Getter reads one record.
type Getter interface {
	Get(ctx context.Context, subjectID string) (presence.Record, error)
}

// Store is a presence record store.
type Store interface {
	Getter
	// Put upserts rec, replacing any previous record for the same subject.
	Put(ctx context.Context, rec presence.Record) error
	// Watch streams records whose subject matches pattern: first the current
	// value of each, then every update. The channel closes when ctx is done
	// or the store is closed.
	Watch(ctx context.Context, pattern string) (<-chan presence.Record, error)
	Close() error
}

// ///////////////////////////////////////////////
// Patterns
// ///////////////////////////////////////////////

// MatchAll is the pattern matching every subject.
const MatchAll = "*"

// ValidatePattern checks a subject glob. An empty pattern is accepted and
// means [MatchAll].
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid subject pattern %q", pattern)
	}
	return nil
}

// Match reports whether subjectID matches the glob pattern.
func Match(pattern, subjectID string) bool {
	if pattern == "" || pattern == MatchAll {
		return true
	}
	ok, err := doublestar.Match(pattern, subjectID)
	return err == nil && ok
}
