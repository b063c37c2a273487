// Tests for the directory-backed store: atomic per-subject files, lookups,
// closed-store behavior, and watches that replay current records and then
// follow writes from this or any other process sharing the directory.
package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.pollInterval = 50 * time.Millisecond
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string, status presence.Status, lastSeen int64) presence.Record {
	return presence.Record{SubjectID: id, Status: status, LastSeen: lastSeen, SessionID: "s-" + id}
}

// next waits for one record from ch.
func next(t *testing.T, ch <-chan presence.Record) presence.Record {
	t.Helper()
	select {
	case rec, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for record")
	}
	return presence.Record{}
}

// ///////////////////////////////////////////////
// Put and Get
// ///////////////////////////////////////////////

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := record("alice", presence.Online, 1_000)
	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	// Last writer wins.
	want = record("alice", presence.DND, 2_000)
	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, _ := s.Get(ctx, "alice"); got != want {
		t.Errorf("after overwrite Get = %+v, want %+v", got, want)
	}

	if _, err := os.Stat(filepath.Join(s.Dir(), "alice.json")); err != nil {
		t.Errorf("record file missing: %v", err)
	}
}

func TestGet_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"missing subject", "bob", store.ErrNotFound},
		{"invalid subject", "../etc", presence.ErrInvalidSubjectID},
		{"empty subject", "", presence.ErrInvalidSubjectID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Get(ctx, tt.id); !errors.Is(err, tt.wantErr) {
				t.Errorf("Get(%q) error = %v, want %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestPut_InvalidRecord(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), presence.Record{SubjectID: "alice", Status: "away"})
	if !errors.Is(err, presence.ErrInvalidStatus) {
		t.Fatalf("Put error = %v, want invalid status", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "alice.json")); !os.IsNotExist(err) {
		t.Errorf("invalid record was written: %v", err)
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, record("alice", presence.Online, 1)); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Put after close = %v", err)
	}
	if _, err := s.Get(ctx, "alice"); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Get after close = %v", err)
	}
	if _, err := s.Watch(ctx, store.MatchAll); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Watch after close = %v", err)
	}
}

// ///////////////////////////////////////////////
// Watch
// ///////////////////////////////////////////////

func TestWatch_ReplaysThenFollows(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Put(ctx, record("alice", presence.Online, 1_000)); err != nil {
		t.Fatal(err)
	}
	ch, err := s.Watch(ctx, store.MatchAll)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := next(t, ch); got.SubjectID != "alice" || got.LastSeen != 1_000 {
		t.Fatalf("initial record = %+v", got)
	}

	if err := s.Put(ctx, record("alice", presence.Idle, 2_000)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, ch); got.Status != presence.Idle || got.LastSeen != 2_000 {
		t.Fatalf("update = %+v", got)
	}
}

func TestWatch_Pattern(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "team.*")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := s.Put(ctx, record("other", presence.Online, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, record("team.bob", presence.Online, 2)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, ch); got.SubjectID != "team.bob" {
		t.Fatalf("got %q, want team.bob", got.SubjectID)
	}
}

func TestWatch_IgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := map[string]string{
		"alice.json.tmp.123": `{"subjectId":"alice","status":"online","lastSeen":1}`,
		"notes.txt":          "hello",
		"broken.json":        "{",
		"mallory.json":       `{"subjectId":"alice","status":"online","lastSeen":1}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ctx, record("carol", presence.DND, 5)); err != nil {
		t.Fatal(err)
	}

	ch, err := s.Watch(ctx, store.MatchAll)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := next(t, ch); got.SubjectID != "carol" {
		t.Fatalf("got %+v, want only carol", got)
	}
	select {
	case rec := <-ch:
		t.Fatalf("unexpected record %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_ClosesWithContextAndStore(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, store.MatchAll)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	waitClosed(t, ch)

	ch, err = s.Watch(context.Background(), store.MatchAll)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	waitClosed(t, ch)
}

func TestWatch_InvalidPattern(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Watch(context.Background(), "team.[a"); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func waitClosed(t *testing.T, ch <-chan presence.Record) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel did not close")
		}
	}
}
