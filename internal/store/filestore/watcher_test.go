// Tests for the record directory watcher: fsnotify delivery, coalescing,
// close semantics, and the polling fallback.
package filestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsRecordFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"alice.json", true},
		{"/tmp/records/team.bob.json", true},
		{"alice.json.tmp.42", false},
		{".alice.json", false},
		{"alice.txt", false},
		{"alice", false},
	}
	for _, tt := range tests {
		if got := isRecordFile(tt.name); got != tt.want {
			t.Errorf("isRecordFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDirWatcher_Notifies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-dependent test in short mode")
	}
	dir := t.TempDir()
	w := newDirWatcher(dir, 50*time.Millisecond)
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "alice.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no event after writing a record file")
	}
}

func TestDirWatcher_Coalesces(t *testing.T) {
	w := &dirWatcher{events: make(chan struct{}, 1), done: make(chan struct{})}
	for range 10 {
		w.notify()
	}
	if n := len(w.events); n != 1 {
		t.Fatalf("pending events = %d, want 1", n)
	}
}

func TestDirWatcher_PollingFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-dependent test in short mode")
	}
	w := &dirWatcher{
		dir:          t.TempDir(),
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: 20 * time.Millisecond,
	}
	w.startPolling()
	defer w.Close()

	if !w.Polling() {
		t.Fatal("Polling() = false after startPolling")
	}
	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("polling watcher never signaled")
	}
}

func TestDirWatcher_CloseIdempotent(t *testing.T) {
	w := newDirWatcher(t.TempDir(), time.Second)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
