package filestore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"tools.zach/dev/presenced/internal/atomicfile"
)

// ///////////////////////////////////////////////
// Directory Watcher
// ///////////////////////////////////////////////

// dirWatcher signals when record files in a directory may have changed. It
// uses fsnotify and falls back to a fixed-interval poll when the native
// watcher is unavailable or fails. Signals coalesce; the receiver rescans.
type dirWatcher struct {
	dir string
	// events is buffered to 1 so bursts of writes collapse into one rescan.
	events chan struct{}
	done   chan struct{}
	once   sync.Once

	// fsw is nil when polling.
	fsw          *fsnotify.Watcher
	polling      atomic.Bool
	pollInterval time.Duration
}

func newDirWatcher(dir string, pollInterval time.Duration) *dirWatcher {
	w := &dirWatcher{
		dir:          dir,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: pollInterval,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, polling record directory", "error", err)
		w.startPolling()
		return w
	}
	if err := fsw.Add(dir); err != nil {
		slog.Info("cannot watch record directory, polling", "dir", dir, "error", err)
		fsw.Close()
		w.startPolling()
		return w
	}
	w.fsw = fsw
	go w.watch()
	return w
}

// isRecordFile reports whether name is a committed record file.
func isRecordFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, recordExt) && !atomicfile.IsTemp(base) && !strings.HasPrefix(base, ".")
}

func (w *dirWatcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Atomic writes land as a Create (rename) on the target name.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if isRecordFile(event.Name) {
					w.notify()
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to polling", "dir", w.dir, "error", err)
			w.fsw.Close()
			w.startPolling()
			return
		}
	}
}

func (w *dirWatcher) startPolling() {
	w.polling.Store(true)
	go w.poll()
}

// poll signals on every tick; the rescan compares file fingerprints.
func (w *dirWatcher) poll() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.notify()
		}
	}
}

func (w *dirWatcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// Polling reports whether the watcher fell back to polling.
func (w *dirWatcher) Polling() bool {
	return w.polling.Load()
}

func (w *dirWatcher) Events() <-chan struct{} {
	return w.events
}

func (w *dirWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil && !w.polling.Load() {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
	})
	return err
}
