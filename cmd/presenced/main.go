// Package main implements presenced, the per-user presence daemon. It takes
// input and window events from the host over a local socket, runs idle
// detection, and keeps the user's presence record fresh in the shared store
// until the host quits.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	rootpkg "tools.zach/dev/presenced"
	"tools.zach/dev/presenced/internal/backend"
	"tools.zach/dev/presenced/internal/config"
	"tools.zach/dev/presenced/internal/hostipc"
	"tools.zach/dev/presenced/internal/logger"
	"tools.zach/dev/presenced/internal/paths"
	"tools.zach/dev/presenced/internal/telemetry"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// resolveVersion returns [version] when it was set at build time, otherwise
// a "dev+<hash>" tag built from the VCS info the toolchain embeds.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken returns a random token that marks the PID file as ours.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID locks the PID file and writes "PID:TOKEN". The returned file
// must stay open while the daemon runs; the lock lives on its descriptor.
func writePID(dp paths.DataDir, token string) (*os.File, error) {
	f, err := os.OpenFile(dp.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), token); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID unlocks and closes f, then deletes the PID file if it still
// carries token.
func removePID(dp paths.DataDir, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		return
	}
	if _, tok, ok := strings.Cut(string(data), ":"); ok && tok == token {
		os.Remove(dp.PID())
	}
}

// checkStalePID reports whether another daemon holds the PID file lock.
// A PID file nobody holds is left over from a crash and is removed.
func checkStalePID(dp paths.DataDir) (alive bool, pid int) {
	f, err := os.OpenFile(dp.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(dp.PID())
		f.Close()
		head, _, _ := strings.Cut(string(data), ":")
		if p, convErr := strconv.Atoi(head); convErr == nil {
			return true, p
		}
		return true, 0
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(dp.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Startup
// ///////////////////////////////////////////////

// ensureConfig writes the annotated default config on first run.
func ensureConfig(dp paths.DataDir) error {
	if _, err := os.Stat(dp.Config()); !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.WriteFile(dp.Config(), rootpkg.DefaultConfigTOML, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// ipcAddress returns the configured host socket or the default one.
func ipcAddress(cfg *config.Config, dp paths.DataDir) string {
	if cfg.IPC.Socket != "" {
		return cfg.IPC.Socket
	}
	return hostipc.DefaultAddress(dp.Root)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", paths.DefaultRoot(), "Data directory for config, records, and logs")
	foreground := flag.Bool("foreground", false, "Also write log lines to stderr")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(resolveVersion())
		return
	}
	os.Exit(run(paths.DataDir{Root: *dataDir}, *foreground))
}

// run starts the daemon and blocks until it stops. It returns the process
// exit code.
func run(dp paths.DataDir, foreground bool) int {
	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		return 1
	}
	if alive, pid := checkStalePID(dp); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		return 1
	}
	if err := ensureConfig(dp); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := config.Load(dp.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		return 1
	}

	opts := logger.Options{
		Path:      dp.Log(),
		Level:     logger.ParseLevel(cfg.Log.Level),
		MaxSizeMB: cfg.Log.MaxSizeMB,
	}
	if foreground {
		opts.Console = os.Stderr
	}
	log, logCloser, err := logger.NewLogger(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("presenced starting", "version", resolveVersion(), "data_dir", dp.Root, "subject", cfg.Subject.ID, "backend", cfg.Store.Backend)

	token := pidToken()
	pidFile, err := writePID(dp, token)
	if err != nil {
		logger.Fail(log, "failed to write PID file", "error", err)
		return 1
	}
	defer removePID(dp, token, pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := backend.Open(ctx, cfg.Store, dp)
	if err != nil {
		logger.Fail(log, "failed to open presence store", "error", err)
		return 1
	}
	defer closeLogged("presence store", st)

	d, err := newDaemon(cfg, st, telemetry.Default())
	if err != nil {
		logger.Fail(log, "failed to build daemon", "error", err)
		return 1
	}

	ln, err := hostipc.Listen(ipcAddress(cfg, dp))
	if err != nil {
		logger.Fail(log, "failed to open host socket", "error", err)
		return 1
	}
	if err := d.start(); err != nil {
		ln.Close()
		logger.Fail(log, "failed to start", "error", err)
		return 1
	}

	if res := d.run(ctx, ln, signalChannel()); res.Failed() {
		return 2
	}
	return 0
}

func closeLogged(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "component", name, "error", err)
	}
}
