package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	rootpkg "tools.zach/dev/presenced"
	"tools.zach/dev/presenced/internal/config"
	"tools.zach/dev/presenced/internal/hostipc"
	"tools.zach/dev/presenced/internal/paths"
)

// ///////////////////////////////////////////////
// resolveVersion
// ///////////////////////////////////////////////

func TestResolveVersion(t *testing.T) {
	original := version
	defer func() { version = original }()

	version = "1.2.3"
	if got := resolveVersion(); got != "1.2.3" {
		t.Errorf("resolveVersion() = %q, want 1.2.3", got)
	}

	// Test binaries may or may not carry VCS info.
	version = "dev"
	if got := resolveVersion(); !strings.HasPrefix(got, "dev") {
		t.Errorf("resolveVersion() = %q, want dev prefix", got)
	}
}

// ///////////////////////////////////////////////
// PID File
// ///////////////////////////////////////////////

func TestWriteAndRemovePID(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	token := pidToken()
	if len(token) != 16 {
		t.Fatalf("token %q has length %d", token, len(token))
	}

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID: %v", err)
	}
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("%d:%s", os.Getpid(), token); string(data) != want {
		t.Errorf("PID file = %q, want %q", data, want)
	}

	removePID(dp, token, f)
	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Errorf("PID file still exists: %v", err)
	}
}

func TestRemovePID_ForeignToken(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	if err := os.WriteFile(dp.PID(), []byte("999:othertoken"), 0o600); err != nil {
		t.Fatal(err)
	}
	removePID(dp, "mytoken", nil)
	if _, err := os.Stat(dp.PID()); err != nil {
		t.Errorf("PID file owned by another instance was removed: %v", err)
	}
}

func TestCheckStalePID(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	if alive, _ := checkStalePID(dp); alive {
		t.Fatal("alive with no PID file")
	}

	// Unlocked leftover from a crash.
	if err := os.WriteFile(dp.PID(), []byte("12345:deadbeef"), 0o600); err != nil {
		t.Fatal(err)
	}
	if alive, _ := checkStalePID(dp); alive {
		t.Fatal("unlocked PID file reported alive")
	}
	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Error("stale PID file not removed")
	}
}

// ///////////////////////////////////////////////
// Startup Helpers
// ///////////////////////////////////////////////

func TestEnsureConfig(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	if err := ensureConfig(dp); err != nil {
		t.Fatalf("ensureConfig: %v", err)
	}
	data, err := os.ReadFile(dp.Config())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(rootpkg.DefaultConfigTOML) {
		t.Error("first-run config differs from the embedded default")
	}

	// An existing file is left alone.
	if err := os.WriteFile(dp.Config(), []byte("version = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureConfig(dp); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(dp.Config()); string(data) != "version = 1\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
}

func TestIPCAddress(t *testing.T) {
	dp := paths.DataDir{Root: filepath.Join(t.TempDir(), "data")}
	cfg := config.DefaultConfig()

	if got, want := ipcAddress(cfg, dp), hostipc.DefaultAddress(dp.Root); got != want {
		t.Errorf("default address = %q, want %q", got, want)
	}
	cfg.IPC.Socket = "/run/user/1000/presenced.sock"
	if got := ipcAddress(cfg, dp); got != cfg.IPC.Socket {
		t.Errorf("configured address = %q", got)
	}
}
