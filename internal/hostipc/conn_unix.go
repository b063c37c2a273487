// conn_unix.go implements the host channel on Unix-like systems (Linux,
// macOS, FreeBSD) as a Unix domain socket inside the daemon's data
// directory, readable only by the owning user.

//go:build !windows

package hostipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SocketName is the socket file name inside the data directory.
const SocketName = "presenced.sock"

// DefaultAddress returns the socket path for dataDir.
func DefaultAddress(dataDir string) string {
	return filepath.Join(dataDir, SocketName)
}

// Listen opens the host socket at address. A leftover socket file from a
// crashed daemon is removed; a live one is reported as an error.
func Listen(address string) (net.Listener, error) {
	if _, err := os.Stat(address); err == nil {
		if conn, err := net.DialTimeout("unix", address, 200*time.Millisecond); err == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is in use by another daemon", address)
		}
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	if err := os.Chmod(address, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// dial connects to the daemon socket.
func dial(address string) (net.Conn, error) {
	return net.DialTimeout("unix", address, 2*time.Second)
}
