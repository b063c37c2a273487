// conn_windows.go implements the host channel on Windows as a per-user
// named pipe (\\.\pipe\presenced-<user>) using the go-winio library.

//go:build windows

package hostipc

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
)

// DefaultAddress returns the pipe name for the current user. dataDir is
// unused on Windows.
func DefaultAddress(dataDir string) string {
	user := os.Getenv("USERNAME")
	if user == "" {
		user = "default"
	}
	return `\\.\pipe\presenced-` + strings.ToLower(user)
}

// Listen opens the host named pipe. The security descriptor restricts the
// pipe to the creating user, SYSTEM and administrators.
func Listen(address string) (net.Listener, error) {
	return winio.ListenPipe(address, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)(A;;GA;;;SY)(A;;GA;;;BA)",
	})
}

// dial connects to the daemon pipe.
func dial(address string) (net.Conn, error) {
	timeout := 2 * time.Second
	return winio.DialPipe(address, &timeout)
}
