//go:build !windows

package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// listenPrimary binds the unix domain socket. A stale socket file from a
// crashed process is probed with a dial; if nothing answers it is
// removed and the path reused.
func (a *IPCAdapter) listenPrimary() (net.Listener, string, error) {
	path := a.deps.Config.SocketPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, "", fmt.Errorf("socket %s is in use by another process", path)
		}
		a.logger.Warn().Str("path", path).Msg("removing stale socket file")
		if err := os.Remove(path); err != nil {
			return nil, "", fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to bind unix socket %s: %w", path, err)
	}
	return ln, path, nil
}
