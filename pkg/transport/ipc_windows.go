//go:build windows

package transport

import (
	"errors"
	"net"
)

// listenPrimary has no named-pipe implementation; the adapter always
// falls through to loopback TCP on Windows.
func (a *IPCAdapter) listenPrimary() (net.Listener, string, error) {
	return nil, "", errors.New("unix sockets unavailable on windows")
}
