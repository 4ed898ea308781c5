//go:build !windows

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startIPC(t *testing.T, deps *Deps) *IPCAdapter {
	t.Helper()
	a := NewIPCAdapter()
	require.NoError(t, a.Initialize(deps))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func ipcRoundTrip(t *testing.T, conn net.Conn, line string) ipcResponse {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	reply, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp ipcResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	return resp
}

func TestIPCOverUnixSocket(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.IPC.SocketPath = filepath.Join(t.TempDir(), "gw.sock")
	a := startIPC(t, deps)
	require.NotEmpty(t, a.socketPath, "unix socket is the primary listener")

	conn, err := net.Dial("unix", a.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := ipcRoundTrip(t, conn, `{"kind":"echo.send"}`)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "echo.send", data["kind"])
}

func TestIPCMalformedJSONKeepsConnection(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.IPC.SocketPath = filepath.Join(t.TempDir(), "gw.sock")
	a := startIPC(t, deps)

	conn, err := net.Dial("unix", a.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := ipcRoundTrip(t, conn, "this is not json")
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "malformed_message", resp.Error.Kind)

	// Same connection still answers.
	resp = ipcRoundTrip(t, conn, `{"kind":"echo.send"}`)
	assert.True(t, resp.Success)
}

func TestIPCPipelineError(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.IPC.SocketPath = filepath.Join(t.TempDir(), "gw.sock")
	a := startIPC(t, deps)

	conn, err := net.Dial("unix", a.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := ipcRoundTrip(t, conn, `{"kind":"echo.send","payload":{"boom":true}}`)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "processing_error", resp.Error.Kind)
}

func TestIPCStopRemovesSocketFile(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.IPC.SocketPath = filepath.Join(t.TempDir(), "gw.sock")

	a := NewIPCAdapter()
	require.NoError(t, a.Initialize(deps))
	require.NoError(t, a.Start(context.Background()))
	path := a.socketPath
	require.FileExists(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestIPCStopClosesIdleConnections(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.IPC.SocketPath = filepath.Join(t.TempDir(), "gw.sock")

	a := NewIPCAdapter()
	require.NoError(t, a.Initialize(deps))
	require.NoError(t, a.Start(context.Background()))

	conn, err := net.Dial("unix", a.socketPath)
	require.NoError(t, err)
	defer conn.Close()
	resp := ipcRoundTrip(t, conn, `{"kind":"echo.send"}`)
	require.True(t, resp.Success)

	// The client stays connected but idle; Stop must not wait on it.
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle connection")
	}
}

func TestIPCFallsBackToTCP(t *testing.T) {
	deps := newAdapterDeps(t)

	// A non-empty directory at the socket path makes the primary listener
	// unusable and forces the loopback fallback.
	dir := filepath.Join(t.TempDir(), "gw.sock")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "occupied"), []byte("x"), 0644))
	deps.Config.Transports.IPC.SocketPath = dir

	a := startIPC(t, deps)
	assert.Empty(t, a.socketPath, "fallback listener is TCP")

	conn, err := net.Dial("tcp", a.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := ipcRoundTrip(t, conn, `{"kind":"echo.send"}`)
	assert.True(t, resp.Success)
}
