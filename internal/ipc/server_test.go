package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victor-siu/siftly-mac/internal/procmgr"
	"github.com/victor-siu/siftly-mac/internal/protocol"
	"github.com/victor-siu/siftly-mac/internal/validate"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testFixture stands up a server with allow-list rules anchored in a
// temp dir, an identity gate that accepts by default, and a real
// process manager.
type testFixture struct {
	socket string
	rules  validate.Rules
	bundle string
	cfgDir string
	srv    *Server
	mgr    *procmgr.Manager
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &testFixture{
		socket: filepath.Join(dir, "helper.sock"),
		bundle: filepath.Join(dir, "Siftly.app/Contents/MacOS"),
		cfgDir: filepath.Join(dir, "config"),
	}
	f.rules = validate.Rules{
		BinarySuffix:  "/Siftly.app/Contents/MacOS/siftly-proxy",
		ConfigPattern: regexp.MustCompile("^" + regexp.QuoteMeta(f.cfgDir) + "/"),
	}
	require.NoError(t, os.MkdirAll(f.bundle, 0o755))
	require.NoError(t, os.MkdirAll(f.cfgDir, 0o755))

	f.mgr = procmgr.New(quietLogger())
	f.srv = NewServer(f.socket, f.rules, f.mgr, quietLogger())
	// The test runner is the "console user".
	f.srv.consoleUID = func() (uint32, error) { return uint32(os.Getuid()), nil }

	require.NoError(t, f.srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { _ = f.srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = f.srv.Close()
		_ = f.mgr.Stop()
	})
	return f
}

func (f *testFixture) workerBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.bundle, "siftly-proxy")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func (f *testFixture) workerConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(f.cfgDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("# worker config\n"), 0o644))
	return path
}

func TestStartStatusStop(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	bin := f.workerBinary(t, "sleep 30")
	cfg := f.workerConfig(t)
	client := NewClient(f.socket)

	resp, err := client.Send(protocol.Request{
		Command: protocol.CommandStart, BinaryPath: bin, ConfigPath: cfg,
	})
	require.NoError(t, err)
	require.True(t, resp.Success, "start failed: %s", resp.Message)
	require.NotZero(t, resp.PID)
	require.NotNil(t, resp.Running)
	assert.True(t, *resp.Running)

	// status reports the same pid immediately after.
	st, err := client.Send(protocol.Request{Command: protocol.CommandStatus})
	require.NoError(t, err)
	require.True(t, st.Success)
	assert.Equal(t, resp.PID, st.PID)
	require.NotNil(t, st.Running)
	assert.True(t, *st.Running)

	stop, err := client.Send(protocol.Request{Command: protocol.CommandStop})
	require.NoError(t, err)
	require.True(t, stop.Success)
	require.NotNil(t, stop.Running)
	assert.False(t, *stop.Running)
}

func TestStartRejectsBinaryOutsideBundle(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	cfg := f.workerConfig(t)

	// Executable, existing, but outside the allowed bundle location.
	outside := filepath.Join(filepath.Dir(f.cfgDir), "rogue")
	require.NoError(t, os.WriteFile(outside, []byte("#!/bin/sh\nsleep 30\n"), 0o755))

	client := NewClient(f.socket)
	resp, err := client.Send(protocol.Request{
		Command: protocol.CommandStart, BinaryPath: outside, ConfigPath: cfg,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "must be inside")

	// The process manager was never touched.
	_, running := f.mgr.Status()
	assert.False(t, running)
}

func TestStartRejectsConfigTraversal(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	bin := f.workerBinary(t, "sleep 30")
	cfg := f.workerConfig(t)

	sneaky := filepath.Dir(cfg) + "/../config/config.toml"
	client := NewClient(f.socket)
	resp, err := client.Send(protocol.Request{
		Command: protocol.CommandStart, BinaryPath: bin, ConfigPath: sneaky,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "parent-directory")
}

func TestMalformedRequestGetsFailureResponse(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)

	conn, err := net.Dial("unix", f.socket)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = conn.Write([]byte("this is not json"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	buf := make([]byte, protocol.MaxMessageSize)
	n, _ := conn.Read(buf)
	require.NotZero(t, n, "expected a failure response, not a dropped connection")

	resp, err := protocol.DecodeResponse(buf[:n])
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
}

func TestNonConsolePeerGetsNoResponse(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	// Simulate a background service account connecting.
	f.srv.peerUID = func(*net.UnixConn) (uint32, error) { return 9999, nil }

	client := NewClient(f.socket)
	_, err := client.Send(protocol.Request{Command: protocol.CommandStatus})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyResponse), "want silence (empty response), got %v", err)

	// Dispatch never ran: the manager is untouched.
	_, running := f.mgr.Status()
	assert.False(t, running)
}

func TestStartReplacesRunningWorker(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	bin := f.workerBinary(t, "sleep 30")
	cfg := f.workerConfig(t)
	client := NewClient(f.socket)

	first, err := client.Send(protocol.Request{
		Command: protocol.CommandStart, BinaryPath: bin, ConfigPath: cfg,
	})
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := client.Send(protocol.Request{
		Command: protocol.CommandRestart, BinaryPath: bin, ConfigPath: cfg,
	})
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	requireUnix(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	socket := filepath.Join(dir, "helper.sock")

	// A stale artifact from a crashed prior run.
	require.NoError(t, os.WriteFile(socket, nil, 0o600))

	srv := NewServer(socket, validate.Default(), procmgr.New(quietLogger()), quietLogger())
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { _ = srv.Close() })

	fi, err := os.Stat(socket)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket)
}

func TestCloseUnlinksSocket(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.cancel()
	require.NoError(t, f.srv.Close())
	_, err := os.Stat(f.socket)
	assert.True(t, os.IsNotExist(err))
}
