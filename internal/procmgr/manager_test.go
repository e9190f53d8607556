package procmgr

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

// writeWorker creates an executable stand-in for the worker binary.
// The manager invokes it as <script> -config <path> -loglevel 2.
func writeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "siftly-proxy")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartAndStatus(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	bin := writeWorker(t, "sleep 30")
	defer func() { _ = m.Stop() }()

	pid, err := m.Start(bin, "/dev/null")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("bad pid %d", pid)
	}
	gotPID, running := m.Status()
	if !running || gotPID != pid {
		t.Fatalf("status = (%d, %v), want (%d, true)", gotPID, running, pid)
	}
	if m.StartedAt().IsZero() {
		t.Fatal("expected startedAt to be set")
	}
}

func TestStartReplacesPriorWorker(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	bin := writeWorker(t, "sleep 30")
	defer func() { _ = m.Stop() }()

	first, err := m.Start(bin, "/dev/null")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := m.Start(bin, "/dev/null")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first == second {
		t.Fatal("expected a new worker generation")
	}
	// The first worker must be gone: at most one live child.
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return syscall.Kill(first, 0) != nil
	}) {
		t.Fatalf("prior worker %d still alive", first)
	}
	pid, running := m.Status()
	if !running || pid != second {
		t.Fatalf("status = (%d, %v), want (%d, true)", pid, running, second)
	}
}

func TestStopGracefully(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	bin := writeWorker(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.1; done")

	pid, err := m.Start(bin, "/dev/null")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= stopGrace {
		t.Fatalf("graceful stop took %v, expected under the grace period", elapsed)
	}
	if _, running := m.Status(); running {
		t.Fatal("worker still reported running after stop")
	}
	_ = pid
}

func TestStopKillsAfterGrace(t *testing.T) {
	requireUnix(t)
	if testing.Short() {
		t.Skip("waits out the stop grace period")
	}
	m := New(testLogger())
	bin := writeWorker(t, "trap '' TERM\nwhile true; do sleep 0.1; done")

	if _, err := m.Start(bin, "/dev/null"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, running := m.Status(); running {
		t.Fatal("worker survived SIGKILL escalation")
	}
}

func TestStopWithoutWorkerIsNoop(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	if err := m.Stop(); err != nil {
		t.Fatalf("stop with nothing running: %v", err)
	}
}

func TestExitCallbackFiresOnCrash(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	var fired atomic.Int32
	var gotErr atomic.Value
	m.SetExitCallback(func(err error) {
		fired.Add(1)
		if err != nil {
			gotErr.Store(err)
		}
	})

	bin := writeWorker(t, "exit 7")
	if _, err := m.Start(bin, "/dev/null"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return fired.Load() == 1 }) {
		t.Fatal("exit callback did not fire")
	}
	if gotErr.Load() == nil {
		t.Fatal("expected non-nil exit error for exit status 7")
	}
	if _, running := m.Status(); running {
		t.Fatal("crashed worker still reported running")
	}
}

func TestExitCallbackSuppressedOnStop(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	var fired atomic.Int32
	m.SetExitCallback(func(error) { fired.Add(1) })

	bin := writeWorker(t, "trap 'exit 0' TERM\nwhile true; do sleep 0.1; done")
	if _, err := m.Start(bin, "/dev/null"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("exit callback fired for an explicit stop")
	}
}

func TestStartNonexistentBinary(t *testing.T) {
	requireUnix(t)
	m := New(testLogger())
	if _, err := m.Start(filepath.Join(t.TempDir(), "missing"), "/dev/null"); err == nil {
		t.Fatal("expected spawn error")
	}
	if _, running := m.Status(); running {
		t.Fatal("nothing should be running after a failed spawn")
	}
}
