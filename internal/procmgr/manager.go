// Package procmgr owns the single worker child process inside the
// privileged helper. At most one worker is ever live; starting while
// one is running terminates the prior instance first.
package procmgr

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/victor-siu/siftly-mac/internal/metrics"
)

const (
	// stopGrace is how long the worker gets to exit after SIGTERM
	// before it is killed.
	stopGrace = 3 * time.Second

	workerLogLevel = "2"
)

// Manager manages the worker's lifecycle. Start, Stop and the exit
// callback are serialized; Status may be called concurrently.
type Manager struct {
	opMu sync.Mutex // serializes Start/Stop

	mu        sync.Mutex // guards the fields below
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stopping  bool
	waitDone  chan struct{}
	onExit    func(error)

	logger *slog.Logger
}

func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// SetExitCallback registers fn to run when the current worker exits on
// its own. It does not fire for exits caused by Stop.
func (m *Manager) SetExitCallback(fn func(error)) {
	m.mu.Lock()
	m.onExit = fn
	m.mu.Unlock()
}

// Start launches the worker with the fixed invocation contract: a
// config path and a verbosity flag, stdout and stderr discarded. A
// running prior worker is terminated first.
func (m *Manager) Start(binary, configPath string) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.terminate()

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	// #nosec G204 -- binary and configPath passed the allow-list checks.
	cmd := exec.Command(binary, "-config", configPath, "-loglevel", workerLogLevel)
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = null.Close()
		return 0, fmt.Errorf("spawn worker: %w", err)
	}
	_ = null.Close()

	done := make(chan struct{})
	m.mu.Lock()
	m.cmd = cmd
	m.pid = cmd.Process.Pid
	m.startedAt = time.Now()
	m.stopping = false
	m.waitDone = done
	m.mu.Unlock()

	go m.reap(cmd, done)

	metrics.IncStart()
	m.logger.Info("worker started", "pid", cmd.Process.Pid, "binary", binary)
	return cmd.Process.Pid, nil
}

// Stop terminates the worker: SIGTERM to the process group, a grace
// period for self-termination, then SIGKILL. No-op when nothing runs.
func (m *Manager) Stop() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.terminate()
	return nil
}

// terminate is the shared stop path; callers hold opMu.
func (m *Manager) terminate() {
	m.mu.Lock()
	cmd := m.cmd
	done := m.waitDone
	if cmd == nil {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	pid := cmd.Process.Pid
	m.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGrace):
		m.logger.Warn("worker did not exit in grace period, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
}

// reap waits for one worker generation to exit, clears the handle, and
// fires the exit callback when the exit was not requested via Stop.
func (m *Manager) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	m.mu.Lock()
	current := m.cmd == cmd
	stopping := m.stopping
	var onExit func(error)
	if current {
		m.cmd = nil
		m.pid = 0
		if !stopping {
			onExit = m.onExit
		}
	}
	m.mu.Unlock()

	if !current {
		return
	}
	metrics.IncStop()
	if err != nil {
		m.logger.Warn("worker exited", "error", err)
	} else {
		m.logger.Info("worker exited cleanly")
	}
	if onExit != nil {
		onExit(err)
	}
}

// Status reports the worker pid and a liveness probe result. Safe for
// concurrent use while Start/Stop are in flight.
func (m *Manager) Status() (pid int, running bool) {
	m.mu.Lock()
	cmd := m.cmd
	pid = m.pid
	m.mu.Unlock()

	if cmd == nil || pid == 0 {
		return 0, false
	}
	return pid, alive(pid)
}

// StartedAt returns when the current worker generation was spawned, or
// the zero time when nothing runs.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return time.Time{}
	}
	return m.startedAt
}
