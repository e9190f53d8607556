// Package supervisor is the unprivileged control loop deciding when the
// worker should run, watching its liveness, and healing crashes with
// bounded backoff. It drives the worker through one of three
// strategies: the privileged helper, a direct child process, or an
// interactive elevation prompt.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victor-siu/siftly-mac/internal/config"
	"github.com/victor-siu/siftly-mac/internal/history"
	"github.com/victor-siu/siftly-mac/internal/ipc"
	"github.com/victor-siu/siftly-mac/internal/metrics"
	"github.com/victor-siu/siftly-mac/internal/protocol"
)

// State is the supervisor's externally visible condition. Exactly one
// state is current at any time.
type State int

const (
	StateInactive State = iota
	StateActive
	StateHealing
	StateError
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateHealing:
		return "healing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type launchMode string

const (
	modeNone       launchMode = ""
	modePrivileged launchMode = "privileged"
	modeDirect     launchMode = "direct"
	modeElevated   launchMode = "elevated"
)

const (
	defaultMaxRestartAttempts = 5
	defaultBackoffStep        = 2 * time.Second
	defaultDebounceDelay      = 1500 * time.Millisecond
	defaultWatchdogInterval   = 3 * time.Second

	// After this many consecutive unanswered status polls the watchdog
	// warns that the worker's state is unknown. It keeps polling: an
	// unreachable helper is not evidence the worker died.
	unreachableWarnAfter = 10
)

// HelperClient is the privileged start path. Satisfied by *ipc.Client.
type HelperClient interface {
	Available() bool
	Send(protocol.Request) (protocol.Response, error)
}

// DirectRunner is the unprivileged start path. Satisfied by
// *procmgr.Manager running inside the app's own process.
type DirectRunner interface {
	Start(binary, configPath string) (int, error)
	Stop() error
	SetExitCallback(func(error))
}

// Elevator starts or stops the worker behind an interactive
// administrator authorization prompt. Used only when a privileged port
// is required and the helper is unreachable.
type Elevator interface {
	Start(binary, configPath string) error
	Stop(binary string) error
}

// ConfigSource supplies the desired configuration and a change signal.
// Satisfied by *config.Source.
type ConfigSource interface {
	Current() config.Config
	Changes() <-chan struct{}
}

// Options tunes timers and wiring. Zero values take the production
// defaults; tests shrink the durations.
type Options struct {
	MaxRestartAttempts int
	BackoffStep        time.Duration
	DebounceDelay      time.Duration
	WatchdogInterval   time.Duration
	Elevator           Elevator
	Journal            history.Sink
	Logger             *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = defaultMaxRestartAttempts
	}
	if o.BackoffStep <= 0 {
		o.BackoffStep = defaultBackoffStep
	}
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = defaultDebounceDelay
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = defaultWatchdogInterval
	}
	if o.Elevator == nil {
		o.Elevator = defaultElevator()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Supervisor runs the control loop. Start, Stop and state inspection
// are safe to call from any goroutine; Stop is authoritative and always
// cancels pending scheduled work first.
type Supervisor struct {
	cfg    ConfigSource
	client HelperClient
	direct DirectRunner
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	errReason     string
	attempts      int
	generation    uint64
	mode          launchMode
	restartTimer  *time.Timer
	debounceTimer *time.Timer
	watchCancel   context.CancelFunc

	quit     chan struct{}
	quitOnce sync.Once
}

func New(cfg ConfigSource, client HelperClient, direct DirectRunner, opts Options) *Supervisor {
	opts.applyDefaults()
	s := &Supervisor{
		cfg:    cfg,
		client: client,
		direct: direct,
		opts:   opts,
		logger: opts.Logger,
		state:  StateInactive,
		quit:   make(chan struct{}),
	}
	direct.SetExitCallback(s.childDied)
	go s.watchChanges()
	return s
}

// Close tears down the supervisor's background goroutines and timers.
// It does not touch the worker; call Stop first for that.
func (s *Supervisor) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	s.invalidateLocked()
	s.stopWatchdogLocked()
	s.mu.Unlock()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorReason returns the reason string when the state is error.
func (s *Supervisor) ErrorReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errReason
}

// RestartAttempts returns the current healing attempt counter.
func (s *Supervisor) RestartAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Start brings the worker up. It is the only way out of the error
// state and resets the restart attempt counter.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	s.invalidateLocked()
	s.attempts = 0
	gen := s.generation
	s.mu.Unlock()
	return s.launch(gen)
}

// Stop is authoritative: it cancels any pending scheduled restart and
// debounce timer before terminating the worker, so no stale timer can
// revive the process afterwards.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.invalidateLocked()
	s.stopWatchdogLocked()
	mode := s.mode
	s.mode = modeNone
	s.setStateLocked(StateInactive, "")
	s.mu.Unlock()

	err := s.stopMode(mode)
	s.record(history.EventStop, 0, "stop requested")
	return err
}

func (s *Supervisor) stopMode(mode launchMode) error {
	switch mode {
	case modePrivileged:
		resp, err := s.client.Send(protocol.Request{Command: protocol.CommandStop})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("helper refused stop: %s", resp.Message)
		}
	case modeDirect:
		return s.direct.Stop()
	case modeElevated:
		return s.opts.Elevator.Stop(s.cfg.Current().WorkerBinary)
	}
	return nil
}

// launch selects a start strategy from the current configuration and
// performs one spawn attempt. It does not reset the attempt counter.
// The generation token guards against a stop racing the spawn: a stale
// token aborts before spawning, and a spawn that lands after a stop is
// rolled back.
func (s *Supervisor) launch(gen uint64) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateHealing, "")
	s.mu.Unlock()
	cfg := s.cfg.Current()

	var (
		mode launchMode
		pid  int
		err  error
	)
	switch {
	case config.RequiresPrivilegedPort(cfg.ListenPorts) && s.client.Available():
		mode = modePrivileged
		pid, err = s.startPrivileged(cfg)
		if err != nil && isTransport(err) {
			// The socket existed but nobody answered. Degrade to the
			// interactive prompt rather than failing the start.
			s.logger.Warn("helper unreachable, falling back to elevation prompt", "error", err)
			mode = modeElevated
			pid = 0
			err = s.opts.Elevator.Start(cfg.WorkerBinary, cfg.WorkerConfig)
		}
	case config.RequiresPrivilegedPort(cfg.ListenPorts):
		mode = modeElevated
		err = s.opts.Elevator.Start(cfg.WorkerBinary, cfg.WorkerConfig)
	default:
		mode = modeDirect
		pid, err = s.direct.Start(cfg.WorkerBinary, cfg.WorkerConfig)
	}

	if err != nil {
		s.mu.Lock()
		if gen == s.generation {
			s.setStateLocked(StateError, err.Error())
		}
		s.mu.Unlock()
		s.record(history.EventCrash, 0, "start failed: "+err.Error())
		return err
	}

	s.mu.Lock()
	if gen != s.generation {
		// Stop arrived while the spawn was in flight; undo it.
		s.mu.Unlock()
		_ = s.stopMode(mode)
		return nil
	}
	s.mode = mode
	s.setStateLocked(StateActive, "")
	s.mu.Unlock()
	s.record(history.EventStart, pid, string(mode))
	s.logger.Info("worker up", "mode", string(mode), "pid", pid)

	if mode == modePrivileged {
		s.startWatchdog()
	}
	return nil
}

func (s *Supervisor) startPrivileged(cfg config.Config) (int, error) {
	resp, err := s.client.Send(protocol.Request{
		Command:    protocol.CommandStart,
		BinaryPath: cfg.WorkerBinary,
		ConfigPath: cfg.WorkerConfig,
	})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("helper refused start: %s", resp.Message)
	}
	return resp.PID, nil
}

// childDied is the single entry point for both liveness-detection
// paths: the direct child's exit callback and the watchdog's status
// poll. A nil error is a clean exit; anything else enters healing.
func (s *Supervisor) childDied(exitErr error) {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateHealing {
		s.mu.Unlock()
		return
	}
	s.stopWatchdogLocked()

	if exitErr == nil {
		s.mode = modeNone
		s.setStateLocked(StateInactive, "")
		s.mu.Unlock()
		s.record(history.EventStop, 0, "worker exited cleanly")
		return
	}

	if s.attempts >= s.opts.MaxRestartAttempts {
		s.mode = modeNone
		s.setStateLocked(StateError, "crashing repeatedly")
		s.mu.Unlock()
		s.record(history.EventCrash, 0, "restart attempts exhausted")
		s.logger.Error("worker keeps crashing, giving up", "attempts", s.opts.MaxRestartAttempts)
		return
	}

	s.attempts++
	attempt := s.attempts
	delay := time.Duration(attempt) * s.opts.BackoffStep
	s.setStateLocked(StateHealing, "")
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	gen := s.generation
	s.restartTimer = time.AfterFunc(delay, func() { s.scheduledRestart(gen) })
	s.mu.Unlock()

	metrics.IncRestart()
	s.logger.Warn("worker died, restart scheduled",
		"attempt", attempt, "delay", delay, "error", exitErr)
	s.record(history.EventCrash, 0, exitErr.Error())
}

// scheduledRestart fires when a backoff delay elapses. The generation
// token went stale if Stop or a fresh Start happened in between.
func (s *Supervisor) scheduledRestart(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateHealing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.launch(gen); err != nil {
		s.logger.Error("scheduled restart failed", "error", err)
	}
}

// watchChanges debounces configuration-change signals into a single
// stop+start cycle per burst.
func (s *Supervisor) watchChanges() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.cfg.Changes():
			s.configChanged()
		}
	}
}

func (s *Supervisor) configChanged() {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateHealing {
		s.mu.Unlock()
		return
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	gen := s.generation
	s.debounceTimer = time.AfterFunc(s.opts.DebounceDelay, func() { s.debouncedRestart(gen) })
	s.mu.Unlock()
}

func (s *Supervisor) debouncedRestart(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info("configuration changed, restarting worker")
	if err := s.Stop(); err != nil {
		s.logger.Warn("stop during config restart", "error", err)
	}
	if err := s.Start(); err != nil {
		s.logger.Error("start during config restart", "error", err)
	}
}

// startWatchdog polls the helper for worker liveness while the worker
// was started through the privileged path.
func (s *Supervisor) startWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
	}
	s.watchCancel = cancel
	s.mu.Unlock()
	go s.watch(ctx)
}

func (s *Supervisor) stopWatchdogLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
}

func (s *Supervisor) watch(ctx context.Context) {
	ticker := time.NewTicker(s.opts.WatchdogInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := s.client.Send(protocol.Request{Command: protocol.CommandStatus})
			if err != nil {
				// Transient helper unavailability is not evidence the
				// worker died; do nothing, but stop looking transient
				// after a while.
				misses++
				if misses == unreachableWarnAfter {
					s.logger.Warn("helper unreachable, worker state unknown", "polls", misses)
				}
				continue
			}
			misses = 0
			if resp.Success && resp.Running != nil && !*resp.Running {
				s.childDied(errors.New("watchdog: worker no longer running"))
				return
			}
		}
	}
}

// invalidateLocked advances the generation token and stops pending
// timers, so work scheduled against the old generation becomes a no-op.
// Callers hold mu.
func (s *Supervisor) invalidateLocked() {
	s.generation++
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
}

// setStateLocked records the transition; callers hold mu.
func (s *Supervisor) setStateLocked(st State, reason string) {
	if s.state == st && s.errReason == reason {
		return
	}
	metrics.SetState(s.state.String(), false)
	metrics.SetState(st.String(), true)
	s.state = st
	s.errReason = reason
}

func (s *Supervisor) record(t history.EventType, pid int, detail string) {
	if s.opts.Journal == nil {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now(),
		PID:        pid,
		State:      s.State().String(),
		Detail:     detail,
	}
	if err := s.opts.Journal.Send(context.Background(), e); err != nil {
		s.logger.Warn("failed to journal lifecycle event", "error", err)
	}
}

// isTransport reports whether err is a transport-level failure (helper
// unreachable) rather than a refusal.
func isTransport(err error) bool {
	return errors.Is(err, ipc.ErrHelperNotInstalled) ||
		errors.Is(err, ipc.ErrConnectionFailed) ||
		errors.Is(err, ipc.ErrWriteFailed) ||
		errors.Is(err, ipc.ErrEmptyResponse)
}
