// Package ipc carries commands between the unprivileged app and the
// privileged helper over a local unix stream socket. Connections are
// one-shot: one request, one response, close.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/victor-siu/siftly-mac/internal/console"
	"github.com/victor-siu/siftly-mac/internal/metrics"
	"github.com/victor-siu/siftly-mac/internal/procmgr"
	"github.com/victor-siu/siftly-mac/internal/protocol"
	"github.com/victor-siu/siftly-mac/internal/validate"
)

// DefaultSocketPath is the well-known rendezvous point. The installer
// creates the parent directory; the helper owns the socket itself.
const DefaultSocketPath = "/var/run/com.victorsiu.siftly.helper.sock"

// handlerDeadline bounds one connection's whole read+write cycle. The
// client gives up after 5s; this only keeps abandoned connections from
// pinning goroutines.
const handlerDeadline = 10 * time.Second

// Server is the privileged half: it accepts connections, gates them on
// the caller's identity, validates paths, and drives the process
// manager.
type Server struct {
	socketPath string
	rules      validate.Rules
	mgr        *procmgr.Manager
	logger     *slog.Logger
	ln         *net.UnixListener

	// Overridable for tests.
	consoleUID func() (uint32, error)
	peerUID    func(*net.UnixConn) (uint32, error)
}

func NewServer(socketPath string, rules validate.Rules, mgr *procmgr.Manager, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		rules:      rules,
		mgr:        mgr,
		logger:     logger,
		consoleUID: console.UID,
		peerUID:    peerUID,
	}
}

// Listen binds the rendezvous socket, replacing any stale artifact from
// a previous run. The socket is world-connectable; actual command
// execution is gated by the per-connection identity check, not by file
// permission bits, because the path must be installable by root yet
// reachable by the console user.
func (s *Server) Listen() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("create helper socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		_ = ln.Close()
		_ = os.Remove(s.socketPath)
		return fmt.Errorf("set socket permissions: %w", err)
	}
	s.ln = ln.(*net.UnixListener)
	s.logger.Info("helper listening", "socket", s.socketPath)
	return nil
}

// Serve runs the accept loop until the listener is closed or ctx is
// canceled. Each connection is handled on its own goroutine so one slow
// client cannot stall others.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("serve called before listen")
	}
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		go s.handle(conn)
	}
}

// Close shuts the listener and unlinks the rendezvous socket so a
// subsequent run can bind cleanly.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	_ = os.Remove(s.socketPath)
	return err
}

// handle serves one connection: identity gate, bounded read, dispatch,
// single response. A peer that is not the console user gets no response
// at all.
func (s *Server) handle(conn *net.UnixConn) {
	defer func() { _ = conn.Close() }()

	uid, err := s.peerUID(conn)
	if err != nil {
		s.logger.Warn("could not resolve peer identity, dropping connection", "error", err)
		return
	}
	consoleUID, err := s.consoleUID()
	if err != nil {
		s.logger.Warn("could not resolve console user, dropping connection", "error", err)
		return
	}
	if uid != consoleUID {
		s.logger.Warn("rejected connection from non-console user",
			"peer_uid", uid, "console_uid", consoleUID)
		return
	}

	_ = conn.SetDeadline(time.Now().Add(handlerDeadline))

	buf := make([]byte, protocol.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		s.logger.Warn("failed to read request", "error", err)
		return
	}

	resp := s.dispatch(buf[:n])
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// dispatch decodes one request, runs the allow-list checks for start
// and restart, and applies the command. Validation and spawn failures
// come back as failure responses, never as dropped connections.
func (s *Server) dispatch(data []byte) protocol.Response {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		s.logger.Warn("rejected request", "error", err)
		metrics.IncCommand("invalid", "error")
		return protocol.Failure("%v", err)
	}

	resp := s.apply(req)
	result := "ok"
	if !resp.Success {
		result = "error"
	}
	metrics.IncCommand(string(req.Command), result)
	return resp
}

func (s *Server) apply(req protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.CommandStart, protocol.CommandRestart:
		if err := s.rules.AllowedBinary(req.BinaryPath); err != nil {
			s.logger.Warn("rejected binary path", "path", req.BinaryPath, "error", err)
			return protocol.Failure("%v", err)
		}
		if err := s.rules.AllowedConfigPath(req.ConfigPath); err != nil {
			s.logger.Warn("rejected config path", "path", req.ConfigPath, "error", err)
			return protocol.Failure("%v", err)
		}
		pid, err := s.mgr.Start(req.BinaryPath, req.ConfigPath)
		if err != nil {
			return protocol.Failure("failed to start worker: %v", err)
		}
		return protocol.Response{Success: true, PID: pid, Running: protocol.Bool(true)}

	case protocol.CommandStop:
		if err := s.mgr.Stop(); err != nil {
			return protocol.Failure("failed to stop worker: %v", err)
		}
		return protocol.Response{Success: true, Running: protocol.Bool(false)}

	case protocol.CommandStatus:
		pid, running := s.mgr.Status()
		resp := protocol.Response{Success: true, Running: protocol.Bool(running)}
		if running {
			resp.PID = pid
		}
		return resp
	}
	// Unreachable: DecodeRequest rejects unknown commands.
	return protocol.Failure("unknown command %q", req.Command)
}
