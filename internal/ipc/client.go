package ipc

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/victor-siu/siftly-mac/internal/protocol"
)

// roundTripTimeout bounds one whole request/response exchange.
const roundTripTimeout = 5 * time.Second

// Client is the unprivileged side of the helper protocol. Send is
// synchronous; callers on a UI thread should issue it from a background
// goroutine.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{socketPath: socketPath, timeout: roundTripTimeout}
}

// Available reports whether the rendezvous socket exists. It is an
// optimistic hint only: the socket can exist with no listener behind
// it, so callers must still handle ErrConnectionFailed from Send.
func (c *Client) Available() bool {
	fi, err := os.Stat(c.socketPath)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

// Send performs one request/response round trip. Transport failures
// surface as the sentinel errors in this package so callers can tell
// "helper says no" from "helper unreachable".
func (c *Client) Send(req protocol.Request) (protocol.Response, error) {
	if _, err := os.Stat(c.socketPath); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %s", ErrHelperNotInstalled, c.socketPath)
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	// Half-close signals end-of-request; the server reads one message
	// and replies, then we read to EOF for the full response.
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	raw, err := io.ReadAll(conn)
	if err != nil && len(raw) == 0 {
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrEmptyResponse, err)
	}
	if len(raw) == 0 {
		return protocol.Response{}, ErrEmptyResponse
	}

	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}
