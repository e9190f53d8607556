// Package protocol defines the request/response messages exchanged
// between the unprivileged app and the privileged helper over the local
// socket. One request and one response per connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds a single request read on the server side.
const MaxMessageSize = 8 * 1024

// Command identifies the operation requested from the helper.
type Command string

const (
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
	CommandStatus  Command = "status"
)

// Request is sent by the app to the helper. BinaryPath and ConfigPath
// are required for start and restart and ignored otherwise.
type Request struct {
	Command    Command `json:"command"`
	BinaryPath string  `json:"binaryPath,omitempty"`
	ConfigPath string  `json:"configPath,omitempty"`
}

// Response is sent by the helper back to the app. PID and Running
// reflect the worker state after the command; Message is set only on
// failure.
type Response struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	Running *bool  `json:"running,omitempty"`
	Message string `json:"message,omitempty"`
}

// Validate checks per-command required fields. A well-formed but
// incomplete request is rejected here, before dispatch.
func (r Request) Validate() error {
	switch r.Command {
	case CommandStart, CommandRestart:
		if r.BinaryPath == "" {
			return fmt.Errorf("command %q requires binaryPath", r.Command)
		}
		if r.ConfigPath == "" {
			return fmt.Errorf("command %q requires configPath", r.Command)
		}
	case CommandStop, CommandStatus:
		// No arguments.
	default:
		return fmt.Errorf("unknown command %q", r.Command)
	}
	return nil
}

// EncodeRequest serializes a request for the wire.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses and validates one request. Malformed bytes or a
// request missing per-command fields yield an error, never a panic.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("malformed request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// EncodeResponse serializes a response for the wire.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses one response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

// Failure builds a failure response with a human-readable reason.
func Failure(format string, args ...any) Response {
	return Response{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Bool returns a pointer for the optional Running field.
func Bool(v bool) *bool { return &v }
