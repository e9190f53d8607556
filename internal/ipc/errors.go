package ipc

import "errors"

// Client-side transport errors. These are deliberately distinct from a
// failure Response: a failure Response means the helper said no, these
// mean the helper could not be reached at all. Callers use errors.Is to
// pick fallback behavior.
var (
	// ErrHelperNotInstalled means the rendezvous socket does not exist.
	ErrHelperNotInstalled = errors.New("helper socket not present")

	// ErrConnectionFailed means the socket exists but connecting failed,
	// typically because no daemon is listening.
	ErrConnectionFailed = errors.New("failed to connect to helper")

	// ErrWriteFailed means the request could not be fully written.
	ErrWriteFailed = errors.New("failed to write request to helper")

	// ErrEmptyResponse means the helper closed the connection without
	// sending a response.
	ErrEmptyResponse = errors.New("empty response from helper")
)
