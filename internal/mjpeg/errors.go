package mjpeg

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyListening is returned by Start when the server is already listening.
	ErrAlreadyListening = errors.New("stream server already listening")
	// ErrNotListening is returned when an operation needs a running listener.
	ErrNotListening = errors.New("stream server not listening")
)

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ListenerError reports that the accept loop failed while the server was not
// shutting down. The server is stopped when this is reported.
type ListenerError struct {
	Addr string
	Err  error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s failed: %v", e.Addr, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// ClientIOError ends a single client's stream. It never leaves the worker
// except through logging and metrics.
type ClientIOError struct {
	ClientID string
	Op       string
	Err      error
}

func (e *ClientIOError) Error() string {
	return fmt.Sprintf("client %s: %s: %v", e.ClientID, e.Op, e.Err)
}

func (e *ClientIOError) Unwrap() error { return e.Err }
