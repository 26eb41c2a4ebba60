package common

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimedOut is matched by every *TimeoutError.
	ErrTimedOut = errors.New("timed out")

	ErrConnectionClosed          = errors.New("connection closed")
	ErrSessionClosed             = errors.New("session closed")
	ErrFrameDetached             = errors.New("frame detached")
	ErrExecutionContextDestroyed = errors.New("execution context was destroyed")
	ErrBrowserDisconnected       = errors.New("browser has disconnected")
)

// TransportError reports a failure of the underlying message channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an error reply sent by the browser for a command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s (%d)", e.Method, e.Message, e.Code)
}

// Is reports the browser side "No session with given id" reply as a closed
// session.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrSessionClosed && strings.HasPrefix(e.Message, "No session with given id")
}

// TimeoutError is returned when an operation does not finish in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// TerminationError is returned when the scope of an operation, such as its
// session or frame, goes away before the operation finishes.
type TerminationError struct {
	Reason string
	Err    error
}

func (e *TerminationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// NavigationError is returned when the browser refuses or fails a navigation.
type NavigationError struct {
	URL string
	// Text is the errorText reported by Page.navigate, if any.
	Text string
	Err  error
}

func (e *NavigationError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("navigating to %q: %s", e.URL, e.Text)
	}
	return fmt.Sprintf("navigating to %q: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// InvariantError signals that the browser sent events contradicting the
// tracked frame tree. It is raised as a panic by event handlers and turned
// into a session termination by the session that dispatched the event.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

func invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}
