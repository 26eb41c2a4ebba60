package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/liuxd6825/cdpdriver/common"
)

// ExitCode is the process exit status attached to a command error.
type ExitCode uint8

const (
	exitInvalidConfig     ExitCode = 104
	exitConnectionFailed  ExitCode = 105
	exitNavigationFailed  ExitCode = 106
	exitNavigationTimeout ExitCode = 107
)

type withExitCode struct {
	error
	code ExitCode
}

func (e withExitCode) Unwrap() error { return e.error }

// withExitCodeIfNone attaches code to err unless err already carries one.
func withExitCodeIfNone(err error, code ExitCode) error {
	if err == nil {
		return nil
	}
	var ec withExitCode
	if errors.As(err, &ec) {
		return err
	}
	return withExitCode{err, code}
}

// exitCodeOf returns the exit status for err, defaulting to -1 like any
// unclassified failure.
func exitCodeOf(err error) int {
	var ec withExitCode
	if errors.As(err, &ec) {
		return int(ec.code)
	}
	return -1
}

// navigationExitCode classifies a failed navigation.
func navigationExitCode(err error) ExitCode {
	var terr *common.TimeoutError
	if errors.As(err, &terr) || errors.Is(err, context.DeadlineExceeded) {
		return exitNavigationTimeout
	}
	return exitNavigationFailed
}

type userFriendlyError struct{ err error }

func (e *userFriendlyError) Unwrap() error { return e.err }

func (e *userFriendlyError) Error() string {
	switch {
	default:
		return e.err.Error()
	case e.err == nil:
		return ""
	case errors.Is(e.err, context.DeadlineExceeded):
		return strings.ReplaceAll(e.err.Error(), context.DeadlineExceeded.Error(), "timed out")
	case errors.Is(e.err, context.Canceled):
		return "canceled"
	}
}
