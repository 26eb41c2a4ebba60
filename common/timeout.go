package common

import (
	"sync"
	"time"
)

// TimeoutSettings holds the default timeouts of a browser, page or frame.
// Unset values fall back to the parent settings and then to DefaultTimeout.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu                       sync.RWMutex
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

// SetDefaultTimeout sets the timeout used by waits and, unless overridden,
// by navigations.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

// SetDefaultNavigationTimeout sets the timeout used by navigations.
func (t *TimeoutSettings) SetDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultNavigationTimeout = &timeout
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	t.mu.RLock()
	nav, def := t.defaultNavigationTimeout, t.defaultTimeout
	t.mu.RUnlock()

	if nav != nil {
		return *nav
	}
	if def != nil {
		return *def
	}
	if t.parent != nil {
		return t.parent.navigationTimeout()
	}
	return DefaultTimeout
}

func (t *TimeoutSettings) timeout() time.Duration {
	t.mu.RLock()
	def := t.defaultTimeout
	t.mu.RUnlock()

	if def != nil {
		return *def
	}
	if t.parent != nil {
		return t.parent.timeout()
	}
	return DefaultTimeout
}
