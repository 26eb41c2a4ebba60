package common

import (
	"fmt"
	"strconv"
	"time"
)

// FrameGotoOptions configures Frame.Goto.
type FrameGotoOptions struct {
	Referer   string
	Timeout   time.Duration
	WaitUntil []LifecycleEvent
}

// FrameWaitForNavigationOptions configures Frame.WaitForNavigation.
type FrameWaitForNavigationOptions struct {
	Timeout   time.Duration
	WaitUntil []LifecycleEvent
}

// FrameWaitForLoadStateOptions configures Frame.WaitForLoadState.
type FrameWaitForLoadStateOptions struct {
	Timeout time.Duration
}

// FrameWaitForFunctionOptions configures Frame.WaitForFunction.
type FrameWaitForFunctionOptions struct {
	Polling time.Duration
	Timeout time.Duration
}

func NewFrameGotoOptions(defaultReferer string, defaultTimeout time.Duration) *FrameGotoOptions {
	return &FrameGotoOptions{
		Referer:   defaultReferer,
		Timeout:   defaultTimeout,
		WaitUntil: []LifecycleEvent{LifecycleEventLoad},
	}
}

// Parse applies string options as they arrive from the command line or a
// config file. Recognized keys are referer, timeout (milliseconds or a Go
// duration) and waitUntil (comma separated lifecycle events).
func (o *FrameGotoOptions) Parse(opts map[string]string) error {
	for k, v := range opts {
		var err error
		switch k {
		case "referer":
			o.Referer = v
		case "timeout":
			o.Timeout, err = parseTimeout(v)
		case "waitUntil":
			o.WaitUntil, err = ParseLifecycleEvents(v)
		default:
			err = fmt.Errorf("unknown option %q", k)
		}
		if err != nil {
			return fmt.Errorf("error parsing goto options: %w", err)
		}
	}

	return nil
}

func NewFrameWaitForNavigationOptions(defaultTimeout time.Duration) *FrameWaitForNavigationOptions {
	return &FrameWaitForNavigationOptions{
		Timeout:   defaultTimeout,
		WaitUntil: []LifecycleEvent{LifecycleEventLoad},
	}
}

func (o *FrameWaitForNavigationOptions) Parse(opts map[string]string) error {
	for k, v := range opts {
		var err error
		switch k {
		case "timeout":
			o.Timeout, err = parseTimeout(v)
		case "waitUntil":
			o.WaitUntil, err = ParseLifecycleEvents(v)
		default:
			err = fmt.Errorf("unknown option %q", k)
		}
		if err != nil {
			return fmt.Errorf("error parsing waitForNavigation options: %w", err)
		}
	}

	return nil
}

func NewFrameWaitForFunctionOptions(defaultTimeout time.Duration) *FrameWaitForFunctionOptions {
	return &FrameWaitForFunctionOptions{
		Polling: waitForFunctionPolling,
		Timeout: defaultTimeout,
	}
}

// parseTimeout accepts a bare number of milliseconds or a duration string.
func parseTimeout(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("timeout must not be negative: %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative: %s", d)
	}

	return d, nil
}
