package common

import "time"

const (
	// Defaults

	DefaultTimeout time.Duration = 30 * time.Second

	// DefaultCommandTimeout of zero waits for command replies until the
	// session closes.
	DefaultCommandTimeout time.Duration = 0

	// UtilityWorldName names the isolated world the driver evaluates its
	// own scripts in.
	UtilityWorldName = "__cdpdriver_utility_world__"

	evaluationScriptURL = "__cdpdriver_evaluation_script__"

	// Transport

	wsHandshakeTimeout  = 60 * time.Second
	wsWriteBufferSize   = 1 << 20
	wsCloseWriteTimeout = 1 * time.Second

	// waitForFunctionPolling is the default interval between predicate runs.
	waitForFunctionPolling = 100 * time.Millisecond
)
