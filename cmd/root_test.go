package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/cdpdriver/common"
	"github.com/liuxd6825/cdpdriver/env"
	"github.com/liuxd6825/cdpdriver/tests/ws"
)

type testRun struct {
	stdout, stderr *bytes.Buffer
	err            error
}

// runCmd executes cdpctl with args. The config file is pointed at a path
// that does not exist unless args set one.
func runCmd(t *testing.T, vars map[string]string, args ...string) testRun {
	t.Helper()
	return runCmdWithFs(t, afero.NewMemMapFs(), vars, args...)
}

func runCmdWithFs(t *testing.T, fs afero.Fs, vars map[string]string, args ...string) testRun {
	t.Helper()

	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if vars == nil {
		vars = map[string]string{}
	}
	if _, ok := vars[configEnvKey]; !ok {
		vars[configEnvKey] = "/nonexistent/cdpdriver.yaml"
	}
	c := newRootCommand(ctx, fs, newBufferedConsole(&stdout, &stderr), env.ConstLookup(vars))
	c.cmd.SetArgs(args)
	err := c.cmd.ExecuteContext(ctx)

	return testRun{stdout: &stdout, stderr: &stderr, err: err}
}

func newPageServer(t *testing.T) *ws.Server {
	t.Helper()
	return ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPPageHandler, nil))
}

func TestCLIConfigFromFlags(t *testing.T) {
	t.Parallel()

	c := newRootCommand(context.Background(), afero.NewMemMapFs(), newBufferedConsole(&bytes.Buffer{}, &bytes.Buffer{}), env.ConstLookup(nil))
	flags := c.rootCmdPersistentFlagSet()
	require.NoError(t, flags.Parse([]string{
		"--ws-url", "ws://127.0.0.1:9222/x",
		"--navigation-timeout", "3s",
		"--no-color",
	}))

	conf := cliConfig(flags)
	assert.True(t, conf.WSURL.Valid)
	assert.Equal(t, "ws://127.0.0.1:9222/x", conf.WSURL.String)
	assert.True(t, conf.NavigationTimeout.Valid)
	assert.Equal(t, 3*time.Second, conf.NavigationTimeout.TimeDuration())
	assert.True(t, conf.NoColor.Bool)

	// defaults are reported but never override other layers
	assert.False(t, conf.Timeout.Valid)
	assert.Equal(t, common.DefaultTimeout, conf.Timeout.TimeDuration())
	assert.False(t, conf.LogLevel.Valid)
	assert.False(t, conf.LogOutput.Valid)
}

func TestGotoCommand(t *testing.T) {
	t.Parallel()

	srv := newPageServer(t)

	t.Run("response", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "goto", "--ws-url", srv.WSURL("/cdp"), "--log-output", "none",
			"--headers", "https://example.com/")
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout.String(), "200 OK https://example.com/\n")
		assert.Contains(t, r.stdout.String(), "content-type: text/html\n")
	})

	t.Run("endpoint from environment", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, map[string]string{env.WSURL: srv.WSURL("/cdp")},
			"goto", "--log-output", "none", "--wait-until", "domcontentloaded", "https://example.com/a")
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout.String(), "200 OK https://example.com/a\n")
	})

	t.Run("metrics", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "goto", "--ws-url", srv.WSURL("/cdp"), "--log-output", "none",
			"--print-metrics", "https://example.com/")
		require.NoError(t, r.err)
		out := r.stdout.String()
		assert.Contains(t, out, "# TYPE cdpdriver_navigations_total counter")
		assert.Contains(t, out, "cdpdriver_commands_total")
	})

	t.Run("traces", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "goto", "--ws-url", srv.WSURL("/cdp"), "--log-output", "stdout",
			"--traces", "https://example.com/")
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout.String(), "frame.goto")
	})

	t.Run("navigation error", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "goto", "--ws-url", srv.WSURL("/cdp"), "--log-output", "none",
			"https://"+ws.UnreachableHost+"/")
		require.ErrorContains(t, r.err, "net::ERR_NAME_NOT_RESOLVED")
		assert.Equal(t, int(exitNavigationFailed), exitCodeOf(r.err))
		assert.Empty(t, r.stdout.String())
	})

	t.Run("invalid wait until", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "goto", "--ws-url", srv.WSURL("/cdp"), "--wait-until", "never", "https://example.com/")
		require.ErrorContains(t, r.err, "invalid lifecycle event")
		assert.Equal(t, int(exitInvalidConfig), exitCodeOf(r.err))
	})

	t.Run("missing url", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "goto", "--ws-url", srv.WSURL("/cdp"))
		require.ErrorContains(t, r.err, "arg should be the URL to navigate to")
	})
}

func TestFramesCommand(t *testing.T) {
	t.Parallel()

	srv := newPageServer(t)
	r := runCmd(t, nil, "frames", "--ws-url", srv.WSURL("/cdp"), "--log-output", "none", "https://example.com/")
	require.NoError(t, r.err)

	want := fmt.Sprintf("%s https://example.com/\n  %s about:srcdoc\n", ws.DefaultFrameID, ws.DefaultChildFrameID)
	assert.Equal(t, want, r.stdout.String())
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	srv := newPageServer(t)
	r := runCmd(t, nil, "version", "--ws-url", srv.WSURL("/cdp"), "--log-output", "none")
	require.NoError(t, r.err)
	assert.Equal(t, "browser 118.0.5993.0\nuser agent "+ws.DefaultUserAgent+"\n", r.stdout.String())
}

func TestConnectErrors(t *testing.T) {
	t.Parallel()

	t.Run("no endpoint", func(t *testing.T) {
		t.Parallel()

		r := runCmd(t, nil, "version", "--log-output", "none")
		require.ErrorContains(t, r.err, "no browser endpoint")
		assert.Equal(t, int(exitInvalidConfig), exitCodeOf(r.err))
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		t.Parallel()

		srv := ws.NewServer(t)
		r := runCmd(t, nil, "version", "--log-output", "none", "--ws-url", srv.WSURL("/not-a-websocket"))
		require.Error(t, r.err)
		assert.Equal(t, int(exitConnectionFailed), exitCodeOf(r.err))
	})
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	srv := newPageServer(t)
	fs := afero.NewMemMapFs()
	const path = "/home/user/.config/cdpdriver/config.yaml"
	content := fmt.Sprintf("wsURL: %s\nlogOutput: none\n", srv.WSURL("/cdp"))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o600))

	t.Run("flag", func(t *testing.T) {
		t.Parallel()

		r := runCmdWithFs(t, fs, nil, "version", "--config", path)
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout.String(), "browser 118.0.5993.0\n")
	})

	t.Run("environment", func(t *testing.T) {
		t.Parallel()

		r := runCmdWithFs(t, fs, map[string]string{configEnvKey: path}, "version")
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout.String(), "browser 118.0.5993.0\n")
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		bad := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(bad, path, []byte("timeout: [1, 2]\n"), 0o600))
		r := runCmdWithFs(t, bad, nil, "version", "--config", path)
		require.ErrorContains(t, r.err, "parsing config file")
		assert.Equal(t, int(exitInvalidConfig), exitCodeOf(r.err))
	})
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "log output",
			args:    []string{"version", "--log-output", "syslog"},
			wantErr: "unsupported log output 'syslog'",
		},
		{
			name:    "log level",
			args:    []string{"version", "--log-level", "loud"},
			wantErr: `invalid log level "loud"`,
		},
		{
			name:    "category filter",
			args:    []string{"version", "--log-category-filter", "("},
			wantErr: "invalid log category filter",
		},
		{
			name:    "ws url",
			args:    []string{"version", "--ws-url", "http://127.0.0.1:9222"},
			wantErr: "ws or wss scheme",
		},
		{
			name:    "negative timeout",
			args:    []string{"version", "--timeout", "-1s"},
			wantErr: "timeout must not be negative",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := runCmd(t, nil, tt.args...)
			require.ErrorContains(t, r.err, tt.wantErr)
			assert.Equal(t, int(exitInvalidConfig), exitCodeOf(r.err))
		})
	}
}

func TestUserFriendlyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "plain", err: errors.New("boom"), want: "boom"},
		{
			name: "deadline",
			err:  fmt.Errorf("getting version: %w", context.DeadlineExceeded),
			want: "getting version: timed out",
		},
		{name: "canceled", err: fmt.Errorf("x: %w", context.Canceled), want: "canceled"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := &userFriendlyError{tt.err}
			assert.Equal(t, tt.want, err.Error())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestExitCodes(t *testing.T) {
	t.Parallel()

	err := withExitCodeIfNone(errors.New("bad"), exitInvalidConfig)
	assert.Equal(t, int(exitInvalidConfig), exitCodeOf(err))

	// the innermost code wins
	wrapped := withExitCodeIfNone(fmt.Errorf("outer: %w", err), exitConnectionFailed)
	assert.Equal(t, int(exitInvalidConfig), exitCodeOf(wrapped))

	assert.Equal(t, -1, exitCodeOf(errors.New("unclassified")))
	assert.NoError(t, withExitCodeIfNone(nil, exitInvalidConfig))

	assert.Equal(t, exitNavigationTimeout, navigationExitCode(&common.TimeoutError{Op: "navigation", Timeout: time.Second}))
	assert.Equal(t, exitNavigationFailed, navigationExitCode(&common.NavigationError{URL: "x", Text: "net::ERR_FAILED"}))
}
