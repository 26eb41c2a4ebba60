package log

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct {
	io.Writer
	closed chan struct{}
}

func (nc *nopCloser) Close() error {
	close(nc.closed)
	return nil
}

func TestFileHookFromConfigLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := [...]struct {
		name       string
		line       string
		errMessage string
		levels     []logrus.Level
	}{
		{name: "no_path", line: "file", errMessage: "error while parsing logfile configuration key `file` with no value"},
		{name: "info", line: "file=" + filepath.Join(dir, "info.log") + ",level=info", levels: logrus.AllLevels[:5]},
		{name: "json", line: "file=" + filepath.Join(dir, "json.log") + ",format=json", levels: logrus.AllLevels},
		{name: "missing_dir", line: "file=" + filepath.Join(dir, "a", "c", "x.log"), errMessage: "provided directory"},
		{name: "empty_path", line: "file=,level=info", errMessage: "filepath must not be empty"},
		{name: "bad_level", line: "file=" + filepath.Join(dir, "l.log") + ",level=tea", errMessage: "unknown log level tea"},
		{name: "bad_format", line: "file=" + filepath.Join(dir, "f.log") + ",format=xml", errMessage: `unknown logfile format "xml"`},
		{name: "unknown_key", line: "file=" + filepath.Join(dir, "u.log") + ",unknown=something", errMessage: "unknown logfile config key unknown"},
		{
			name:       "not_file",
			line:       "unknown=something",
			errMessage: "logfile configuration should be in the form `file=path-to-local-file` but is `unknown=something`",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			hook, done, err := FileHookFromConfigLine(ctx, logrus.New(), tt.line)
			if tt.errMessage != "" {
				cancel()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.levels, hook.Levels())

			cancel()
			<-done
		})
	}
}

func TestFileHookFire(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	nc := &nopCloser{
		Writer: &buffer,
		closed: make(chan struct{}),
	}

	hook := &fileHook{
		w:      nc,
		bw:     bufio.NewWriter(nc),
		levels: logrus.AllLevels,
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	hook.loglines = hook.loop(ctx)

	logger := logrus.New()
	logger.AddHook(hook)
	logger.SetOutput(io.Discard)

	logger.Info("frame navigated")

	cancel()
	<-nc.closed
	<-hook.done

	assert.Contains(t, buffer.String(), "frame navigated")
}

func TestFileHookWritesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cdp.log")
	ctx, cancel := context.WithCancel(context.Background())
	hook, done, err := FileHookFromConfigLine(ctx, logrus.New(), "file="+path+",format=json,level=debug")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.TraceLevel)
	logger.AddHook(hook)

	logger.WithField("sid", "A1").Debug("session attached")
	logger.Trace("filtered out")

	cancel()
	<-done

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"sid":"A1"`)
	assert.Contains(t, string(got), `"msg":"session attached"`)
	assert.NotContains(t, string(got), "filtered out")
}
