package log

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// fileHookBufferSize is a default size for the fileHook's loglines channel.
const fileHookBufferSize = 100

// fileHook writes log entries to a local file from its own goroutine.
type fileHook struct {
	fallbackLogger logrus.FieldLogger
	loglines       chan []byte
	path           string
	w              io.WriteCloser
	bw             *bufio.Writer
	levels         []logrus.Level
	formatter      logrus.Formatter
	done           chan struct{}
}

// FileHookFromConfigLine returns a logrus hook configured by a line in the
// form `file=path[,level=debug][,format=json]`. The file is flushed and
// closed once ctx is done, after which the returned channel is closed.
func FileHookFromConfigLine(
	ctx context.Context, fallbackLogger logrus.FieldLogger, line string,
) (logrus.Hook, <-chan struct{}, error) {
	hook := &fileHook{
		fallbackLogger: fallbackLogger,
		levels:         logrus.AllLevels,
		done:           make(chan struct{}),
	}

	parts := strings.SplitN(line, "=", 2)
	if parts[0] != "file" {
		return nil, nil, fmt.Errorf("logfile configuration should be in the form `file=path-to-local-file` but is `%s`", line)
	}

	if err := hook.parseArgs(line); err != nil {
		return nil, nil, err
	}

	if err := hook.openFile(); err != nil {
		return nil, nil, err
	}

	hook.loglines = hook.loop(ctx)

	return hook, hook.done, nil
}

func (h *fileHook) parseArgs(line string) error {
	tokens, err := tokenize(line)
	if err != nil {
		return fmt.Errorf("error while parsing logfile configuration %w", err)
	}

	for _, token := range tokens {
		switch token.key {
		case "file":
			if token.value == "" {
				return fmt.Errorf("filepath must not be empty")
			}
			h.path = token.value
		case "level":
			h.levels, err = severityLevels(token.value)
			if err != nil {
				return err
			}
		case "format":
			switch token.value {
			case "json":
				h.formatter = &logrus.JSONFormatter{}
			case "text":
				h.formatter = &logrus.TextFormatter{DisableColors: true}
			default:
				return fmt.Errorf("unknown logfile format %q", token.value)
			}
		default:
			return fmt.Errorf("unknown logfile config key %s", token.key)
		}
	}

	return nil
}

// openFile opens logfile and initializes writers.
func (h *fileHook) openFile() error {
	if _, err := os.Stat(filepath.Dir(h.path)); os.IsNotExist(err) {
		return fmt.Errorf("provided directory '%s' does not exist", filepath.Dir(h.path))
	}

	file, err := os.OpenFile(h.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open logfile %s: %w", h.path, err)
	}

	h.w = file
	h.bw = bufio.NewWriter(file)

	return nil
}

func (h *fileHook) loop(ctx context.Context) chan []byte {
	loglines := make(chan []byte, fileHookBufferSize)

	go func() {
		defer close(h.done)
		for {
			select {
			case entry := <-loglines:
				if _, err := h.bw.Write(entry); err != nil {
					h.fallbackLogger.Errorf("failed to write a log message to a logfile: %v", err)
				}
			case <-ctx.Done():
				// drain what was queued before shutdown
				for {
					select {
					case entry := <-loglines:
						_, _ = h.bw.Write(entry)
						continue
					default:
					}
					break
				}
				if err := h.bw.Flush(); err != nil {
					h.fallbackLogger.Errorf("failed to flush buffer: %v", err)
				}
				if err := h.w.Close(); err != nil {
					h.fallbackLogger.Errorf("failed to close logfile: %v", err)
				}
				return
			}
		}
	}()

	return loglines
}

// Fire queues the entry for the writer goroutine.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	var (
		message []byte
		err     error
	)
	if h.formatter != nil {
		message, err = h.formatter.Format(entry)
	} else {
		message, err = entry.Bytes()
	}
	if err != nil {
		return fmt.Errorf("failed to get a log entry bytes: %w", err)
	}

	select {
	case h.loglines <- message:
	case <-h.done:
	}
	return nil
}

// severityLevels returns level and every level more severe than it.
func severityLevels(level string) ([]logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %s", level)
	}
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= lvl {
			levels = append(levels, l)
		}
	}
	return levels, nil
}

// Levels returns configured log levels.
func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}
