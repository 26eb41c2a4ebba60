package cmd

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// console serializes the command output to stdout and stderr.
type console struct {
	stdout, stderr *consoleWriter
	theme          *theme
}

type theme struct {
	foreground *color.Color
	success    *color.Color
	failure    *color.Color
}

func newConsole() *console {
	mx := &sync.Mutex{}
	outTTY := isTTY(os.Stdout)
	errTTY := isTTY(os.Stderr)

	return &console{
		stdout: &consoleWriter{Writer: colorable.NewColorableStdout(), isTTY: outTTY, mutex: mx},
		stderr: &consoleWriter{Writer: colorable.NewColorableStderr(), isTTY: errTTY, mutex: mx},
		theme:  newTheme(outTTY),
	}
}

// newBufferedConsole writes to the given writers and never colors its output.
func newBufferedConsole(stdout, stderr io.Writer) *console {
	mx := &sync.Mutex{}
	return &console{
		stdout: &consoleWriter{Writer: stdout, mutex: mx},
		stderr: &consoleWriter{Writer: stderr, mutex: mx},
	}
}

func isTTY(f *os.File) bool {
	return os.Getenv("TERM") != "dumb" && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func newTheme(tty bool) *theme {
	if !tty {
		return nil
	}
	return &theme{
		foreground: newColor(color.FgCyan),
		success:    newColor(color.FgGreen),
		failure:    newColor(color.FgRed, color.Bold),
	}
}

// disableColors strips every escape sequence from the output.
func (c *console) disableColors() {
	c.theme = nil
	c.stdout.Writer = colorable.NewNonColorable(c.stdout.Writer)
	c.stderr.Writer = colorable.NewNonColorable(c.stderr.Writer)
}

func (c *console) paint(col func(*theme) *color.Color, s string) string {
	if c.theme == nil {
		return s
	}
	return col(c.theme).Sprint(s)
}

func (c *console) highlight(s string) string {
	return c.paint(func(t *theme) *color.Color { return t.foreground }, s)
}

func (c *console) statusColor(ok bool, s string) string {
	if ok {
		return c.paint(func(t *theme) *color.Color { return t.success }, s)
	}
	return c.paint(func(t *theme) *color.Color { return t.failure }, s)
}

type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.isTTY {
		// Erase till the end of line with each new line
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.mutex.Lock()
	n, err = w.Writer.Write(p)
	w.mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}

// newColor returns the requested color with the given attributes.
func newColor(attributes ...color.Attribute) *color.Color {
	c := color.New(attributes...)
	c.EnableColor()
	return c
}
