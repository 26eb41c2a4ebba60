// Package cmd implements the cdpctl command line tool.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/liuxd6825/cdpdriver/common"
	"github.com/liuxd6825/cdpdriver/config"
	"github.com/liuxd6825/cdpdriver/env"
	"github.com/liuxd6825/cdpdriver/log"
)

// BannerColor is the color of the tool description in the help output.
var BannerColor = color.New(color.FgCyan)

const (
	defaultConfigFileName = "config.yaml"
	configEnvKey          = "CDPDRIVER_CONFIG"
	waitFileLoggerTimeout = 5 * time.Second
)

// rootCommand keeps all fields needed for the main cdpctl command.
type rootCommand struct {
	ctx       context.Context
	cmd       *cobra.Command
	fs        afero.Fs
	console   *console
	lookupEnv env.LookupFunc

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
	driverLogger   *log.Logger
	loggerStopped  <-chan struct{}

	configPath string
	verbose    bool
	traces     bool
	conf       config.Config

	tracerProvider *sdktrace.TracerProvider
}

func newRootCommand(ctx context.Context, fs afero.Fs, con *console, lookupEnv env.LookupFunc) *rootCommand {
	c := &rootCommand{
		ctx:       ctx,
		fs:        fs,
		console:   con,
		lookupEnv: lookupEnv,
		logger: &logrus.Logger{
			Out:       con.stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		fallbackLogger: &logrus.Logger{
			Out:       con.stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
	if p, ok := lookupEnv(configEnvKey); ok {
		c.configPath = p
	}

	c.cmd = &cobra.Command{
		Use:                "cdpctl",
		Short:              "drive a browser over the Chrome DevTools Protocol",
		Long:               BannerColor.Sprint("\ncdpctl connects to a running browser and drives its pages."),
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  c.persistentPreRunE,
		PersistentPostRunE: c.persistentPostRunE,
	}
	c.cmd.SetOut(con.stdout)
	c.cmd.SetErr(con.stderr)
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	c.cmd.AddCommand(
		getGotoCmd(c),
		getFramesCmd(c),
		getVersionCmd(c),
	)

	return c
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false

	defaultConfigPath := defaultConfigFileName
	if dir, err := os.UserConfigDir(); err == nil {
		defaultConfigPath = filepath.Join(dir, "cdpdriver", defaultConfigFileName)
	}
	if c.configPath == "" {
		c.configPath = defaultConfigPath
	}
	flags.StringVarP(&c.configPath, "config", "c", c.configPath, "YAML config file")
	flags.Lookup("config").DefValue = defaultConfigPath

	flags.String("ws-url", "", "browser DevTools `url`, or a comma separated list of them")
	flags.Duration("timeout", common.DefaultTimeout, "default timeout of waits")
	flags.Duration("navigation-timeout", common.DefaultTimeout, "default timeout of navigations")
	flags.Duration("command-timeout", common.DefaultCommandTimeout, "timeout of single protocol commands, 0 waits until the session closes")
	flags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flags.String("log-output", "stderr",
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.String("log-category-filter", "", "only log driver categories matching this `regexp`")
	flags.Bool("no-color", false, "disable colored output")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.traces, "traces", false, "log a trace span for every navigation")

	return flags
}

// cliConfig collects the configuration given through flags.
func cliConfig(flags *pflag.FlagSet) config.Config {
	return config.Config{
		WSURL:             getNullString(flags, "ws-url"),
		Timeout:           getNullDuration(flags, "timeout"),
		NavigationTimeout: getNullDuration(flags, "navigation-timeout"),
		CommandTimeout:    getNullDuration(flags, "command-timeout"),
		LogLevel:          getNullString(flags, "log-level"),
		LogOutput:         getNullString(flags, "log-output"),
		LogCategoryFilter: getNullString(flags, "log-category-filter"),
		NoColor:           getNullBool(flags, "no-color"),
	}
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	conf, err := config.Consolidate(c.fs, c.configPath, c.lookupEnv, cliConfig(cmd.Flags()))
	if err != nil {
		return withExitCodeIfNone(err, exitInvalidConfig)
	}
	c.conf = conf

	if conf.NoColor.Bool {
		c.console.disableColors()
	}
	c.loggerStopped, err = c.setupLoggers()
	if err != nil {
		return withExitCodeIfNone(err, exitInvalidConfig)
	}
	if c.traces {
		c.tracerProvider = newLogTracerProvider(c.logger)
	}
	stdlog.SetOutput(c.logger.Writer())
	c.logger.Debugf("config: %+v", c.conf)

	return nil
}

func (c *rootCommand) persistentPostRunE(*cobra.Command, []string) error {
	if c.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFileLoggerTimeout)
	defer cancel()
	if err := c.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}

// setupLoggers configures the tool logger and the driver logger on top of
// it. The returned channel is closed once a file logger has flushed after
// the root context is done, and is closed right away otherwise.
func (c *rootCommand) setupLoggers() (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)

	level := c.conf.LogLevel.String
	if c.verbose {
		level = "debug"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	c.logger.SetLevel(lvl)

	output := c.conf.LogOutput.String
	switch {
	case output == "stderr":
		c.logger.SetOutput(c.console.stderr)
	case output == "stdout":
		c.logger.SetOutput(c.console.stdout)
	case output == "none":
		c.logger.SetOutput(io.Discard)
	case strings.HasPrefix(output, "file"):
		hook, done, err := log.FileHookFromConfigLine(c.ctx, c.fallbackLogger, output)
		if err != nil {
			return nil, err
		}
		c.logger.AddHook(hook)
		c.logger.SetOutput(io.Discard)
		ch = make(chan struct{})
		go func() {
			<-done
			close(ch)
		}()
	default:
		return nil, fmt.Errorf("unsupported log output '%s'", output)
	}
	c.logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:   c.console.stderr.isTTY && !c.conf.NoColor.Bool,
		DisableColors: c.conf.NoColor.Bool,
	})

	var filter *regexp.Regexp
	if f := c.conf.LogCategoryFilter.String; f != "" {
		if filter, err = regexp.Compile(f); err != nil {
			return nil, fmt.Errorf("invalid log category filter %q: %w", f, err)
		}
	}
	c.driverLogger = log.New(c.logger, false, filter)

	return ch, nil
}

func (c *rootCommand) waitFileLogger() {
	if c.loggerStopped == nil {
		return
	}
	select {
	case <-c.loggerStopped:
	case <-time.After(waitFileLoggerTimeout):
		c.fallbackLogger.Errorf("file logger didn't stop in %s", waitFileLoggerTimeout)
	}
}

// connect tries the configured endpoints in order and returns the first
// browser that accepts the connection.
func (c *rootCommand) connect(ctx context.Context) (*common.Browser, error) {
	urls := c.conf.WSURLs()
	if len(urls) == 0 {
		return nil, withExitCodeIfNone(
			fmt.Errorf("no browser endpoint, set --ws-url or %s", env.WSURL), exitInvalidConfig)
	}

	opts := c.conf.BrowserOptions()
	opts.Metrics = common.NewMetrics()
	if c.tracerProvider != nil {
		opts.TracerProvider = c.tracerProvider
	}

	var errs []error
	for _, u := range urls {
		b, err := common.Connect(ctx, u, c.driverLogger, opts)
		if err == nil {
			return b, nil
		}
		c.logger.WithError(err).Warnf("connecting to %s", u)
		errs = append(errs, err)
	}

	return nil, withExitCodeIfNone(&userFriendlyError{errors.Join(errs...)}, exitConnectionFailed)
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := newRootCommand(ctx, afero.NewOsFs(), newConsole(), env.Lookup)
	err := c.cmd.ExecuteContext(ctx)
	if err != nil {
		c.logger.Error(err)
		if strings.HasPrefix(c.conf.LogOutput.String, "file") {
			c.fallbackLogger.Error(err)
		}
	}
	stop()
	c.waitFileLogger()
	if err != nil {
		os.Exit(exitCodeOf(err)) //nolint:gocritic
	}
}
