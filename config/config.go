// Package config holds the settings of the cdpctl command and the driver it
// runs, and consolidates them from defaults, a YAML file, the environment
// and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/cdpdriver/common"
	"github.com/liuxd6825/cdpdriver/env"
)

// Config is the consolidated driver configuration. Unset fields are
// invalid nulls so that layers can be applied on top of each other.
type Config struct {
	WSURL             null.String  `yaml:"wsURL" envconfig:"CDPDRIVER_WS_URL"`
	Timeout           NullDuration `yaml:"timeout" envconfig:"CDPDRIVER_TIMEOUT"`
	NavigationTimeout NullDuration `yaml:"navigationTimeout" envconfig:"CDPDRIVER_NAVIGATION_TIMEOUT"`
	CommandTimeout    NullDuration `yaml:"commandTimeout" envconfig:"CDPDRIVER_COMMAND_TIMEOUT"`

	LogLevel          null.String `yaml:"logLevel" envconfig:"CDPDRIVER_LOG_LEVEL"`
	LogCategoryFilter null.String `yaml:"logCategoryFilter" envconfig:"CDPDRIVER_LOG_CATEGORY_FILTER"`
	LogOutput         null.String `yaml:"logOutput" envconfig:"CDPDRIVER_LOG_OUTPUT"`
	NoColor           null.Bool   `yaml:"noColor" envconfig:"CDPDRIVER_NO_COLOR"`
}

// Default returns the built-in configuration. Its fields carry values but
// are not marked valid, so any other layer overrides them.
func Default() Config {
	return Config{
		Timeout:           NewNullDuration(common.DefaultTimeout, false),
		NavigationTimeout: NewNullDuration(common.DefaultTimeout, false),
		CommandTimeout:    NewNullDuration(common.DefaultCommandTimeout, false),
		LogLevel:          null.NewString("info", false),
		LogOutput:         null.NewString("stderr", false),
	}
}

// Apply returns c with every valid field of cfg copied over it.
func (c Config) Apply(cfg Config) Config {
	if cfg.WSURL.Valid {
		c.WSURL = cfg.WSURL
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.CommandTimeout.Valid {
		c.CommandTimeout = cfg.CommandTimeout
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.LogOutput.Valid {
		c.LogOutput = cfg.LogOutput
	}
	if cfg.NoColor.Valid {
		c.NoColor = cfg.NoColor
	}
	return c
}

// ReadFile reads a YAML configuration file from fs. A missing file is not
// an error and yields an empty configuration.
func ReadFile(fs afero.Fs, path string) (Config, error) {
	var conf Config
	if path == "" {
		return conf, nil
	}
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return conf, nil
	}
	if err != nil {
		return conf, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return conf, nil
}

// ReadEnv reads the CDPDRIVER_* variables through lookup.
func ReadEnv(lookup env.LookupFunc) (Config, error) {
	var conf Config
	if err := envconfig.Process("", &conf, lookup); err != nil {
		return conf, fmt.Errorf("reading environment config: %w", err)
	}
	return conf, nil
}

// Consolidate layers defaults, the config file at path, the environment and
// the command line configuration, in increasing order of precedence, and
// validates the result.
func Consolidate(fs afero.Fs, path string, lookup env.LookupFunc, cli Config) (Config, error) {
	fileConf, err := ReadFile(fs, path)
	if err != nil {
		return Config{}, err
	}
	envConf, err := ReadEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	conf := Default().Apply(fileConf).Apply(envConf).Apply(cli)

	return conf, conf.Validate()
}

// WSURLs returns the configured CDP endpoints.
func (c Config) WSURLs() []string {
	return env.SplitWSURLs(c.WSURL.String)
}

// Validate checks the values of every field and reports all problems.
func (c Config) Validate() error {
	var errs []error
	for _, u := range c.WSURLs() {
		if err := env.ValidateWSURL(u); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.BrowserOptions().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// BrowserOptions converts the configuration into options for
// common.Connect.
func (c Config) BrowserOptions() *common.BrowserOptions {
	opts := common.NewBrowserOptions()
	opts.Timeout = c.Timeout.TimeDuration()
	opts.NavigationTimeout = c.NavigationTimeout.TimeDuration()
	opts.CommandTimeout = c.CommandTimeout.TimeDuration()
	return opts
}

// NullDuration is a nullable time.Duration in the vein of the null.v3
// types. Its text form is a Go duration or a bare number of milliseconds.
type NullDuration struct {
	Duration time.Duration
	Valid    bool
}

// NewNullDuration is a simple helper constructor function.
func NewNullDuration(d time.Duration, valid bool) NullDuration {
	return NullDuration{Duration: d, Valid: valid}
}

// NullDurationFrom returns a new valid NullDuration from a time.Duration.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{Duration: d, Valid: true}
}

// UnmarshalText converts text data to a valid NullDuration.
func (d *NullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDuration{}
		return nil
	}
	s := string(data)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = NullDurationFrom(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = NullDurationFrom(v)
	return nil
}

// MarshalText returns the duration string, or nothing when d is null.
func (d NullDuration) MarshalText() ([]byte, error) {
	if !d.Valid {
		return []byte{}, nil
	}
	return []byte(d.Duration.String()), nil
}

// TimeDuration returns the value of d whether it is valid or not.
func (d NullDuration) TimeDuration() time.Duration {
	return d.Duration
}
