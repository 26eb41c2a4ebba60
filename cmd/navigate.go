package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/liuxd6825/cdpdriver/common"
)

// navigateFlags are the options shared by the commands that load a URL.
type navigateFlags struct {
	waitUntil string
	referer   string
}

func (f *navigateFlags) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&f.waitUntil, "wait-until", "load",
		"comma separated lifecycle `events` to wait for: load, domcontentloaded, networkidle0, networkidle2")
	flags.StringVar(&f.referer, "referer", "", "referer header of the navigation request")
	return flags
}

func (f *navigateFlags) gotoOptions(c *rootCommand) (*common.FrameGotoOptions, error) {
	opts := common.NewFrameGotoOptions(f.referer, c.conf.NavigationTimeout.TimeDuration())
	if f.waitUntil == "" {
		return opts, nil
	}
	events, err := common.ParseLifecycleEvents(f.waitUntil)
	if err != nil {
		return nil, fmt.Errorf("invalid --wait-until: %w", err)
	}
	opts.WaitUntil = events
	return opts, nil
}

// navigation is a page that finished loading a URL.
type navigation struct {
	browser  *common.Browser
	page     *common.Page
	response *common.Response
}

// navigate connects to the browser, loads url in a new page and hands the
// result to fn. The page and the connection are closed afterwards.
func (c *rootCommand) navigate(ctx context.Context, url string, f *navigateFlags, fn func(*navigation) error) error {
	opts, err := f.gotoOptions(c)
	if err != nil {
		return withExitCodeIfNone(err, exitInvalidConfig)
	}

	b, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := b.NewPage(ctx)
	if err != nil {
		return withExitCodeIfNone(&userFriendlyError{err}, exitConnectionFailed)
	}
	defer func() {
		if err := p.Close(ctx); err != nil {
			c.logger.WithError(err).Debug("closing page")
		}
	}()

	c.logger.Debugf("navigating to %s, waiting for %v", url, opts.WaitUntil)
	resp, err := p.Goto(ctx, url, opts)
	if err != nil {
		return withExitCodeIfNone(&userFriendlyError{err}, navigationExitCode(err))
	}

	return fn(&navigation{browser: b, page: p, response: resp})
}
