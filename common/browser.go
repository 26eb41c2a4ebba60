/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/cdpdriver/log"
)

// Browser is a connected browser. Pages are created on its root session
// and driven through their own flat-mode sessions.
type Browser struct {
	conn            *Connection
	logger          *log.Logger
	opts            *BrowserOptions
	timeoutSettings *TimeoutSettings

	pagesMu sync.RWMutex
	pages   map[target.ID]*Page
}

// Connect dials the browser's DevTools websocket at wsURL.
func Connect(ctx context.Context, wsURL string, logger *log.Logger, opts *BrowserOptions) (*Browser, error) {
	if opts == nil {
		opts = NewBrowserOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger.Infof("Browser:Connect", "wsurl:%s", wsURL)
	conn, err := NewConnection(ctx, wsURL, logger, connectionOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	return NewBrowser(conn, logger, opts), nil
}

// NewBrowser wraps an established connection.
func NewBrowser(conn *Connection, logger *log.Logger, opts *BrowserOptions) *Browser {
	if opts == nil {
		opts = NewBrowserOptions()
	}
	ts := NewTimeoutSettings(nil)
	ts.SetDefaultTimeout(opts.Timeout)
	ts.SetDefaultNavigationTimeout(opts.NavigationTimeout)

	b := &Browser{
		conn:            conn,
		logger:          logger,
		opts:            opts,
		timeoutSettings: ts,
		pages:           make(map[target.ID]*Page),
	}
	On(conn.RootSession(), EventSessionClosed, func(err error) {
		b.logger.Debugf("Browser:onClose", "err:%v", err)
	})

	return b
}

func connectionOptions(opts *BrowserOptions) []ConnectionOption {
	copts := []ConnectionOption{WithConnectionCommandTimeout(opts.CommandTimeout)}
	if opts.Metrics != nil {
		copts = append(copts, WithConnectionMetrics(opts.Metrics))
	}
	return copts
}

func (b *Browser) frameManagerOptions() []FrameManagerOption {
	var fopts []FrameManagerOption
	if b.opts.Metrics != nil {
		fopts = append(fopts, WithFrameManagerMetrics(b.opts.Metrics))
	}
	if b.opts.TracerProvider != nil {
		fopts = append(fopts, WithFrameManagerTracerProvider(b.opts.TracerProvider))
	}
	return fopts
}

// NewPage opens a blank page target, attaches to it and waits until its
// frame tree is known.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	action := target.CreateTarget("about:blank")
	tid, err := action.Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("creating page target: %w", err)
	}
	b.logger.Debugf("Browser:NewPage", "tid:%v", tid)

	s, err := b.conn.createSession(&target.Info{TargetID: tid, Type: "page"})
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	p, err := newPage(ctx, b, s)
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}

	b.pagesMu.Lock()
	b.pages[tid] = p
	b.pagesMu.Unlock()

	return p, nil
}

func (b *Browser) removePage(p *Page) {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	delete(b.pages, p.TargetID())
}

// Pages returns the pages opened through this browser and not yet closed.
func (b *Browser) Pages() []*Page {
	b.pagesMu.RLock()
	defer b.pagesMu.RUnlock()
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	return pages
}

// Version returns the browser's product version, e.g. 118.0.5993.70.
func (b *Browser) Version(ctx context.Context) (string, error) {
	action := cdpbrowser.GetVersion()
	_, product, _, _, _, err := action.Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}
	if i := strings.Index(product, "/"); i != -1 {
		return product[i+1:], nil
	}
	return product, nil
}

// UserAgent returns the browser's user agent string.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	action := cdpbrowser.GetVersion()
	_, _, _, ua, _, err := action.Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser user agent: %w", err)
	}
	return ua, nil
}

// Connection returns the underlying connection.
func (b *Browser) Connection() *Connection { return b.conn }

// Metrics returns the metrics the browser records into, nil if none.
func (b *Browser) Metrics() *Metrics { return b.opts.Metrics }

// IsConnected reports whether the connection is still open.
func (b *Browser) IsConnected() bool { return !b.conn.IsClosed() }

// Close closes the connection. The browser itself keeps running.
func (b *Browser) Close() {
	b.logger.Debugf("Browser:Close", "")
	for _, p := range b.Pages() {
		p.dispose()
	}
	b.conn.Close()
}
