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
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Page is a browser tab attached through its own session.
type Page struct {
	browser         *Browser
	session         *Session
	targetID        target.ID
	network         *NetworkManager
	frameManager    *FrameManager
	timeoutSettings *TimeoutSettings

	closeOnce sync.Once
}

func newPage(ctx context.Context, b *Browser, s *Session) (*Page, error) {
	logger := b.logger.WithFields(map[string]any{"sid": string(s.ID())})
	p := &Page{
		browser:         b,
		session:         s,
		targetID:        s.TargetID(),
		timeoutSettings: NewTimeoutSettings(b.timeoutSettings),
	}
	p.network = NewNetworkManager(s, logger)
	p.frameManager = NewFrameManager(s, p.network, p.timeoutSettings, logger, b.frameManagerOptions()...)

	if err := p.frameManager.Initialize(ctx); err != nil {
		p.frameManager.dispose()
		return nil, err
	}
	if len(b.opts.ExtraHTTPHeaders) > 0 {
		if err := p.network.SetExtraHTTPHeaders(ctx, b.opts.ExtraHTTPHeaders); err != nil {
			p.frameManager.dispose()
			return nil, err
		}
	}

	return p, nil
}

// TargetID returns the ID of the page's target.
func (p *Page) TargetID() target.ID { return p.targetID }

// Session returns the session the page is driven through.
func (p *Page) Session() *Session { return p.session }

// Network returns the page's network manager.
func (p *Page) Network() *NetworkManager { return p.network }

// FrameManager returns the page's frame manager.
func (p *Page) FrameManager() *FrameManager { return p.frameManager }

// MainFrame returns the page's top-level frame.
func (p *Page) MainFrame() *Frame { return p.frameManager.MainFrame() }

// Frame returns the attached frame with the given ID, or nil.
func (p *Page) Frame(id cdp.FrameID) *Frame { return p.frameManager.Frame(id) }

// Frames returns every attached frame of the page, parents first.
func (p *Page) Frames() []*Frame { return p.frameManager.Frames() }

// Goto navigates the main frame to url.
func (p *Page) Goto(ctx context.Context, url string, opts *FrameGotoOptions) (*Response, error) {
	main := p.MainFrame()
	if main == nil {
		return nil, fmt.Errorf("navigating to %q: %w", url, ErrFrameDetached)
	}
	return main.Goto(ctx, url, opts)
}

// WaitForNavigation waits for the next navigation of the main frame.
func (p *Page) WaitForNavigation(ctx context.Context, opts *FrameWaitForNavigationOptions) (*Response, error) {
	main := p.MainFrame()
	if main == nil {
		return nil, fmt.Errorf("waiting for navigation: %w", ErrFrameDetached)
	}
	return main.WaitForNavigation(ctx, opts)
}

// Evaluate runs expression in the main frame.
func (p *Page) Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error) {
	main := p.MainFrame()
	if main == nil {
		return nil, fmt.Errorf("evaluating: %w", ErrFrameDetached)
	}
	return main.Evaluate(ctx, expression)
}

// SetDefaultTimeout overrides the browser's default wait timeout for this page.
func (p *Page) SetDefaultTimeout(timeout time.Duration) {
	p.timeoutSettings.SetDefaultTimeout(timeout)
}

// SetDefaultNavigationTimeout overrides the browser's default navigation
// timeout for this page.
func (p *Page) SetDefaultNavigationTimeout(timeout time.Duration) {
	p.timeoutSettings.SetDefaultNavigationTimeout(timeout)
}

// Close closes the page's target. The session ends once the browser
// reports the target detached.
func (p *Page) Close(ctx context.Context) error {
	action := cdppage.Close()
	if err := action.Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("closing page %v: %w", p.targetID, err)
	}
	p.dispose()
	return nil
}

func (p *Page) dispose() {
	p.closeOnce.Do(func() {
		p.frameManager.dispose()
		p.browser.removePage(p)
	})
}
