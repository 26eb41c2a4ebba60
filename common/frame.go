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
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/cdpdriver/log"
)

// Frame represents a frame in an HTML document
type Frame struct {
	manager     *FrameManager
	parentFrame *Frame
	logger      *log.Logger

	mu          sync.RWMutex
	id          cdp.FrameID
	session     *Session
	childFrames map[*Frame]struct{}
	loaderID    cdp.LoaderID
	name        string
	url         string
	detached    bool

	// loadingStartedTime is zero until the frame starts loading a document.
	loadingStartedTime time.Time

	// lifecycleEvents holds the protocol names of the lifecycle events seen
	// since the current document started loading.
	lifecycleEvents map[string]struct{}

	mainWorld    *World
	utilityWorld *World
}

// newFrame creates a new HTML document frame driven through s
func newFrame(m *FrameManager, s *Session, parentFrame *Frame, frameID cdp.FrameID) *Frame {
	f := &Frame{
		manager:         m,
		parentFrame:     parentFrame,
		logger:          m.logger,
		id:              frameID,
		session:         s,
		childFrames:     make(map[*Frame]struct{}),
		lifecycleEvents: make(map[string]struct{}),
	}
	f.mainWorld = newWorld(f, mainWorld, m.logger)
	f.utilityWorld = newWorld(f, utilityWorld, m.logger)

	return f
}

func (f *Frame) addChildFrame(child *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childFrames[child] = struct{}{}
}

func (f *Frame) removeChildFrame(child *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.childFrames, child)
}

func (f *Frame) setID(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

func (f *Frame) setSession(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *Frame) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

func (f *Frame) navigated(name, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
	f.url = url
}

// detach marks the frame detached and detaches its worlds. It reports false
// if the frame was already detached.
func (f *Frame) detach() bool {
	f.mu.Lock()
	if f.detached {
		f.mu.Unlock()
		return false
	}
	f.detached = true
	f.mu.Unlock()

	f.mainWorld.detach()
	f.utilityWorld.detach()
	if f.parentFrame != nil {
		f.parentFrame.removeChildFrame(f)
	}

	return true
}

func (f *Frame) onLifecycleEvent(loaderID cdp.LoaderID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == lifecycleInit {
		f.loaderID = loaderID
		f.loadingStartedTime = time.Now()
		f.lifecycleEvents = make(map[string]struct{})
	}
	f.lifecycleEvents[name] = struct{}{}
}

func (f *Frame) onLoadingStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadingStartedTime = time.Now()
}

func (f *Frame) onLoadingStopped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycleEvents[lifecycleDOMContentLoaded] = struct{}{}
	f.lifecycleEvents[lifecycleLoad] = struct{}{}
}

func (f *Frame) hasLifecycleEvent(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.lifecycleEvents[name]
	return ok
}

// hasSubtreeLifecycleEvents reports whether the frame and all its
// descendants have seen every one of the named lifecycle events. Child
// frames that never started loading, such as lazy iframes, are skipped.
func (f *Frame) hasSubtreeLifecycleEvents(names []string) bool {
	for _, name := range names {
		if !f.hasLifecycleEvent(name) {
			return false
		}
	}
	for _, child := range f.ChildFrames() {
		if child.LoadingStartedTime().IsZero() {
			continue
		}
		if !child.hasSubtreeLifecycleEvents(names) {
			return false
		}
	}
	return true
}

func (f *Frame) defaultTimeout() time.Duration {
	return f.manager.timeoutSettings.timeout()
}

func (f *Frame) defaultNavigationTimeout() time.Duration {
	return f.manager.timeoutSettings.navigationTimeout()
}

// ID returns the frame ID. The main frame's ID changes when a navigation
// moves it into another renderer process.
func (f *Frame) ID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

// Session returns the session the frame is driven through. Out-of-process
// iframes have a session of their own.
func (f *Frame) Session() *Session {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.session
}

// LoaderID returns the loader ID of the frame's current document.
func (f *Frame) LoaderID() cdp.LoaderID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaderID
}

func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

func (f *Frame) IsDetached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detached
}

// LoadingStartedTime returns when the current document started loading.
func (f *Frame) LoadingStartedTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loadingStartedTime
}

// ParentFrame returns the parent frame, nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	return f.parentFrame
}

// ChildFrames returns the attached child frames ordered by ID.
func (f *Frame) ChildFrames() []*Frame {
	f.mu.RLock()
	children := make([]*Frame, 0, len(f.childFrames))
	for child := range f.childFrames {
		children = append(children, child)
	}
	f.mu.RUnlock()

	sort.Slice(children, func(i, j int) bool { return children[i].ID() < children[j].ID() })
	return children
}

// MainWorld returns the world of the frame's page scripts.
func (f *Frame) MainWorld() *World { return f.mainWorld }

// UtilityWorld returns the isolated world the driver evaluates in.
func (f *Frame) UtilityWorld() *World { return f.utilityWorld }

// Goto navigates the frame to url. A nil opts uses the default navigation
// timeout and waits for the load event. The returned response is nil for
// navigations within the same document.
func (f *Frame) Goto(ctx context.Context, url string, opts *FrameGotoOptions) (*Response, error) {
	if opts == nil {
		opts = NewFrameGotoOptions("", f.defaultNavigationTimeout())
	}
	return f.manager.NavigateFrame(ctx, f, url, opts)
}

// WaitForNavigation waits for the next navigation of the frame to satisfy
// the lifecycle condition of opts.
func (f *Frame) WaitForNavigation(ctx context.Context, opts *FrameWaitForNavigationOptions) (*Response, error) {
	if opts == nil {
		opts = NewFrameWaitForNavigationOptions(f.defaultNavigationTimeout())
	}
	return f.manager.WaitForFrameNavigation(ctx, f, opts)
}

// WaitForLoadState waits until the current document of the frame and its
// subframes have reached state.
func (f *Frame) WaitForLoadState(ctx context.Context, state LifecycleEvent, opts *FrameWaitForLoadStateOptions) error {
	if opts == nil {
		opts = &FrameWaitForLoadStateOptions{Timeout: f.defaultTimeout()}
	}
	return f.manager.waitForFrameLoadState(ctx, f, state, opts.Timeout)
}

// Evaluate runs expression in the frame's main world and returns its value
// as JSON.
func (f *Frame) Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error) {
	return f.mainWorld.Evaluate(ctx, expression)
}

// WaitForFunction polls expression in the frame's main world until it is
// truthy, surviving navigations of the frame.
func (f *Frame) WaitForFunction(
	ctx context.Context, expression string, opts *FrameWaitForFunctionOptions,
) (easyjson.RawMessage, error) {
	if opts == nil {
		opts = NewFrameWaitForFunctionOptions(f.defaultTimeout())
	}
	return f.mainWorld.waitForFunction(ctx, expression, opts)
}
