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
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/liuxd6825/cdpdriver/log"
)

// LifecycleWatcher decides when a navigation of a frame has completed.
//
// It exposes four signals: a same-document navigation completed, a
// new-document navigation completed, the expected lifecycle events were
// observed, and a timeout or termination error. Dispose must be called once
// the watcher is no longer needed; it removes every listener it added.
type LifecycleWatcher struct {
	fm              *FrameManager
	frame           *Frame
	logger          *log.Logger
	expected        []string
	initialLoaderID cdp.LoaderID
	timeout         time.Duration

	mu                        sync.Mutex
	navigationRequest         *Request
	hasSameDocumentNavigation bool

	sameDocumentCh chan struct{}
	newDocumentCh  chan struct{}
	lifecycleCh    chan struct{}
	terminationCh  chan error

	sameDocumentOnce sync.Once
	newDocumentOnce  sync.Once
	lifecycleOnce    sync.Once
	terminationOnce  sync.Once
	disposeOnce      sync.Once

	removers []func()
	timer    *time.Timer
}

// NewLifecycleWatcher arms a watcher on frame. A zero timeout waits until
// the navigation completes or is terminated.
func NewLifecycleWatcher(fm *FrameManager, frame *Frame, waitUntil []LifecycleEvent, timeout time.Duration) *LifecycleWatcher {
	if len(waitUntil) == 0 {
		waitUntil = []LifecycleEvent{LifecycleEventLoad}
	}
	expected := make([]string, 0, len(waitUntil))
	for _, ev := range waitUntil {
		expected = append(expected, ev.protocolName())
	}

	w := &LifecycleWatcher{
		fm:              fm,
		frame:           frame,
		logger:          fm.logger,
		expected:        expected,
		initialLoaderID: frame.LoaderID(),
		timeout:         timeout,
		sameDocumentCh:  make(chan struct{}),
		newDocumentCh:   make(chan struct{}),
		lifecycleCh:     make(chan struct{}),
		terminationCh:   make(chan error, 1),
	}
	w.removers = []func(){
		On(fm, EventFrameLifecycle, func(*FrameLifecycleEvent) { w.checkLifecycleComplete() }),
		On(fm, EventFrameNavigatedWithinDocument, w.onNavigatedWithinDocument),
		On(fm, EventFrameNavigated, func(*Frame) { w.checkLifecycleComplete() }),
		On(fm, EventFrameDetached, w.onFrameDetached),
		On(fm.network, EventRequest, w.onRequest),
		On(fm.session, EventSessionClosed, w.onSessionClosed),
	}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.terminate(&TimeoutError{Op: "navigation", Timeout: timeout})
		})
	}

	w.logger.Debugf("LifecycleWatcher:new", "fid:%v furl:%q lid:%v expected:%v timeout:%s",
		frame.ID(), frame.URL(), w.initialLoaderID, expected, timeout)

	select {
	case <-fm.session.Done():
		w.onSessionClosed(nil)
	default:
	}
	if frame.IsDetached() {
		w.onFrameDetached(frame)
	}
	w.checkLifecycleComplete()

	return w
}

func (w *LifecycleWatcher) onRequest(req *Request) {
	if req.FrameID() != w.frame.ID() || !req.IsNavigationRequest() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.navigationRequest = req
}

func (w *LifecycleWatcher) onNavigatedWithinDocument(frame *Frame) {
	if frame != w.frame {
		return
	}
	w.mu.Lock()
	w.hasSameDocumentNavigation = true
	w.mu.Unlock()

	w.checkLifecycleComplete()
}

func (w *LifecycleWatcher) onFrameDetached(frame *Frame) {
	if frame == w.frame {
		w.terminate(&TerminationError{Reason: "Navigating frame was detached", Err: ErrFrameDetached})
		return
	}
	w.checkLifecycleComplete()
}

func (w *LifecycleWatcher) onSessionClosed(error) {
	w.terminate(&TerminationError{
		Reason: "Navigation failed because browser has disconnected!",
		Err:    ErrBrowserDisconnected,
	})
}

func (w *LifecycleWatcher) checkLifecycleComplete() {
	if !w.frame.hasSubtreeLifecycleEvents(w.expected) {
		return
	}
	w.lifecycleOnce.Do(func() { close(w.lifecycleCh) })

	w.mu.Lock()
	sameDocument := w.hasSameDocumentNavigation
	w.mu.Unlock()
	if sameDocument {
		w.sameDocumentOnce.Do(func() { close(w.sameDocumentCh) })
	}
	if w.frame.LoaderID() != w.initialLoaderID {
		w.newDocumentOnce.Do(func() { close(w.newDocumentCh) })
	}
}

func (w *LifecycleWatcher) terminate(err error) {
	w.terminationOnce.Do(func() {
		w.logger.Debugf("LifecycleWatcher:terminate", "fid:%v err:%v", w.frame.ID(), err)
		w.terminationCh <- err
	})
}

// SameDocumentNavigation is closed when a navigation within the current
// document completed.
func (w *LifecycleWatcher) SameDocumentNavigation() <-chan struct{} { return w.sameDocumentCh }

// NewDocumentNavigation is closed when a navigation to a new document
// completed with every expected lifecycle event.
func (w *LifecycleWatcher) NewDocumentNavigation() <-chan struct{} { return w.newDocumentCh }

// Lifecycle is closed once the expected lifecycle events were observed on
// the frame and all its descendants.
func (w *LifecycleWatcher) Lifecycle() <-chan struct{} { return w.lifecycleCh }

// TimeoutOrTermination delivers the first timeout or termination error.
func (w *LifecycleWatcher) TimeoutOrTermination() <-chan error { return w.terminationCh }

// NavigationResponse returns the response of the frame's latest navigation
// request, nil if there was none.
func (w *LifecycleWatcher) NavigationResponse() *Response {
	w.mu.Lock()
	req := w.navigationRequest
	w.mu.Unlock()
	if req == nil {
		return nil
	}
	return req.Response()
}

// Dispose removes the watcher's listeners and stops its timer.
func (w *LifecycleWatcher) Dispose() {
	w.disposeOnce.Do(func() {
		for _, remove := range w.removers {
			remove()
		}
		if w.timer != nil {
			w.timer.Stop()
		}
	})
}
