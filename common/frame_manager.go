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
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/cdpdriver/log"
)

const tracerName = "github.com/liuxd6825/cdpdriver/common"

var (
	cdpFrameAttached             = EventName[*page.EventFrameAttached](cdproto.EventPageFrameAttached)
	cdpFrameDetached             = EventName[*page.EventFrameDetached](cdproto.EventPageFrameDetached)
	cdpFrameNavigated            = EventName[*page.EventFrameNavigated](cdproto.EventPageFrameNavigated)
	cdpNavigatedWithinDocument   = EventName[*page.EventNavigatedWithinDocument](cdproto.EventPageNavigatedWithinDocument)
	cdpFrameStartedLoading       = EventName[*page.EventFrameStartedLoading](cdproto.EventPageFrameStartedLoading)
	cdpFrameStoppedLoading       = EventName[*page.EventFrameStoppedLoading](cdproto.EventPageFrameStoppedLoading)
	cdpLifecycleEvent            = EventName[*page.EventLifecycleEvent](cdproto.EventPageLifecycleEvent)
	cdpExecutionContextCreated   = EventName[*runtime.EventExecutionContextCreated](cdproto.EventRuntimeExecutionContextCreated)
	cdpExecutionContextDestroyed = EventName[*runtime.EventExecutionContextDestroyed](cdproto.EventRuntimeExecutionContextDestroyed)
	cdpExecutionContextsCleared  = EventName[*runtime.EventExecutionContextsCleared](cdproto.EventRuntimeExecutionContextsCleared)
	cdpBindingCalled             = EventName[*runtime.EventBindingCalled](cdproto.EventRuntimeBindingCalled)
	cdpAttachedToTarget          = EventName[*target.EventAttachedToTarget](cdproto.EventTargetAttachedToTarget)
)

// targetTypeIFrame is the target type of out-of-process iframes.
const targetTypeIFrame = "iframe"

// contextKey identifies an execution context. Context IDs are only unique
// within a session.
type contextKey struct {
	sid target.SessionID
	id  runtime.ExecutionContextID
}

// isolatedWorldKey names an isolated world created through a session.
type isolatedWorldKey struct {
	sid  target.SessionID
	name string
}

// FrameManager tracks the frame tree and the execution contexts of a page
// session, and drives navigations of its frames. Out-of-process iframes are
// driven through sessions of their own, which the manager adopts as the
// browser auto-attaches them.
type FrameManager struct {
	BaseEventEmitter

	session         *Session
	network         *NetworkManager
	timeoutSettings *TimeoutSettings
	logger          *log.Logger
	metrics         *Metrics
	tracer          trace.Tracer

	mu             sync.RWMutex
	frames         map[cdp.FrameID]*Frame
	mainFrame      *Frame
	contexts       map[contextKey]*ExecutionContext
	isolatedWorlds map[isolatedWorldKey]bool
	// adopted holds the listener removers of every adopted iframe session.
	adopted map[target.SessionID][]func()

	removers []func()
}

// FrameManagerOption configures a FrameManager.
type FrameManagerOption func(*FrameManager)

// WithFrameManagerTracerProvider records navigation spans with tp.
func WithFrameManagerTracerProvider(tp trace.TracerProvider) FrameManagerOption {
	return func(m *FrameManager) { m.tracer = tp.Tracer(tracerName) }
}

// WithFrameManagerMetrics records navigation statistics into metrics.
func WithFrameManagerMetrics(metrics *Metrics) FrameManagerOption {
	return func(m *FrameManager) { m.metrics = metrics }
}

// NewFrameManager creates a frame manager listening on s. Initialize must
// be called to enable the protocol domains it relies on.
func NewFrameManager(
	s *Session, nm *NetworkManager, ts *TimeoutSettings, logger *log.Logger, opts ...FrameManagerOption,
) *FrameManager {
	m := &FrameManager{
		BaseEventEmitter: BaseEventEmitter{logger: logger},
		session:          s,
		network:          nm,
		timeoutSettings:  ts,
		logger:           logger,
		tracer:           noop.NewTracerProvider().Tracer(tracerName),
		frames:           make(map[cdp.FrameID]*Frame),
		contexts:         make(map[contextKey]*ExecutionContext),
		isolatedWorlds:   make(map[isolatedWorldKey]bool),
		adopted:          make(map[target.SessionID][]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.removers = m.listen(s)

	return m
}

// listen routes the page, runtime and target events of s into the manager.
func (m *FrameManager) listen(s *Session) []func() {
	return []func(){
		On(s, cdpFrameAttached, func(ev *page.EventFrameAttached) {
			m.frameAttached(s, ev.FrameID, ev.ParentFrameID)
		}),
		On(s, cdpFrameDetached, func(ev *page.EventFrameDetached) {
			m.frameDetached(ev.FrameID, ev.Reason)
		}),
		On(s, cdpFrameNavigated, func(ev *page.EventFrameNavigated) {
			m.frameNavigated(s, ev.Frame)
		}),
		On(s, cdpNavigatedWithinDocument, func(ev *page.EventNavigatedWithinDocument) {
			m.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
		}),
		On(s, cdpFrameStartedLoading, func(ev *page.EventFrameStartedLoading) {
			m.frameLoadingStarted(ev.FrameID)
		}),
		On(s, cdpFrameStoppedLoading, func(ev *page.EventFrameStoppedLoading) {
			m.frameLoadingStopped(ev.FrameID)
		}),
		On(s, cdpLifecycleEvent, func(ev *page.EventLifecycleEvent) {
			m.frameLifecycleEvent(ev.FrameID, ev.LoaderID, ev.Name)
		}),
		On(s, cdpExecutionContextCreated, func(ev *runtime.EventExecutionContextCreated) {
			m.executionContextCreated(s, ev.Context)
		}),
		On(s, cdpExecutionContextDestroyed, func(ev *runtime.EventExecutionContextDestroyed) {
			m.executionContextDestroyed(s, ev.ExecutionContextID)
		}),
		On(s, cdpExecutionContextsCleared, func(*runtime.EventExecutionContextsCleared) {
			m.executionContextsCleared(s)
		}),
		On(s, cdpBindingCalled, func(ev *runtime.EventBindingCalled) {
			m.onBindingCalled(s, ev)
		}),
		On(s, cdpAttachedToTarget, func(ev *target.EventAttachedToTarget) {
			m.onAttachedToTarget(s, ev)
		}),
	}
}

// Initialize enables the page, runtime and network domains, replays the
// current frame tree and creates the utility world in every frame.
func (m *FrameManager) Initialize(ctx context.Context) error {
	return m.initSession(ctx, m.session)
}

// initSession prepares s, the page session or an adopted iframe session,
// for driving the frames it hosts. Targets s auto-attaches to wait for the
// debugger until they are adopted or released.
func (m *FrameManager) initSession(ctx context.Context, s *Session) error {
	ectx := cdp.WithExecutor(ctx, s)

	var tree *page.FrameTree
	g, gctx := errgroup.WithContext(ectx)
	g.Go(func() error {
		if err := page.Enable().Do(gctx); err != nil {
			return fmt.Errorf("enabling page domain: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if tree, err = page.GetFrameTree().Do(gctx); err != nil {
			return fmt.Errorf("getting frame tree: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initializing frame manager: %w", err)
	}
	if err := m.handleFrameTree(s, tree); err != nil {
		return fmt.Errorf("initializing frame manager: %w", err)
	}

	if err := target.SetAutoAttach(true, true).WithFlatten(true).Do(ectx); err != nil {
		return fmt.Errorf("enabling auto-attach: %w", err)
	}
	if err := page.SetLifecycleEventsEnabled(true).Do(ectx); err != nil {
		return fmt.Errorf("enabling lifecycle events: %w", err)
	}
	if err := runtime.Enable().Do(ectx); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}
	if err := m.network.initDomains(ctx, s); err != nil {
		return err
	}
	if err := m.ensureIsolatedWorld(ctx, s, UtilityWorldName); err != nil {
		return err
	}
	if s == m.session {
		return nil
	}
	if err := runtime.RunIfWaitingForDebugger().Do(ectx); err != nil {
		return fmt.Errorf("resuming target: %w", err)
	}

	return nil
}

// handleFrameTree replays a Page.getFrameTree result as attach and navigate
// events, parents first.
func (m *FrameManager) handleFrameTree(s *Session, tree *page.FrameTree) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ierr, ok := r.(*InvariantError)
			if !ok {
				panic(r)
			}
			err = ierr
		}
	}()
	m.replayFrameTree(s, tree)
	return nil
}

func (m *FrameManager) replayFrameTree(s *Session, tree *page.FrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	if tree.Frame.ParentID != "" {
		m.frameAttached(s, tree.Frame.ID, tree.Frame.ParentID)
	}
	m.frameNavigated(s, tree.Frame)
	for _, child := range tree.ChildFrames {
		m.replayFrameTree(s, child)
	}
}

func (m *FrameManager) ensureIsolatedWorld(ctx context.Context, s *Session, name string) error {
	key := isolatedWorldKey{s.ID(), name}
	m.mu.Lock()
	if m.isolatedWorlds[key] {
		m.mu.Unlock()
		return nil
	}
	m.isolatedWorlds[key] = true
	m.mu.Unlock()

	ectx := cdp.WithExecutor(ctx, s)
	action := page.AddScriptToEvaluateOnNewDocument("//# sourceURL=" + evaluationScriptURL).WithWorldName(name)
	if _, err := action.Do(ectx); err != nil {
		return fmt.Errorf("adding isolated world %q to new documents: %w", name, err)
	}
	for _, f := range m.Frames() {
		if f.Session() != s {
			continue
		}
		action := page.CreateIsolatedWorld(f.ID()).
			WithWorldName(name).
			WithGrantUniveralAccess(true)
		if _, err := action.Do(ectx); err != nil {
			// the frame may have gone away in the meantime
			m.logger.Debugf("FrameManager:ensureIsolatedWorld", "fid:%v world:%q err:%v", f.ID(), name, err)
		}
	}

	return nil
}

func (m *FrameManager) frameAttached(s *Session, frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameAttached", "sid:%v fid:%v pfid:%v", s.ID(), frameID, parentFrameID)

	m.mu.Lock()
	if _, ok := m.frames[frameID]; ok {
		m.mu.Unlock()
		return
	}
	parent, ok := m.frames[parentFrameID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warnf("FrameManager:frameAttached", "sid:%v fid:%v unknown parent fid:%v", s.ID(), frameID, parentFrameID)
		return
	}
	frame := newFrame(m, s, parent, frameID)
	m.frames[frameID] = frame
	m.mu.Unlock()

	parent.addChildFrame(frame)
	emitEvent(m, EventFrameAttached, frame)
}

func (m *FrameManager) frameNavigated(s *Session, cf *cdp.Frame) {
	// the root frame of an iframe session has a parent in another process
	isMainFrame := cf.ParentID == "" && s == m.session
	m.logger.Debugf("FrameManager:frameNavigated", "sid:%v fid:%v main:%t url:%s", s.ID(), cf.ID, isMainFrame, cf.URL)

	m.mu.RLock()
	frame := m.frames[cf.ID]
	if isMainFrame {
		frame = m.mainFrame
	}
	m.mu.RUnlock()

	if !isMainFrame && frame == nil {
		panic(invariantf("navigated child frame fid:%v is not attached", cf.ID))
	}

	// a new document replaces every subframe of the old one
	if frame != nil {
		m.removeChildFramesRecursively(frame)
	}

	if isMainFrame {
		m.mu.Lock()
		if frame != nil {
			// the main frame keeps its identity across processes
			delete(m.frames, frame.ID())
			frame.setID(cf.ID)
		} else {
			frame = newFrame(m, s, nil, cf.ID)
			m.mainFrame = frame
		}
		m.frames[cf.ID] = frame
		m.mu.Unlock()
	}

	frame.navigated(cf.Name, cf.URL+cf.URLFragment)
	emitEvent(m, EventFrameNavigated, frame)
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	m.logger.Debugf("FrameManager:frameNavigatedWithinDocument", "sid:%v fid:%v url:%s", m.session.ID(), frameID, url)

	frame.setURL(url)
	emitEvent(m, EventFrameNavigatedWithinDocument, frame)
	emitEvent(m, EventFrameNavigated, frame)
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID, reason page.FrameDetachedReason) {
	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	if reason == page.FrameDetachedReasonSwap {
		// the frame moves to another process and lives on in the session
		// attached to it there, its subframes do not
		m.removeChildFramesRecursively(frame)
		return
	}
	m.removeFramesRecursively(frame)
}

func (m *FrameManager) removeChildFramesRecursively(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.removeFramesRecursively(child)
	}
}

// removeFramesRecursively detaches frame and its subtree, children first.
func (m *FrameManager) removeFramesRecursively(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.removeFramesRecursively(child)
	}
	if !frame.detach() {
		return
	}
	m.logger.Debugf("FrameManager:removeFramesRecursively", "sid:%v fid:%v", m.session.ID(), frame.ID())

	m.mu.Lock()
	if m.frames[frame.ID()] == frame {
		delete(m.frames, frame.ID())
	}
	if m.mainFrame == frame {
		m.mainFrame = nil
	}
	m.mu.Unlock()

	emitEvent(m, EventFrameDetached, frame)
}

func (m *FrameManager) frameLifecycleEvent(frameID cdp.FrameID, loaderID cdp.LoaderID, name string) {
	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	m.logger.Debugf("FrameManager:frameLifecycleEvent", "sid:%v fid:%v lid:%v event:%s", m.session.ID(), frameID, loaderID, name)

	frame.onLifecycleEvent(loaderID, name)
	emitEvent(m, EventFrameLifecycle, &FrameLifecycleEvent{Frame: frame, Name: name})
}

func (m *FrameManager) frameLoadingStarted(frameID cdp.FrameID) {
	if frame := m.Frame(frameID); frame != nil {
		frame.onLoadingStarted()
	}
}

func (m *FrameManager) frameLoadingStopped(frameID cdp.FrameID) {
	frame := m.Frame(frameID)
	if frame == nil {
		return
	}
	frame.onLoadingStopped()
	emitEvent(m, EventFrameLifecycle, &FrameLifecycleEvent{Frame: frame, Name: lifecycleDOMContentLoaded})
	emitEvent(m, EventFrameLifecycle, &FrameLifecycleEvent{Frame: frame, Name: lifecycleLoad})
}

func (m *FrameManager) executionContextCreated(s *Session, desc *runtime.ExecutionContextDescription) {
	if desc == nil {
		return
	}
	aux := parseAuxData(desc.AuxData)

	var world *World
	if frame := m.Frame(aux.frameID); frame != nil && frame.Session() == s {
		switch {
		case aux.isDefault:
			world = frame.mainWorld
		case desc.Name == UtilityWorldName && !frame.utilityWorld.hasContext():
			// only the first context with the name is the driver's own, a
			// page may create more by reusing it
			world = frame.utilityWorld
		}
	}
	if desc.Name == UtilityWorldName {
		m.mu.Lock()
		m.isolatedWorlds[isolatedWorldKey{s.ID(), desc.Name}] = true
		m.mu.Unlock()
	}

	ectx := newExecutionContext(s, desc, world, m.logger)
	m.mu.Lock()
	m.contexts[contextKey{s.ID(), desc.ID}] = ectx
	m.mu.Unlock()

	if world != nil {
		world.setContext(ectx)
	}
	emitEvent(m, EventExecutionContextCreated, ectx)
}

func (m *FrameManager) executionContextDestroyed(s *Session, id runtime.ExecutionContextID) {
	key := contextKey{s.ID(), id}

	m.mu.Lock()
	ectx, ok := m.contexts[key]
	delete(m.contexts, key)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.unbindContext(ectx)
}

func (m *FrameManager) executionContextsCleared(s *Session) {
	sid := s.ID()

	m.mu.Lock()
	var cleared []*ExecutionContext
	for key, ectx := range m.contexts {
		if key.sid != sid {
			continue
		}
		cleared = append(cleared, ectx)
		delete(m.contexts, key)
	}
	m.mu.Unlock()

	sort.Slice(cleared, func(i, j int) bool { return cleared[i].ID() < cleared[j].ID() })
	for _, ectx := range cleared {
		m.unbindContext(ectx)
	}
}

func (m *FrameManager) unbindContext(ectx *ExecutionContext) {
	ectx.destroy()
	if w := ectx.World(); w != nil {
		w.clearContext(ectx)
	}
	emitEvent(m, EventExecutionContextDestroyed, ectx)
}

func (m *FrameManager) onBindingCalled(s *Session, ev *runtime.EventBindingCalled) {
	ectx := m.sessionExecutionContext(s.ID(), ev.ExecutionContextID)
	if ectx == nil || ectx.World() == nil {
		return
	}
	if !ectx.World().onBindingCalled(ev.Name, ev.Payload) {
		m.logger.Debugf("FrameManager:onBindingCalled", "ectxid:%d unknown binding %q", ev.ExecutionContextID, ev.Name)
	}
}

// onAttachedToTarget adopts the session of an out-of-process iframe into
// the frame tree. Other auto-attached targets are resumed and released.
func (m *FrameManager) onAttachedToTarget(parent *Session, ev *target.EventAttachedToTarget) {
	child := m.session.conn.Session(ev.SessionID)
	if child == nil || ev.TargetInfo == nil {
		return
	}
	m.logger.Debugf("FrameManager:onAttachedToTarget", "sid:%v esid:%v etid:%v type:%q",
		parent.ID(), ev.SessionID, ev.TargetInfo.TargetID, ev.TargetInfo.Type)

	var frame *Frame
	if ev.TargetInfo.Type == targetTypeIFrame {
		frame = m.Frame(cdp.FrameID(ev.TargetInfo.TargetID))
	}
	if frame == nil {
		ctx := context.Background()
		if ev.WaitingForDebugger {
			_ = child.ExecuteWithoutExpectationOnReply(ctx, runtime.CommandRunIfWaitingForDebugger, nil, nil)
		}
		_ = parent.ExecuteWithoutExpectationOnReply(ctx, target.CommandDetachFromTarget,
			target.DetachFromTarget().WithSessionID(child.ID()), nil)
		return
	}

	// the frame's old document and its subframes lived in the parent process
	m.removeChildFramesRecursively(frame)
	frame.setSession(child)

	removers := append(m.listen(child), m.network.listen(child)...)
	removers = append(removers, On(child, EventSessionClosed, func(error) { m.releaseSession(child) }))
	m.mu.Lock()
	m.adopted[child.ID()] = removers
	m.mu.Unlock()

	go func() {
		err := m.initSession(m.session.conn.ctx, child)
		if err == nil {
			return
		}
		select {
		case <-child.Done():
			// the frame went away while it was being set up
		default:
			m.logger.Errorf("FrameManager:onAttachedToTarget", "sid:%v fid:%v initializing iframe session: %v",
				child.ID(), frame.ID(), err)
		}
	}()
}

// releaseSession forgets an adopted iframe session once it closes. Its
// execution contexts are gone and so is the frame it drove.
func (m *FrameManager) releaseSession(child *Session) {
	m.mu.Lock()
	removers, ok := m.adopted[child.ID()]
	delete(m.adopted, child.ID())
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Debugf("FrameManager:releaseSession", "sid:%v tid:%v", child.ID(), child.TargetID())

	for _, remove := range removers {
		remove()
	}
	m.executionContextsCleared(child)
	if frame := m.Frame(cdp.FrameID(child.TargetID())); frame != nil && frame.Session() == child {
		m.removeFramesRecursively(frame)
	}
}

// executionContext returns a context of the page session.
func (m *FrameManager) executionContext(id runtime.ExecutionContextID) *ExecutionContext {
	return m.sessionExecutionContext(m.session.ID(), id)
}

func (m *FrameManager) sessionExecutionContext(sid target.SessionID, id runtime.ExecutionContextID) *ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contexts[contextKey{sid, id}]
}

// Frame returns the attached frame with the given ID, or nil.
func (m *FrameManager) Frame(id cdp.FrameID) *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames[id]
}

// MainFrame returns the top-level frame, nil before the first navigation.
func (m *FrameManager) MainFrame() *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mainFrame
}

// Frames returns every attached frame, parents before their children.
func (m *FrameManager) Frames() []*Frame {
	main := m.MainFrame()
	if main == nil {
		return nil
	}
	var (
		frames []*Frame
		walk   func(*Frame)
	)
	walk = func(f *Frame) {
		frames = append(frames, f)
		for _, child := range f.ChildFrames() {
			walk(child)
		}
	}
	walk(main)

	return frames
}

// NavigateFrame navigates frame to url and waits for opts.WaitUntil.
func (m *FrameManager) NavigateFrame(ctx context.Context, frame *Frame, url string, opts *FrameGotoOptions) (*Response, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "frame.goto", trace.WithAttributes(
		attribute.String("frame.id", string(frame.ID())),
		attribute.String("navigation.url", url),
	))
	defer span.End()

	resp, err := m.navigateFrame(ctx, frame, url, opts)
	m.metrics.observeNavigation(err, time.Since(start))
	endNavigationSpan(span, resp, err)

	return resp, err
}

func (m *FrameManager) navigateFrame(ctx context.Context, frame *Frame, url string, opts *FrameGotoOptions) (*Response, error) {
	m.logger.Debugf("FrameManager:NavigateFrame", "fid:%v furl:%s url:%s", frame.ID(), frame.URL(), url)

	watcher := NewLifecycleWatcher(m, frame, opts.WaitUntil, opts.Timeout)
	defer watcher.Dispose()

	type navigateResult struct {
		loaderID  cdp.LoaderID
		errorText string
		err       error
	}
	navCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	navCh := make(chan navigateResult, 1)
	go func() {
		action := page.Navigate(url).WithFrameID(frame.ID())
		if opts.Referer != "" {
			action = action.WithReferrer(opts.Referer)
		}
		_, loaderID, errorText, err := action.Do(cdp.WithExecutor(navCtx, frame.Session()))
		navCh <- navigateResult{loaderID: loaderID, errorText: errorText, err: err}
	}()

	var nav navigateResult
	select {
	case nav = <-navCh:
	case err := <-watcher.TimeoutOrTermination():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if nav.err != nil {
		return nil, &NavigationError{URL: url, Err: nav.err}
	}
	if nav.errorText != "" {
		return nil, &NavigationError{URL: url, Text: nav.errorText}
	}

	// Page.navigate returns a loader ID only when a new document is loaded
	waitCh := watcher.SameDocumentNavigation()
	if nav.loaderID != "" {
		waitCh = watcher.NewDocumentNavigation()
	}
	select {
	case <-waitCh:
	case err := <-watcher.TimeoutOrTermination():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if nav.loaderID == "" {
		return nil, nil
	}

	return watcher.NavigationResponse(), nil
}

// WaitForFrameNavigation waits for the next same-document or new-document
// navigation of frame.
func (m *FrameManager) WaitForFrameNavigation(
	ctx context.Context, frame *Frame, opts *FrameWaitForNavigationOptions,
) (*Response, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "frame.waitForNavigation", trace.WithAttributes(
		attribute.String("frame.id", string(frame.ID())),
	))
	defer span.End()

	resp, err := m.waitForFrameNavigation(ctx, frame, opts)
	m.metrics.observeNavigation(err, time.Since(start))
	endNavigationSpan(span, resp, err)

	return resp, err
}

func (m *FrameManager) waitForFrameNavigation(
	ctx context.Context, frame *Frame, opts *FrameWaitForNavigationOptions,
) (*Response, error) {
	m.logger.Debugf("FrameManager:WaitForFrameNavigation", "fid:%v furl:%s", frame.ID(), frame.URL())

	watcher := NewLifecycleWatcher(m, frame, opts.WaitUntil, opts.Timeout)
	defer watcher.Dispose()

	select {
	case <-watcher.SameDocumentNavigation():
		return nil, nil
	case <-watcher.NewDocumentNavigation():
		return watcher.NavigationResponse(), nil
	case err := <-watcher.TimeoutOrTermination():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *FrameManager) waitForFrameLoadState(ctx context.Context, frame *Frame, state LifecycleEvent, timeout time.Duration) error {
	watcher := NewLifecycleWatcher(m, frame, []LifecycleEvent{state}, timeout)
	defer watcher.Dispose()

	select {
	case <-watcher.Lifecycle():
		return nil
	case err := <-watcher.TimeoutOrTermination():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *FrameManager) dispose() {
	for _, remove := range m.removers {
		remove()
	}

	m.mu.Lock()
	adopted := m.adopted
	m.adopted = make(map[target.SessionID][]func())
	m.mu.Unlock()
	for _, removers := range adopted {
		for _, remove := range removers {
			remove()
		}
	}

	m.network.dispose()
}

func endNavigationSpan(span trace.Span, resp *Response, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if resp != nil {
		span.SetAttributes(attribute.Int64("http.status_code", resp.Status()))
	}
}
