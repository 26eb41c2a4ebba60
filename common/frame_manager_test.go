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
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func frameAttachedParams(fid, parent string) string {
	return fmt.Sprintf(`{"frameId":%q,"parentFrameId":%q}`, fid, parent)
}

// frameNavigatedParams leaves parentId out for main frames, like browsers do.
func frameNavigatedParams(fid, parent, lid, url string) string {
	var parentID string
	if parent != "" {
		parentID = fmt.Sprintf(`"parentId":%q,`, parent)
	}
	return fmt.Sprintf(
		`{"frame":{"id":%q,%s"loaderId":%q,"url":%q,"securityOrigin":"","mimeType":"text/html"}}`,
		fid, parentID, lid, url)
}

func contextCreatedParams(id int, name, fid string, isDefault bool) string {
	typ := "isolated"
	if isDefault {
		typ = "default"
	}
	return fmt.Sprintf(
		`{"context":{"id":%d,"origin":"https://example.com","name":%q,"uniqueId":"u%d","auxData":{"frameId":%q,"isDefault":%t,"type":%q}}}`,
		id, name, id, fid, isDefault, typ)
}

func frameIDs(frames []*Frame) []cdp.FrameID {
	ids := make([]cdp.FrameID, 0, len(frames))
	for _, f := range frames {
		ids = append(ids, f.ID())
	}
	return ids
}

func TestFrameManagerInitialTree(t *testing.T) {
	t.Parallel()

	p, _ := newTestPage(t, nil)

	main := p.MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, cdp.FrameID(testFrameID), main.ID())
	// loader IDs are only taken from init lifecycle events
	assert.Empty(t, main.LoaderID())
	assert.Equal(t, "about:blank", main.URL())
	assert.Nil(t, main.ParentFrame())
	assert.Same(t, main, p.Frame(testFrameID))
	assert.Equal(t, []cdp.FrameID{testFrameID}, frameIDs(p.Frames()))
}

func TestFrameManagerAttachNavigateDetach(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	fm := p.FrameManager()

	var events []string
	On(fm, EventFrameAttached, func(f *Frame) { events = append(events, "attached:"+string(f.ID())) })
	On(fm, EventFrameNavigated, func(f *Frame) { events = append(events, "navigated:"+string(f.ID())) })
	On(fm, EventFrameDetached, func(f *Frame) { events = append(events, "detached:"+string(f.ID())) })

	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F2", testFrameID))
	// attaching twice is a no-op
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F2", testFrameID))
	b.event(testSessionID, cdproto.EventPageFrameNavigated, frameNavigatedParams("F2", testFrameID, "L2", "https://example.com/child"))
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F3", "F2"))
	b.flush()

	f2, f3 := p.Frame("F2"), p.Frame("F3")
	require.NotNil(t, f2)
	require.NotNil(t, f3)
	assert.Same(t, p.MainFrame(), f2.ParentFrame())
	assert.Same(t, f2, f3.ParentFrame())
	assert.Equal(t, "https://example.com/child", f2.URL())
	assert.Equal(t, []cdp.FrameID{testFrameID, "F2", "F3"}, frameIDs(p.Frames()))

	b.event(testSessionID, cdproto.EventPageFrameDetached, `{"frameId":"F2"}`)
	b.event(testSessionID, cdproto.EventPageFrameDetached, `{"frameId":"F2"}`)
	b.flush()

	assert.Equal(t, []string{
		"attached:F2",
		"navigated:F2",
		"attached:F3",
		"detached:F3",
		"detached:F2",
	}, events)
	assert.True(t, f2.IsDetached())
	assert.True(t, f3.IsDetached())
	assert.Nil(t, p.Frame("F2"))
	assert.Nil(t, p.Frame("F3"))
	assert.Empty(t, p.MainFrame().ChildFrames())
}

func TestFrameManagerUnknownParentIsIgnored(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)

	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F2", "nope"))
	b.flush()

	assert.Nil(t, p.Frame("F2"))
	requireOpen(t, p.Session().Done(), "session")
}

func TestFrameManagerNavigationRemovesOldSubframes(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F2", testFrameID))
	b.flush()
	f2 := p.Frame("F2")
	require.NotNil(t, f2)

	b.event(testSessionID, cdproto.EventPageFrameNavigated, frameNavigatedParams(testFrameID, "", "L1", "https://example.com/"))
	b.flush()

	assert.True(t, f2.IsDetached())
	assert.Nil(t, p.Frame("F2"))
	assert.Equal(t, "https://example.com/", p.MainFrame().URL())
}

func TestFrameManagerMainFrameKeepsIdentity(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	main := p.MainFrame()

	// a cross-process navigation gives the main frame a new ID
	b.event(testSessionID, cdproto.EventPageFrameNavigated, frameNavigatedParams("F9", "", "L9", "https://example.com/"))
	b.flush()

	assert.Same(t, main, p.MainFrame())
	assert.Equal(t, cdp.FrameID("F9"), main.ID())
	assert.Same(t, main, p.Frame("F9"))
	assert.Nil(t, p.Frame(testFrameID))
}

func TestFrameManagerNavigatedWithinDocument(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	main := p.MainFrame()
	loaderID := main.LoaderID()

	var within int
	On(p.FrameManager(), EventFrameNavigatedWithinDocument, func(*Frame) { within++ })

	b.event(testSessionID, cdproto.EventPageNavigatedWithinDocument,
		fmt.Sprintf(`{"frameId":%q,"url":"about:blank#anchor"}`, testFrameID))
	b.flush()

	assert.Equal(t, 1, within)
	assert.Equal(t, "about:blank#anchor", main.URL())
	assert.Equal(t, loaderID, main.LoaderID())
}

func TestFrameManagerUnknownChildNavigationTerminatesSession(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)

	b.event(testSessionID, cdproto.EventPageFrameNavigated, frameNavigatedParams("FX", testFrameID, "LX", "https://example.com/"))
	b.flush()

	waitClosed(t, p.Session().Done(), "session close")
	var ierr *InvariantError
	require.ErrorAs(t, p.Session().Err(), &ierr)
}

func TestFrameManagerLifecycleEvents(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	main := p.MainFrame()

	lifecycle := func(lid, name string) {
		b.event(testSessionID, cdproto.EventPageLifecycleEvent,
			fmt.Sprintf(`{"frameId":%q,"loaderId":%q,"name":%q}`, testFrameID, lid, name))
	}

	lifecycle(testLoaderID, "DOMContentLoaded")
	lifecycle(testLoaderID, "load")
	b.flush()
	assert.True(t, main.hasLifecycleEvent("load"))
	assert.True(t, main.hasLifecycleEvent("DOMContentLoaded"))

	lifecycle("L1", "init")
	b.flush()
	assert.Equal(t, cdp.LoaderID("L1"), main.LoaderID())
	assert.False(t, main.hasLifecycleEvent("load"))

	b.event(testSessionID, cdproto.EventPageFrameStoppedLoading, fmt.Sprintf(`{"frameId":%q}`, testFrameID))
	b.flush()
	assert.True(t, main.hasLifecycleEvent("load"))
	assert.True(t, main.hasLifecycleEvent("DOMContentLoaded"))
}

func TestFrameManagerExecutionContexts(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	main := p.MainFrame()
	ctx := context.Background()

	var created, destroyed []int64
	On(p.FrameManager(), EventExecutionContextCreated, func(e *ExecutionContext) { created = append(created, int64(e.ID())) })
	On(p.FrameManager(), EventExecutionContextDestroyed, func(e *ExecutionContext) { destroyed = append(destroyed, int64(e.ID())) })

	b.event(testSessionID, cdproto.EventRuntimeExecutionContextCreated, contextCreatedParams(1, "", testFrameID, true))
	b.event(testSessionID, cdproto.EventRuntimeExecutionContextCreated, contextCreatedParams(2, UtilityWorldName, testFrameID, false))
	// a second context with the utility name belongs to no world
	b.event(testSessionID, cdproto.EventRuntimeExecutionContextCreated, contextCreatedParams(3, UtilityWorldName, testFrameID, false))
	b.flush()

	mainCtx, err := main.MainWorld().ExecutionContext(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, mainCtx.ID())
	assert.Equal(t, cdp.FrameID(testFrameID), mainCtx.FrameID())
	assert.Equal(t, "https://example.com", mainCtx.Origin())
	assert.Same(t, main.MainWorld(), mainCtx.World())

	utilCtx, err := main.UtilityWorld().ExecutionContext(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, utilCtx.ID())
	assert.Equal(t, UtilityWorldName, utilCtx.Name())

	other := p.FrameManager().executionContext(3)
	require.NotNil(t, other)
	assert.Nil(t, other.World())

	// clearing and then destroying the same context unbinds it once
	b.event(testSessionID, cdproto.EventRuntimeExecutionContextsCleared, `{}`)
	b.event(testSessionID, cdproto.EventRuntimeExecutionContextDestroyed, `{"executionContextId":1}`)
	b.flush()

	assert.Equal(t, []int64{1, 2, 3}, created)
	assert.Equal(t, []int64{1, 2, 3}, destroyed)
	waitClosed(t, mainCtx.Destroyed(), "context 1 destroyed")
	assert.False(t, main.MainWorld().hasContext())
	assert.False(t, main.UtilityWorld().hasContext())

	got := make(chan *ExecutionContext, 1)
	go func() {
		ectx, err := main.MainWorld().ExecutionContext(ctx)
		if err == nil {
			got <- ectx
		}
	}()
	b.event(testSessionID, cdproto.EventRuntimeExecutionContextCreated, contextCreatedParams(4, "", testFrameID, true))

	select {
	case ectx := <-got:
		assert.EqualValues(t, 4, ectx.ID())
	case <-waitTimeout():
		require.FailNow(t, "main world was not rebound")
	}
}

func TestFrameManagerDetachUnblocksWorldWaiters(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F2", testFrameID))
	b.flush()
	f2 := p.Frame("F2")
	require.NotNil(t, f2)

	errCh := make(chan error, 1)
	go func() {
		_, err := f2.MainWorld().ExecutionContext(context.Background())
		errCh <- err
	}()
	b.event(testSessionID, cdproto.EventPageFrameDetached, `{"frameId":"F2"}`)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrFrameDetached)
	case <-waitTimeout():
		require.FailNow(t, "waiter was not released")
	}
}

const (
	testIFrameID        = "F2"
	testIFrameSessionID = "S2"
)

// adoptIFrame moves the attached frame F2 into a session of its own, the
// way browsers report out-of-process iframes, and waits until the session
// is set up.
func adoptIFrame(t *testing.T, b *fakeBrowser) {
	t.Helper()

	resumed := make(chan struct{})
	b.handle(cdproto.CommandPageGetFrameTree, func(b *fakeBrowser, msg *cdproto.Message) {
		b.reply(msg, fmt.Sprintf(
			`{"frameTree":{"frame":{"id":%q,"parentId":%q,"loaderId":"C1","url":"https://other.example/","securityOrigin":"https://other.example","mimeType":"text/html"}}}`,
			testIFrameID, testFrameID))
	})
	b.handle(cdproto.CommandRuntimeRunIfWaitingForDebugger, func(b *fakeBrowser, msg *cdproto.Message) {
		b.reply(msg, `{}`)
		if msg.SessionID == testIFrameSessionID {
			close(resumed)
		}
	})
	b.event(testSessionID, cdproto.EventTargetAttachedToTarget, fmt.Sprintf(
		`{"sessionId":%q,"targetInfo":{"targetId":%q,"type":"iframe","title":"","url":"https://other.example/","attached":true,"canAccessOpener":false},"waitingForDebugger":true}`,
		testIFrameSessionID, testIFrameID))
	waitClosed(t, resumed, "iframe session resumed")
}

func TestFrameManagerOutOfProcessIFrame(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	ctx := context.Background()
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams(testIFrameID, testFrameID))
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F3", testIFrameID))
	b.flush()
	f2, f3 := p.Frame(testIFrameID), p.Frame("F3")
	require.NotNil(t, f2)
	require.NotNil(t, f3)

	adoptIFrame(t, b)

	child := p.Session().conn.Session(testIFrameSessionID)
	require.NotNil(t, child)
	assert.Same(t, child, f2.Session())
	assert.Same(t, p.Session(), p.MainFrame().Session())
	assert.Equal(t, "https://other.example/", f2.URL())
	// the subframes of the in-process document are gone
	assert.True(t, f3.IsDetached())
	assert.Equal(t, []cdp.FrameID{testFrameID, testIFrameID}, frameIDs(p.Frames()))

	t.Run("events", func(t *testing.T) {
		b.event(testIFrameSessionID, cdproto.EventPageLifecycleEvent, lifecycleParams(testIFrameID, "C2", "init"))
		b.event(testIFrameSessionID, cdproto.EventRuntimeExecutionContextCreated, contextCreatedParams(1, "", testIFrameID, true))
		// context IDs are per session
		b.event(testSessionID, cdproto.EventRuntimeExecutionContextCreated, contextCreatedParams(1, "", testFrameID, true))
		b.flush()

		assert.Equal(t, cdp.LoaderID("C2"), f2.LoaderID())
		iframeCtx, err := f2.MainWorld().ExecutionContext(ctx)
		require.NoError(t, err)
		assert.Same(t, child, iframeCtx.session)
		mainCtx, err := p.MainFrame().MainWorld().ExecutionContext(ctx)
		require.NoError(t, err)
		assert.NotSame(t, iframeCtx, mainCtx)
		assert.Same(t, p.Session(), mainCtx.session)
	})

	t.Run("load state includes the iframe", func(t *testing.T) {
		loadDocument(b, testFrameID, "L1")

		errCh := make(chan error, 1)
		go func() {
			errCh <- p.MainFrame().WaitForLoadState(ctx, LifecycleEventLoad, &FrameWaitForLoadStateOptions{Timeout: testWait})
		}()
		select {
		case err := <-errCh:
			require.FailNowf(t, "load state reached early", "%v", err)
		case <-time.After(50 * time.Millisecond):
		}

		b.event(testIFrameSessionID, cdproto.EventPageLifecycleEvent, lifecycleParams(testIFrameID, "C2", "DOMContentLoaded"))
		b.event(testIFrameSessionID, cdproto.EventPageLifecycleEvent, lifecycleParams(testIFrameID, "C2", "load"))
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-waitTimeout():
			require.FailNow(t, "load state was not reached")
		}
	})

	t.Run("navigation", func(t *testing.T) {
		resCh := goAsync(ctx, f2, "https://other.example/next", gotoOptions(testWait))
		cmd := b.expect(cdproto.CommandPageNavigate)
		assert.Equal(t, target.SessionID(testIFrameSessionID), cmd.SessionID)
		b.replyError(cmd, -32000, "Cannot navigate")

		var nerr *NavigationError
		require.ErrorAs(t, waitResult(t, resCh).err, &nerr)
	})

	t.Run("detach", func(t *testing.T) {
		iframeCtx, err := f2.MainWorld().ExecutionContext(ctx)
		require.NoError(t, err)

		b.event(testSessionID, cdproto.EventTargetDetachedFromTarget,
			fmt.Sprintf(`{"sessionId":%q,"targetId":%q}`, testIFrameSessionID, testIFrameID))
		b.flush()

		waitClosed(t, child.Done(), "iframe session close")
		waitClosed(t, iframeCtx.Destroyed(), "iframe context destroyed")
		assert.True(t, f2.IsDetached())
		assert.Nil(t, p.Frame(testIFrameID))
		assert.Zero(t, child.listenerCount(string(cdpFrameNavigated)))
		requireOpen(t, p.Session().Done(), "page session")
	})
}

func TestFrameManagerSwappedFrameKeepsIdentity(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams(testIFrameID, testFrameID))
	b.event(testSessionID, cdproto.EventPageFrameAttached, frameAttachedParams("F3", testIFrameID))
	b.flush()
	f2, f3 := p.Frame(testIFrameID), p.Frame("F3")
	require.NotNil(t, f2)
	require.NotNil(t, f3)

	b.event(testSessionID, cdproto.EventPageFrameDetached,
		fmt.Sprintf(`{"frameId":%q,"reason":"swap"}`, testIFrameID))
	b.flush()

	assert.False(t, f2.IsDetached())
	assert.Same(t, f2, p.Frame(testIFrameID))
	assert.True(t, f3.IsDetached())

	b.event(testSessionID, cdproto.EventPageFrameDetached,
		fmt.Sprintf(`{"frameId":%q,"reason":"remove"}`, testIFrameID))
	b.flush()
	assert.True(t, f2.IsDetached())
}

func TestFrameManagerReleasesOtherTargets(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	b.event(testSessionID, cdproto.EventTargetAttachedToTarget,
		`{"sessionId":"W1","targetInfo":{"targetId":"W1","type":"worker","title":"","url":"","attached":true,"canAccessOpener":false},"waitingForDebugger":true}`)

	resume := b.expect(cdproto.CommandRuntimeRunIfWaitingForDebugger)
	assert.Equal(t, target.SessionID("W1"), resume.SessionID)
	detach := b.expect(cdproto.CommandTargetDetachFromTarget)
	assert.Equal(t, p.Session().ID(), detach.SessionID)
	assert.Equal(t, "W1", gjson.GetBytes(detach.Params, "sessionId").String())
	assert.Equal(t, []cdp.FrameID{testFrameID}, frameIDs(p.Frames()))
}
