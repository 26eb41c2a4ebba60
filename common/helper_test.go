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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/cdpdriver/log"
)

const (
	testTargetID  = "T1"
	testSessionID = "S1"
	testFrameID   = "F1"
	testLoaderID  = "L0"

	// barrier is an event no handler listens to. Pushing it only returns
	// once everything pushed before has been dispatched.
	barrierMethod = "Test.barrier"

	testWait = 5 * time.Second
)

var errFakeTransportClosed = errors.New("fake transport closed")

// fakeTransport is an in-memory Transport. recvCh is unbuffered so a push
// completes only when the read loop asks for the next message.
type fakeTransport struct {
	recvCh    chan []byte
	sentCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recvCh: make(chan []byte),
		sentCh: make(chan []byte, 128),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case buf := <-t.recvCh:
		return buf, nil
	case <-t.closed:
		return nil, errFakeTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(buf []byte) error {
	select {
	case <-t.closed:
		return errFakeTransportClosed
	case t.sentCh <- buf:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// fakeBrowser plays the browser's side of a fakeTransport. Commands with a
// registered handler are answered automatically, all others are queued for
// expect.
type fakeBrowser struct {
	t  testing.TB
	tr *fakeTransport

	mu       sync.Mutex
	handlers map[cdproto.MethodType]func(*fakeBrowser, *cdproto.Message)
	commands chan *cdproto.Message
}

func newFakeBrowser(t testing.TB) *fakeBrowser {
	t.Helper()

	b := &fakeBrowser{
		t:        t,
		tr:       newFakeTransport(),
		handlers: make(map[cdproto.MethodType]func(*fakeBrowser, *cdproto.Message)),
		commands: make(chan *cdproto.Message, 128),
	}
	go b.loop()

	return b
}

func (b *fakeBrowser) loop() {
	for {
		select {
		case buf := <-b.tr.sentCh:
			var msg cdproto.Message
			if err := easyjson.Unmarshal(buf, &msg); err != nil {
				b.t.Errorf("fake browser: decoding %s: %v", buf, err)
				return
			}
			b.mu.Lock()
			h := b.handlers[msg.Method]
			b.mu.Unlock()
			if h != nil {
				h(b, &msg)
				continue
			}
			b.commands <- &msg
		case <-b.tr.closed:
			return
		}
	}
}

// handle answers every future method command with h.
func (b *fakeBrowser) handle(method cdproto.MethodType, h func(*fakeBrowser, *cdproto.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// handleResult answers every future method command with result.
func (b *fakeBrowser) handleResult(method cdproto.MethodType, result string) {
	b.handle(method, func(b *fakeBrowser, msg *cdproto.Message) {
		b.reply(msg, result)
	})
}

// expect returns the next queued command and checks its method.
func (b *fakeBrowser) expect(method cdproto.MethodType) *cdproto.Message {
	b.t.Helper()

	select {
	case msg := <-b.commands:
		require.Equal(b.t, method, msg.Method)
		return msg
	case <-time.After(testWait):
		require.FailNowf(b.t, "timed out", "waiting for %s", method)
		return nil
	}
}

func (b *fakeBrowser) push(msg *cdproto.Message) {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		b.t.Errorf("fake browser: encoding %s: %v", msg.Method, err)
		return
	}
	select {
	case b.tr.recvCh <- buf:
	case <-b.tr.closed:
	case <-time.After(testWait):
		b.t.Errorf("fake browser: timed out pushing %s", buf)
	}
}

func (b *fakeBrowser) pushRaw(buf string) {
	select {
	case b.tr.recvCh <- []byte(buf):
	case <-b.tr.closed:
	case <-time.After(testWait):
		b.t.Errorf("fake browser: timed out pushing %s", buf)
	}
}

func (b *fakeBrowser) reply(cmd *cdproto.Message, result string) {
	b.push(&cdproto.Message{ID: cmd.ID, SessionID: cmd.SessionID, Result: easyjson.RawMessage(result)})
}

func (b *fakeBrowser) replyError(cmd *cdproto.Message, code int64, message string) {
	b.push(&cdproto.Message{
		ID:        cmd.ID,
		SessionID: cmd.SessionID,
		Error:     &cdproto.Error{Code: code, Message: message},
	})
}

func (b *fakeBrowser) event(sid string, method cdproto.MethodType, params string) {
	msg := &cdproto.Message{SessionID: target.SessionID(sid), Method: method}
	if params != "" {
		msg.Params = easyjson.RawMessage(params)
	}
	b.push(msg)
}

// flush waits until every message pushed so far has been dispatched.
func (b *fakeBrowser) flush() {
	b.push(&cdproto.Message{Method: barrierMethod})
}

func (b *fakeBrowser) close() {
	_ = b.tr.Close()
}

// servePage answers the commands a page issues while it is created, with a
// frame tree made of a single blank main frame.
func (b *fakeBrowser) servePage() {
	b.handle(cdproto.CommandTargetAttachToTarget, func(b *fakeBrowser, msg *cdproto.Message) {
		b.event("", cdproto.EventTargetAttachedToTarget, fmt.Sprintf(
			`{"sessionId":%q,"targetInfo":{"targetId":%q,"type":"page","title":"","url":"about:blank","attached":true,"canAccessOpener":false},"waitingForDebugger":false}`,
			testSessionID, testTargetID))
		b.reply(msg, fmt.Sprintf(`{"sessionId":%q}`, testSessionID))
	})
	b.handleResult(cdproto.CommandTargetCreateTarget, fmt.Sprintf(`{"targetId":%q}`, testTargetID))
	b.handleResult(cdproto.CommandPageEnable, `{}`)
	b.handleResult(cdproto.CommandPageGetFrameTree, fmt.Sprintf(
		`{"frameTree":{"frame":{"id":%q,"loaderId":%q,"url":"about:blank","securityOrigin":"://","mimeType":"text/html"}}}`,
		testFrameID, testLoaderID))
	b.handleResult(cdproto.CommandTargetSetAutoAttach, `{}`)
	b.handleResult(cdproto.CommandPageSetLifecycleEventsEnabled, `{}`)
	b.handleResult(cdproto.CommandRuntimeEnable, `{}`)
	b.handleResult(cdproto.CommandNetworkEnable, `{}`)
	b.handleResult(cdproto.CommandNetworkSetExtraHTTPHeaders, `{}`)
	b.handleResult(cdproto.CommandPageAddScriptToEvaluateOnNewDocument, `{"identifier":"1"}`)
	b.handleResult(cdproto.CommandPageCreateIsolatedWorld, `{"executionContextId":100}`)
}

// newTestConnection starts a connection on a fake browser. Both are closed
// when the test ends.
func newTestConnection(t testing.TB, opts ...ConnectionOption) (*Connection, *fakeBrowser) {
	t.Helper()

	b := newFakeBrowser(t)
	conn := NewConnectionWithTransport(context.Background(), b.tr, log.NewNullLogger(), opts...)
	t.Cleanup(func() {
		conn.Close()
		b.close()
	})

	return conn, b
}

// newTestPage creates a page with its main frame F1 on a fake browser.
func newTestPage(t testing.TB, opts *BrowserOptions) (*Page, *fakeBrowser) {
	t.Helper()

	if opts == nil {
		opts = NewBrowserOptions()
	}
	conn, b := newTestConnection(t, connectionOptions(opts)...)
	b.servePage()

	browser := NewBrowser(conn, log.NewNullLogger(), opts)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	p, err := browser.NewPage(ctx)
	require.NoError(t, err)

	return p, b
}

// waitClosed fails the test if ch is not closed in time.
func waitClosed(t testing.TB, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(testWait):
		require.FailNowf(t, "timed out", "waiting for %s", what)
	}
}

// requireOpen fails the test if ch is closed.
func requireOpen(t testing.TB, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
		require.FailNowf(t, "unexpectedly closed", "%s", what)
	default:
	}
}

func waitTimeout() <-chan time.Time {
	return time.After(testWait)
}
