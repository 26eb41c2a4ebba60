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

package ws

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// Server can be used as a test alternative to a real CDP compatible browser.
// Paths without a registered handler are served by httpbin.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WSURL returns the websocket URL of path on the server.
func (s *Server) WSURL(path string) string {
	addr := s.ServerHTTP.Listener.Addr().String()
	return fmt.Sprintf("ws://%s%s", addr, path)
}

// Commands records the methods of the commands a CDP handler received.
type Commands struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (c *Commands) add(m cdproto.MethodType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = append(c.methods, m)
}

// Methods returns the received methods in arrival order.
func (c *Commands) Methods() []cdproto.MethodType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cdproto.MethodType(nil), c.methods...)
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// wait for the first frame so the client has a command in flight,
		// then drop the connection without a close handshake
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, e := conn.NextReader()
		if e != nil {
			return
		}
		var wc io.WriteCloser
		wc, err = conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithCDPHandler attaches a custom CDP handler function to Server. Every
// command is recorded into cmds when it is not nil.
func WithCDPHandler(
	path string,
	fn func(msg *cdproto.Message, writeCh chan<- cdproto.Message),
	cmds *Commands,
) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			defer close(done)
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return
				}
				if msg.Method != "" && cmds != nil {
					cmds.add(msg.Method)
				}
				fn(&msg, writeCh)
			}
		}()

		for {
			select {
			case msg := <-writeCh:
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if encoder.Error != nil {
					return
				}
				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				if err := writer.Close(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Fixed identifiers used by CDPDefaultHandler.
const (
	DefaultTargetID  = "target_id_0123456789"
	DefaultSessionID = "session_id_0123456789"
)

// CDPDefaultHandler answers every command with an empty result. Attaching
// to a target announces DefaultSessionID first.
func CDPDefaultHandler(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
	const (
		targetAttachedToTargetEvent = `
		{
			"sessionId": "` + DefaultSessionID + `",
			"targetInfo": {
				"targetId": "` + DefaultTargetID + `",
				"type": "page",
				"title": "",
				"url": "about:blank",
				"attached": true,
				"canAccessOpener": false
			},
			"waitingForDebugger": false
		}`

		targetAttachedToTargetResult = `{"sessionId":"` + DefaultSessionID + `"}`
	)

	if msg.Method == "" {
		return
	}
	if msg.SessionID == "" && msg.Method == cdproto.CommandTargetAttachToTarget {
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(targetAttachedToTargetEvent),
		}
		writeCh <- cdproto.Message{
			ID:     msg.ID,
			Result: easyjson.RawMessage(targetAttachedToTargetResult),
		}
		return
	}
	writeCh <- cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage("{}"),
	}
}

// NewCDPServer is a shorthand for a server with CDPDefaultHandler on /cdp.
func NewCDPServer(t testing.TB, cmds *Commands) *Server {
	t.Helper()
	s := NewServer(t, WithCDPHandler("/cdp", CDPDefaultHandler, cmds))
	require.NotEmpty(t, s.WSURL("/cdp"))
	return s
}

// Identifiers and metadata of the page scripted by CDPPageHandler.
const (
	DefaultFrameID      = "frame_id_0123456789"
	DefaultChildFrameID = "frame_id_child"
	DefaultProduct      = "HeadlessChrome/118.0.5993.0"
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/118.0.5993.0"

	// UnreachableHost makes Page.navigate fail with a network error.
	UnreachableHost = "unreachable.invalid"
)

// CDPPageHandler behaves like a browser with a single page target. Every
// navigation loads a document holding one child frame and completes all of
// its lifecycle events. Other commands get an empty result.
func CDPPageHandler(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
	if msg.Method == "" {
		return
	}
	reply := func(result string) {
		writeCh <- cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: easyjson.RawMessage(result)}
	}
	event := func(method cdproto.MethodType, format string, args ...any) {
		writeCh <- cdproto.Message{
			SessionID: DefaultSessionID,
			Method:    method,
			Params:    easyjson.RawMessage(fmt.Sprintf(format, args...)),
		}
	}

	switch msg.Method {
	case cdproto.CommandTargetCreateTarget:
		reply(fmt.Sprintf(`{"targetId":%q}`, DefaultTargetID))
	case cdproto.CommandBrowserGetVersion:
		reply(fmt.Sprintf(`{"protocolVersion":"1.3","product":%q,"revision":"@0","userAgent":%q,"jsVersion":"11.8"}`,
			DefaultProduct, DefaultUserAgent))
	case cdproto.CommandPageGetFrameTree:
		reply(fmt.Sprintf(`{"frameTree":{"frame":{"id":%q,"loaderId":"L0","url":"about:blank","securityOrigin":"://","mimeType":"text/html"}}}`,
			DefaultFrameID))
	case cdproto.CommandPageNavigate:
		url := gjson.GetBytes(msg.Params, "url").String()
		loaderID := fmt.Sprintf("L%d", msg.ID)
		if strings.Contains(url, UnreachableHost) {
			reply(fmt.Sprintf(`{"frameId":%q,"loaderId":%q,"errorText":"net::ERR_NAME_NOT_RESOLVED"}`, DefaultFrameID, loaderID))
			return
		}
		reply(fmt.Sprintf(`{"frameId":%q,"loaderId":%q}`, DefaultFrameID, loaderID))
		event(cdproto.EventNetworkRequestWillBeSent,
			`{"requestId":%q,"loaderId":%q,"documentURL":%q,"request":{"url":%q,"method":"GET","headers":{}},"type":"Document","frameId":%q}`,
			loaderID, loaderID, url, url, DefaultFrameID)
		event(cdproto.EventNetworkResponseReceived,
			`{"requestId":%q,"loaderId":%q,"type":"Document","response":{"url":%q,"status":200,"statusText":"OK","headers":{"content-type":"text/html"},"mimeType":"text/html"},"frameId":%q}`,
			loaderID, loaderID, url, DefaultFrameID)
		lifecycle := func(fid, lid, name string) {
			event(cdproto.EventPageLifecycleEvent, `{"frameId":%q,"loaderId":%q,"name":%q}`, fid, lid, name)
		}
		navigated := func(fid, parent, lid, url string) {
			var parentID string
			if parent != "" {
				parentID = fmt.Sprintf(`"parentId":%q,`, parent)
			}
			event(cdproto.EventPageFrameNavigated,
				`{"frame":{"id":%q,%s"loaderId":%q,"url":%q,"securityOrigin":"","mimeType":"text/html"}}`,
				fid, parentID, lid, url)
		}
		lifecycle(DefaultFrameID, loaderID, "init")
		navigated(DefaultFrameID, "", loaderID, url)
		event(cdproto.EventPageFrameAttached, `{"frameId":%q,"parentFrameId":%q}`, DefaultChildFrameID, DefaultFrameID)
		childLoaderID := loaderID + "-child"
		lifecycle(DefaultChildFrameID, childLoaderID, "init")
		navigated(DefaultChildFrameID, DefaultFrameID, childLoaderID, "about:srcdoc")
		for _, name := range []string{"DOMContentLoaded", "load"} {
			lifecycle(DefaultChildFrameID, childLoaderID, name)
			lifecycle(DefaultFrameID, loaderID, name)
		}
	default:
		CDPDefaultHandler(msg, writeCh)
	}
}
