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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/cdpdriver/log"
)

// Ensure Connection implements the EventEmitter and Executor interfaces
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

/*
	Connection represents a WebSocket connection and the root "Browser Session".

	                                      ┌───────────────────────────────────────────────────────────────────┐
                                          │                                                                   │
                                          │                          Browser Process                          │
                                          │                                                                   │
                                          └───────────────────────────────────────────────────────────────────┘
┌───────────────────────────┐                                           │      ▲
│  Decodes JSON-RPC frames  │                                           │      │
│ on a single read loop and │                                           ▼      │
│  routes them to a session │             ┌───────────────────────────────────────────────────────────────────┐
│ by their session ID. No   ├─────────────■                          MessageChannel                           │
│ session ID means the root │             │                                                                   │
│   "Browser Session".      │             └───────────────────────────────────────────────────────────────────┘
└───────────────────────────┘                    │      ▲                                       │      ▲
                                                 │      │                                       │      │
┌───────────────────────────┐                    ▼      │                                       ▼      │
│ Resolves pending commands │             ┌────────────────────┐                         ┌────────────────────┐
│ by message ID, emits CDP  ├─────────────■                    │                         │                    │
│ events synchronously, in  │             │      Session       │      *  *  *  *  *      │      Session       │
│      arrival order.       │             │                    │                         │                    │
└───────────────────────────┘             └────────────────────┘                         └────────────────────┘
                                                 │                                              │
                                                 ▼                                              ▼
┌───────────────────────────┐             ┌────────────────────┐                         ┌────────────────────┐
│ FrameManager and          ├─────────────■                    │                         │                    │
│ NetworkManager update     │             │   Event Listener   │      *  *  *  *  *      │   Event Listener   │
│ state from CDP events.    │             │                    │                         │                    │
└───────────────────────────┘             └────────────────────┘                         └────────────────────┘
*/
type Connection struct {
	BaseEventEmitter

	ctx     context.Context
	logger  *log.Logger
	channel *MessageChannel
	metrics *Metrics
	root    *Session

	// commandTimeout applies to commands whose context carries no
	// WithCommandTimeout override. Zero disables it.
	commandTimeout time.Duration

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
	closed     bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionCommandTimeout sets the default command timeout.
func WithConnectionCommandTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.commandTimeout = d }
}

// WithConnectionMetrics records command statistics into m.
func WithConnectionMetrics(m *Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = m }
}

// NewConnection dials wsURL and starts reading from it.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger, opts ...ConnectionOption) (*Connection, error) {
	t, err := NewWSTransport(ctx, wsURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	return NewConnectionWithTransport(ctx, t, logger, opts...), nil
}

// NewConnectionWithTransport starts a connection over an established transport.
func NewConnectionWithTransport(ctx context.Context, t Transport, logger *log.Logger, opts ...ConnectionOption) *Connection {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	logger = logger.WithFields(logrus.Fields{"trace_id": traceID})

	c := &Connection{
		BaseEventEmitter: BaseEventEmitter{logger: logger},
		ctx:              WithTraceID(ctx, traceID),
		logger:           logger,
		commandTimeout:   DefaultCommandTimeout,
		sessions:         make(map[target.SessionID]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.root = newSession(c, "", "", "browser")
	c.channel = NewMessageChannel(t, logger, c.onMessage, c.onClose)
	c.channel.Start()

	return c
}

func (c *Connection) send(msg *cdproto.Message) error {
	return c.channel.Send(msg)
}

// onMessage runs on the channel's read loop.
func (c *Connection) onMessage(msg *cdproto.Message) {
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		var ev target.EventAttachedToTarget
		if err := easyjson.Unmarshal(msg.Params, &ev); err != nil {
			c.logger.Errorf("Connection:onMessage", "decoding %s: %v", msg.Method, err)
			return
		}
		c.attachSession(ev.SessionID, ev.TargetInfo)
	case cdproto.EventTargetDetachedFromTarget:
		var ev target.EventDetachedFromTarget
		if err := easyjson.Unmarshal(msg.Params, &ev); err != nil {
			c.logger.Errorf("Connection:onMessage", "decoding %s: %v", msg.Method, err)
			return
		}
		c.detachSession(ev.SessionID)
	}

	if msg.SessionID == "" {
		c.root.dispatch(msg)
		return
	}

	s := c.Session(msg.SessionID)
	if s == nil {
		c.logger.Debugf("Connection:onMessage", "dropping %q for unknown sid:%v id:%d", msg.Method, msg.SessionID, msg.ID)
		c.metrics.messageDropped()
		return
	}
	s.dispatch(msg)
}

func (c *Connection) attachSession(id target.SessionID, info *target.Info) {
	var (
		tid   target.ID
		ttype string
	)
	if info != nil {
		tid, ttype = info.TargetID, info.Type
	}

	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.sessions[id]; ok {
		return
	}
	c.logger.Debugf("Connection:attachSession", "sid:%v tid:%v type:%s", id, tid, ttype)
	c.sessions[id] = newSession(c, id, tid, ttype)
	c.metrics.sessionAttached()
}

func (c *Connection) detachSession(id target.SessionID) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.sessionsMu.Unlock()

	if !ok {
		return
	}
	c.logger.Debugf("Connection:detachSession", "sid:%v tid:%v", id, s.targetID)
	c.metrics.sessionDetached()
	s.close(&TerminationError{Reason: "target detached", Err: ErrSessionClosed})
}

func (c *Connection) onClose(err error) {
	c.sessionsMu.Lock()
	if c.closed {
		c.sessionsMu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[target.SessionID]*Session)
	c.sessionsMu.Unlock()

	c.logger.Debugf("Connection:onClose", "closing %d sessions: %v", len(sessions), err)
	for _, s := range sessions {
		c.metrics.sessionDetached()
		s.close(err)
	}
	c.root.close(err)

	emitEvent(c, EventConnectionClose, err)
}

// Session returns the attached session with the given ID, or nil.
func (c *Connection) Session(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

// createSession attaches to a target in flat mode and returns its session.
// The browser announces the session with Target.attachedToTarget before it
// answers the attach command, so the session is registered by then.
func (c *Connection) createSession(info *target.Info) (*Session, error) {
	c.logger.Debugf("Connection:createSession", "tid:%v bctxid:%v type:%s", info.TargetID, info.BrowserContextID, info.Type)

	action := target.AttachToTarget(info.TargetID).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(c.ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %v: %w", info.TargetID, err)
	}
	s := c.Session(sid)
	if s == nil {
		return nil, fmt.Errorf("attaching to target %v: session %v was not announced", info.TargetID, sid)
	}

	return s, nil
}

// Execute implements the cdp.Executor interface on the browser session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.root.Execute(ctx, method, params, res)
}

// RootSession returns the browser session.
func (c *Connection) RootSession() *Session {
	return c.root
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.channel.Done()
}

// IsClosed reports whether the connection was disposed or lost.
func (c *Connection) IsClosed() bool {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.closed
}

// Close disposes the connection. Every session is closed and every pending
// command fails with a TransportError wrapping ErrConnectionClosed.
func (c *Connection) Close() {
	c.channel.Close()
}
