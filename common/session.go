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
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/cdpdriver/log"
)

// Ensure Session implements the EventEmitter and Executor interfaces
var (
	_ EventEmitter = &Session{}
	_ cdp.Executor = &Session{}
)

// Session represents a CDP session to a target. Messages without a session
// ID belong to the connection's root session.
type Session struct {
	BaseEventEmitter

	conn       *Connection
	logger     *log.Logger
	id         target.SessionID
	targetID   target.ID
	targetType string
	msgID      int64

	mu      sync.Mutex
	pending map[int64]*pendingCommand
	// unawaited holds the IDs of commands sent without expecting a reply,
	// so their replies are not mistaken for stray messages.
	unawaited map[int64]struct{}
	closed    bool
	closeErr  error
	done      chan struct{}
}

type pendingCommand struct {
	method string
	// resultCh receives exactly one result, from whichever path removed the
	// command from the pending map.
	resultCh chan commandResult
}

type commandResult struct {
	msg *cdproto.Message
	err error
}

func newSession(conn *Connection, id target.SessionID, targetID target.ID, targetType string) *Session {
	return &Session{
		BaseEventEmitter: BaseEventEmitter{logger: conn.logger},
		conn:             conn,
		logger:           conn.logger,
		id:               id,
		targetID:         targetID,
		targetType:       targetType,
		pending:          make(map[int64]*pendingCommand),
		unawaited:        make(map[int64]struct{}),
		done:             make(chan struct{}),
	}
}

// ID returns the session ID, empty for the root session.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the ID of the target the session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session was closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	start := time.Now()
	err := s.execute(ctx, method, params, res)
	s.conn.metrics.observeCommand(method, err, time.Since(start))
	if err != nil {
		s.logger.Debugf("Session:Execute", "sid:%v method:%s err:%v", s.id, method, err)
	}

	return err
}

func (s *Session) execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id, cmd, err := s.send(method, params, true)
	if err != nil {
		return err
	}

	timeout := s.conn.commandTimeout
	if d, ok := getCommandTimeout(ctx); ok {
		timeout = d
	}
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var r commandResult
	select {
	case r = <-cmd.resultCh:
	case <-timeoutCh:
		if !s.forget(id) {
			r = <-cmd.resultCh
			break
		}
		return &TimeoutError{Op: method, Timeout: timeout}
	case <-ctx.Done():
		if !s.forget(id) {
			r = <-cmd.resultCh
			break
		}
		return ctx.Err()
	}

	if r.err != nil {
		return r.err
	}
	if r.msg.Error != nil {
		return &ProtocolError{Method: method, Code: r.msg.Error.Code, Message: r.msg.Error.Message}
	}
	if res != nil && len(r.msg.Result) > 0 {
		return easyjson.Unmarshal(r.msg.Result, res)
	}

	return nil
}

// ExecuteWithoutExpectationOnReply sends a command and does not wait for the
// browser to answer. The reply, if any, is dropped.
func (s *Session) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	_, _, err := s.send(method, params, false)
	return err
}

func (s *Session) send(method string, params easyjson.Marshaler, expectReply bool) (int64, *pendingCommand, error) {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return 0, nil, err
		}
	}

	id := atomic.AddInt64(&s.msgID, 1)
	cmd := &pendingCommand{
		method:   method,
		resultCh: make(chan commandResult, 1),
	}

	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return 0, nil, err
	}
	if expectReply {
		s.pending[id] = cmd
	} else {
		s.unawaited[id] = struct{}{}
	}
	s.mu.Unlock()

	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	if err := s.conn.send(msg); err != nil {
		s.forget(id)
		s.mu.Lock()
		delete(s.unawaited, id)
		s.mu.Unlock()
		return 0, nil, err
	}

	return id, cmd, nil
}

// forget removes a pending command. It reports false if the command was
// already resolved by someone else.
func (s *Session) forget(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) resolve(msg *cdproto.Message) {
	s.mu.Lock()
	cmd, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	_, unawaited := s.unawaited[msg.ID]
	delete(s.unawaited, msg.ID)
	s.mu.Unlock()

	if unawaited {
		return
	}
	if !ok {
		s.logger.Debugf("Session:resolve", "sid:%v dropping reply to unknown or abandoned command id:%d", s.id, msg.ID)
		s.conn.metrics.messageDropped()
		return
	}
	cmd.resultCh <- commandResult{msg: msg}
}

// dispatch is called by the connection's read loop for every message
// addressed to this session.
func (s *Session) dispatch(msg *cdproto.Message) {
	if msg.ID != 0 {
		s.resolve(msg)
		return
	}
	if msg.Method == "" {
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ierr, ok := r.(*InvariantError)
		if !ok {
			panic(r)
		}
		s.logger.Errorf("Session:dispatch", "sid:%v terminating session on %s: %v", s.id, msg.Method, ierr)
		s.close(&TerminationError{Reason: "session terminated", Err: ierr})
	}()

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		var unknown cdp.ErrUnknownCommandOrEvent
		if errors.As(err, &unknown) {
			// most likely an event from a newer or older browser than the
			// protocol definitions know about; hand it out raw
			s.emit(string(msg.Method), msg)
			return
		}
		s.logger.Errorf("Session:dispatch", "sid:%v decoding %s: %v", s.id, msg.Method, err)
		return
	}

	s.emit(string(msg.Method), ev)
}

// Detach detaches the session from its target through the browser session.
func (s *Session) Detach(ctx context.Context) error {
	if s.id == "" {
		return errors.New("the browser session cannot be detached")
	}
	action := target.DetachFromTarget().WithSessionID(s.id)
	return action.Do(cdp.WithExecutor(ctx, s.conn))
}

// close marks the session closed and rejects every pending command with err.
func (s *Session) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	pending := s.pending
	s.pending = make(map[int64]*pendingCommand)
	s.unawaited = make(map[int64]struct{})
	s.mu.Unlock()

	s.logger.Debugf("Session:close", "sid:%v tid:%v pending:%d reason:%v", s.id, s.targetID, len(pending), err)

	close(s.done)
	for _, cmd := range pending {
		cmd.resultCh <- commandResult{err: err}
	}
	emitEvent(s, EventSessionClosed, err)
}
