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
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/liuxd6825/cdpdriver/log"
)

// Transport moves whole protocol frames between the driver and the browser.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewWSTransport dials the browser's DevTools WebSocket endpoint.
func NewWSTransport(ctx context.Context, wsURL string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, buf, err := t.conn.ReadMessage()
	return buf, err
}

func (t *wsTransport) WriteMessage(buf []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, buf)
}

func (t *wsTransport) Close() error {
	// best effort close handshake, the peer may already be gone
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseWriteTimeout),
	)
	return t.conn.Close()
}

// MessageChannel encodes and decodes protocol messages over a Transport.
//
// Inbound messages are decoded and handed to the message handler one at a
// time, on a single goroutine, in the order the transport delivered them.
// The close handler runs exactly once, with the cause, when the transport
// fails, a malformed frame arrives or Close is called.
type MessageChannel struct {
	transport Transport
	logger    *log.Logger

	onMessage func(*cdproto.Message)
	onClose   func(error)

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewMessageChannel wraps t. Reading starts with Start.
func NewMessageChannel(
	t Transport, logger *log.Logger, onMessage func(*cdproto.Message), onClose func(error),
) *MessageChannel {
	return &MessageChannel{
		transport: t,
		logger:    logger,
		onMessage: onMessage,
		onClose:   onClose,
		done:      make(chan struct{}),
	}
}

// Start launches the read loop.
func (c *MessageChannel) Start() {
	go c.readLoop()
}

func (c *MessageChannel) readLoop() {
	for {
		buf, err := c.transport.ReadMessage()
		if err != nil {
			c.closeWithError(&TransportError{Op: "read", Err: err})
			return
		}
		c.logger.Tracef("MessageChannel:recv", "<- %s", buf)

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.closeWithError(&TransportError{Op: "decode", Err: err})
			return
		}

		select {
		case <-c.done:
			return
		default:
		}
		c.onMessage(&msg)
	}
}

// Send encodes msg and writes it to the transport.
func (c *MessageChannel) Send(msg *cdproto.Message) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	buf, err := encoder.BuildBytes()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	c.logger.Tracef("MessageChannel:send", "-> %s", buf)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.transport.WriteMessage(buf); err != nil {
		werr := &TransportError{Op: "write", Err: err}
		c.closeWithError(werr)
		return werr
	}

	return nil
}

// Close closes the transport. Pending and future sends fail with a
// TransportError wrapping ErrConnectionClosed.
func (c *MessageChannel) Close() {
	c.closeWithError(&TransportError{Op: "close", Err: ErrConnectionClosed})
}

// Done is closed once the channel is closed.
func (c *MessageChannel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel closed, or nil while it is open.
func (c *MessageChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *MessageChannel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		if cerr := c.transport.Close(); cerr != nil {
			c.logger.Debugf("MessageChannel:close", "closing transport: %v", cerr)
		}
		c.logger.Debugf("MessageChannel:close", "channel closed: %v", err)
		c.onClose(err)
	})
}
