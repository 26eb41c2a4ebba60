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
	"sync/atomic"

	"github.com/liuxd6825/cdpdriver/log"
)

// EventName names an event whose payload is of type T.
type EventName[T any] string

var (
	// Connection
	EventConnectionClose = EventName[error]("close")

	// Session
	EventSessionClosed = EventName[error]("close")

	// FrameManager
	EventFrameAttached                = EventName[*Frame]("frameattached")
	EventFrameNavigated               = EventName[*Frame]("framenavigated")
	EventFrameNavigatedWithinDocument = EventName[*Frame]("framenavigatedwithindocument")
	EventFrameDetached                = EventName[*Frame]("framedetached")
	EventFrameLifecycle               = EventName[*FrameLifecycleEvent]("lifecycleevent")
	EventExecutionContextCreated      = EventName[*ExecutionContext]("executioncontextcreated")
	EventExecutionContextDestroyed    = EventName[*ExecutionContext]("executioncontextdestroyed")

	// NetworkManager
	EventRequest         = EventName[*Request]("request")
	EventResponse        = EventName[*Response]("response")
	EventRequestFinished = EventName[*Request]("requestfinished")
	EventRequestFailed   = EventName[*Request]("requestfailed")
)

// FrameLifecycleEvent is emitted when a frame records a lifecycle event.
type FrameLifecycleEvent struct {
	Frame *Frame
	// Name is the protocol name of the event, e.g. DOMContentLoaded.
	Name string
}

// EventEmitter is implemented by every type embedding BaseEventEmitter.
type EventEmitter interface {
	eventEmitter() *BaseEventEmitter
}

type eventHandler struct {
	fn      func(any)
	removed atomic.Bool
}

// BaseEventEmitter delivers events synchronously to the handlers registered
// for them, in registration order. A panicking handler is logged and does
// not prevent the remaining handlers from running.
type BaseEventEmitter struct {
	logger *log.Logger

	mu       sync.Mutex
	handlers map[string][]*eventHandler
}

func (e *BaseEventEmitter) eventEmitter() *BaseEventEmitter { return e }

func (e *BaseEventEmitter) on(event string, fn func(any)) func() {
	h := &eventHandler{fn: fn}

	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[string][]*eventHandler)
	}
	e.handlers[event] = append(e.handlers[event], h)
	e.mu.Unlock()

	return func() { e.off(event, h) }
}

func (e *BaseEventEmitter) off(event string, h *eventHandler) {
	if h.removed.Swap(true) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	hs := e.handlers[event]
	for i, c := range hs {
		if c != h {
			continue
		}
		if len(hs) == 1 {
			delete(e.handlers, event)
			return
		}
		e.handlers[event] = append(hs[:i:i], hs[i+1:]...)
		return
	}
}

func (e *BaseEventEmitter) emit(event string, data any) {
	e.mu.Lock()
	hs := make([]*eventHandler, len(e.handlers[event]))
	copy(hs, e.handlers[event])
	e.mu.Unlock()

	for _, h := range hs {
		if h.removed.Load() {
			continue
		}
		e.call(event, h, data)
	}
}

func (e *BaseEventEmitter) call(event string, h *eventHandler, data any) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ierr, ok := r.(*InvariantError); ok {
			panic(ierr)
		}
		e.logger.Errorf("EventEmitter:emit", "recovered from panic in %q handler: %v", event, r)
	}()
	h.fn(data)
}

func (e *BaseEventEmitter) listenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}

func (e *BaseEventEmitter) totalListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}

// On registers fn for event on e and returns a function removing it.
// The handler runs on the goroutine that emits the event and must not block
// on browser round trips.
func On[T any](e EventEmitter, event EventName[T], fn func(T)) (remove func()) {
	return e.eventEmitter().on(string(event), func(data any) {
		v, ok := data.(T)
		if !ok && data != nil {
			return
		}
		fn(v)
	})
}

func emitEvent[T any](e EventEmitter, event EventName[T], data T) {
	e.eventEmitter().emit(string(event), data)
}
