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
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/cdpdriver/log"
)

// EvaluationError is returned when evaluated code throws.
type EvaluationError struct {
	Text        string
	Description string
}

func (e *EvaluationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("evaluation failed: %s", e.Description)
	}
	return fmt.Sprintf("evaluation failed: %s", e.Text)
}

// auxData is the part of Runtime.executionContextCreated's auxData the
// tracker classifies contexts by.
type auxData struct {
	frameID   cdp.FrameID
	isDefault bool
	typ       string
}

func parseAuxData(raw easyjson.RawMessage) auxData {
	if len(raw) == 0 {
		return auxData{}
	}
	r := gjson.ParseBytes(raw)
	return auxData{
		frameID:   cdp.FrameID(r.Get("frameId").String()),
		isDefault: r.Get("isDefault").Bool(),
		typ:       r.Get("type").String(),
	}
}

// ExecutionContext is a JavaScript execution context of a session, such as
// the main world of a frame's document or an isolated world.
type ExecutionContext struct {
	session *Session
	logger  *log.Logger

	id       runtime.ExecutionContextID
	uniqueID string
	name     string
	origin   string
	aux      auxData

	// world is nil for contexts no world owns, e.g. extension worlds.
	world *World

	destroyed   chan struct{}
	destroyOnce sync.Once
}

func newExecutionContext(
	s *Session, desc *runtime.ExecutionContextDescription, world *World, logger *log.Logger,
) *ExecutionContext {
	e := &ExecutionContext{
		session:   s,
		logger:    logger,
		id:        desc.ID,
		uniqueID:  desc.UniqueID,
		name:      desc.Name,
		origin:    desc.Origin,
		aux:       parseAuxData(desc.AuxData),
		world:     world,
		destroyed: make(chan struct{}),
	}
	var kind string
	if world != nil {
		kind = world.kind.String()
	}
	logger.Debugf(
		"NewExecutionContext",
		"sid:%v fid:%v ectxid:%d name:%q world:%q",
		s.ID(), e.aux.frameID, e.id, e.name, kind,
	)

	return e
}

// ID returns the protocol ID of the context, unique within its session.
func (e *ExecutionContext) ID() runtime.ExecutionContextID { return e.id }

// FrameID returns the ID of the frame the context belongs to, if any.
func (e *ExecutionContext) FrameID() cdp.FrameID { return e.aux.frameID }

// Name returns the name of the context, empty for main worlds.
func (e *ExecutionContext) Name() string { return e.name }

// Origin returns the security origin of the context.
func (e *ExecutionContext) Origin() string { return e.origin }

// World returns the world the context is bound to, or nil.
func (e *ExecutionContext) World() *World { return e.world }

// Destroyed is closed once the browser reports the context destroyed.
func (e *ExecutionContext) Destroyed() <-chan struct{} { return e.destroyed }

func (e *ExecutionContext) destroy() {
	e.destroyOnce.Do(func() {
		e.logger.Debugf("ExecutionContext:destroy", "sid:%v ectxid:%d", e.session.ID(), e.id)
		close(e.destroyed)
	})
}

func (e *ExecutionContext) isDestroyed() bool {
	select {
	case <-e.destroyed:
		return true
	default:
		return false
	}
}

// Evaluate runs expression in the context and returns its JSON value.
// It fails with ErrExecutionContextDestroyed if the context goes away first.
func (e *ExecutionContext) Evaluate(ctx context.Context, expression string, awaitPromise bool) (easyjson.RawMessage, error) {
	if e.isDestroyed() {
		return nil, ErrExecutionContextDestroyed
	}

	evalCtx, cancel := contextWithDoneChan(ctx, e.destroyed)
	defer cancel()

	action := runtime.Evaluate(expression).
		WithContextID(e.id).
		WithReturnByValue(true).
		WithAwaitPromise(awaitPromise)
	remote, exception, err := action.Do(cdp.WithExecutor(evalCtx, e.session))
	if err != nil {
		var perr *ProtocolError
		switch {
		case e.isDestroyed() && ctx.Err() == nil:
			return nil, ErrExecutionContextDestroyed
		case errors.As(err, &perr) && isContextGoneMessage(perr.Message):
			return nil, fmt.Errorf("%w: %s", ErrExecutionContextDestroyed, perr.Message)
		}
		return nil, fmt.Errorf("evaluating in ectxid:%d: %w", e.id, err)
	}
	if exception != nil {
		eerr := &EvaluationError{Text: exception.Text}
		if exception.Exception != nil {
			eerr.Description = exception.Exception.Description
		}
		return nil, eerr
	}
	if remote == nil {
		return nil, nil
	}

	return remote.Value, nil
}

func isContextGoneMessage(msg string) bool {
	return strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "Cannot find context with specified id")
}
