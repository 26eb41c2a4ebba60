package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/cdpdriver/log"
)

type worldKind int

const (
	mainWorld worldKind = iota
	utilityWorld
)

func (k worldKind) String() string {
	if k == utilityWorld {
		return "utility"
	}
	return "main"
}

// World is a frame's JavaScript world. It outlives the execution contexts
// bound to it: a navigation unbinds the old context and binds the new one,
// until the frame detaches.
type World struct {
	frame  *Frame
	kind   worldKind
	logger *log.Logger

	mu         sync.Mutex
	ectx       *ExecutionContext
	contextCh  chan struct{} // closed while a context is bound
	detached   bool
	detachedCh chan struct{}
	waitTasks  map[*waitTask]struct{}
	bindings   map[string]func(payload string)
}

func newWorld(frame *Frame, kind worldKind, logger *log.Logger) *World {
	return &World{
		frame:      frame,
		kind:       kind,
		logger:     logger,
		contextCh:  make(chan struct{}),
		detachedCh: make(chan struct{}),
		waitTasks:  make(map[*waitTask]struct{}),
		bindings:   make(map[string]func(string)),
	}
}

// Frame returns the frame the world belongs to.
func (w *World) Frame() *Frame { return w.frame }

func (w *World) hasContext() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ectx != nil
}

func (w *World) setContext(ectx *ExecutionContext) {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	if w.ectx == nil {
		close(w.contextCh)
	}
	w.ectx = ectx
	tasks := w.tasks()
	w.mu.Unlock()

	w.logger.Debugf("World:setContext", "fid:%v world:%s ectxid:%d", w.frame.ID(), w.kind, ectx.ID())
	for _, t := range tasks {
		t.rerun()
	}
}

// clearContext unbinds ectx, or whatever context is bound when ectx is nil.
// Clearing an unbound world, or one bound to another context, is a no-op.
func (w *World) clearContext(ectx *ExecutionContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ectx == nil || (ectx != nil && w.ectx != ectx) {
		return
	}
	w.logger.Debugf("World:clearContext", "fid:%v world:%s ectxid:%d", w.frame.ID(), w.kind, w.ectx.ID())
	w.ectx = nil
	w.contextCh = make(chan struct{})
}

func (w *World) detach() {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.detached = true
	w.ectx = nil
	close(w.detachedCh)
	tasks := w.tasks()
	w.mu.Unlock()

	err := &TerminationError{Reason: "waiting failed: frame got detached", Err: ErrFrameDetached}
	for _, t := range tasks {
		t.terminate(err)
	}
}

func (w *World) tasks() []*waitTask {
	tasks := make([]*waitTask, 0, len(w.waitTasks))
	for t := range w.waitTasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// ExecutionContext returns the bound context, waiting for one to be bound
// if there is none.
func (w *World) ExecutionContext(ctx context.Context) (*ExecutionContext, error) {
	for {
		w.mu.Lock()
		if w.detached {
			w.mu.Unlock()
			return nil, &TerminationError{Reason: fmt.Sprintf("frame %v", w.frame.ID()), Err: ErrFrameDetached}
		}
		if w.ectx != nil {
			ectx := w.ectx
			w.mu.Unlock()
			return ectx, nil
		}
		ch := w.contextCh
		w.mu.Unlock()

		select {
		case <-ch:
		case <-w.detachedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Evaluate runs expression in the world's current context.
func (w *World) Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error) {
	ectx, err := w.ExecutionContext(ctx)
	if err != nil {
		return nil, err
	}
	return ectx.Evaluate(ctx, expression, true)
}

// AddBinding exposes a function called name to the world's contexts, present
// and future. fn runs on the connection's read loop for every call and must
// not block.
func (w *World) AddBinding(ctx context.Context, name string, fn func(payload string)) error {
	w.mu.Lock()
	if _, ok := w.bindings[name]; ok {
		w.mu.Unlock()
		return fmt.Errorf("binding %q already exists", name)
	}
	w.bindings[name] = fn
	w.mu.Unlock()

	action := runtime.AddBinding(name)
	if w.kind == utilityWorld {
		action = action.WithExecutionContextName(UtilityWorldName)
	}
	if err := action.Do(cdp.WithExecutor(ctx, w.frame.Session())); err != nil {
		w.mu.Lock()
		delete(w.bindings, name)
		w.mu.Unlock()
		return fmt.Errorf("adding binding %q: %w", name, err)
	}

	return nil
}

func (w *World) onBindingCalled(name, payload string) bool {
	w.mu.Lock()
	fn, ok := w.bindings[name]
	w.mu.Unlock()
	if ok {
		fn(payload)
	}
	return ok
}

// waitTask is a predicate polled until it returns a truthy value. It is
// rerun as soon as a new context is bound and fails when the world detaches.
type waitTask struct {
	rerunCh chan struct{}
	termCh  chan error
}

func (t *waitTask) rerun() {
	select {
	case t.rerunCh <- struct{}{}:
	default:
	}
}

func (t *waitTask) terminate(err error) {
	select {
	case t.termCh <- err:
	default:
	}
}

func (w *World) waitForFunction(
	ctx context.Context, expression string, opts *FrameWaitForFunctionOptions,
) (easyjson.RawMessage, error) {
	task := &waitTask{
		rerunCh: make(chan struct{}, 1),
		termCh:  make(chan error, 1),
	}

	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return nil, &TerminationError{Reason: "waiting failed: frame got detached", Err: ErrFrameDetached}
	}
	w.waitTasks[task] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.waitTasks, task)
		w.mu.Unlock()
	}()

	parent := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	failed := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return &TimeoutError{Op: "waitForFunction", Timeout: opts.Timeout}
		}
		return err
	}

	poll := opts.Polling
	if poll <= 0 {
		poll = waitForFunctionPolling
	}
	for {
		ectx, err := w.ExecutionContext(ctx)
		if err != nil {
			return nil, failed(err)
		}

		v, err := ectx.Evaluate(ctx, expression, true)
		switch {
		case errors.Is(err, ErrExecutionContextDestroyed):
			// run again once the next context is bound
			select {
			case <-ectx.Destroyed():
			case <-ctx.Done():
				return nil, failed(ctx.Err())
			}
			continue
		case err != nil:
			return nil, failed(err)
		case truthy(v):
			return v, nil
		}

		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-task.rerunCh:
		case err := <-task.termCh:
			timer.Stop()
			return nil, err
		case <-ctx.Done():
			timer.Stop()
			return nil, failed(ctx.Err())
		}
		timer.Stop()
	}
}

// truthy reports whether a JSON value returned by evaluation is truthy in
// JavaScript terms.
func truthy(raw easyjson.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	r := gjson.ParseBytes(raw)
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return true
	}
}
