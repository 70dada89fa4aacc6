package ivm

import (
	"errors"
	"strings"

	v8 "github.com/tommie/v8go"
)

// task is the three-phase cross-isolate unit of work. Phase 1 is the task's
// construction in the source isolate; phase2 runs entered in the target;
// phase3 runs back on the source side and produces the caller-visible result.
type task interface {
	phase2() error
	phase3() (any, error)
}

// wrapJSError converts an engine exception into the typed runtime error that
// crosses the isolate boundary, preserving constructor name, message, and
// stack.
func wrapJSError(err error) error {
	var jsErr *v8.JSError
	if !errors.As(err, &jsErr) {
		return err
	}
	name := "Error"
	message := jsErr.Message
	if idx := strings.Index(message, ": "); idx > 0 {
		head := message[:idx]
		switch head {
		case "TypeError", "RangeError", "ReferenceError", "SyntaxError", "Error":
			name = head
			message = message[idx+2:]
		default:
			if strings.HasSuffix(head, "Error") && !strings.ContainsAny(head, " \t") {
				name = head
				message = message[idx+2:]
			}
		}
	}
	kind := KindGeneric
	switch name {
	case "TypeError":
		kind = KindType
	case "RangeError":
		kind = KindRange
	}
	return &RuntimeError{Kind: kind, Name: name, Message: message, Stack: jsErr.StackTrace}
}

// runSync drives a task synchronously: the calling goroutine acquires the
// target's engine lock and runs phase2 in place. A call that is already
// inside the target short-circuits. A call from inside any other non-root
// isolate is refused — an async→sync reentry between two pool workers can deadlock on
// each other's locks.
func runSync(target *environment, t task) (any, error) {
	if err := target.checkUsable(); err != nil {
		return nil, err
	}
	cur := currentEnvironment()
	if cur == target {
		if err := t.phase2(); err != nil {
			return nil, wrapJSError(err)
		}
		return t.phase3()
	}
	if cur != nil && !cur.root {
		return nil, errSyncOffRoot
	}

	var phase2Err error
	err := target.enter(func() error {
		if err := target.checkUsable(); err != nil {
			phase2Err = err
			return nil
		}
		if err := t.phase2(); err != nil {
			phase2Err = wrapJSError(err)
		}
		if err := target.taskEpilogue(); err != nil && phase2Err == nil {
			phase2Err = err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if phase2Err != nil {
		if target.memoryFlagged.Load() && !IsFatal(phase2Err) {
			return nil, &FatalError{Message: "Isolate was disposed during execution due to memory limit"}
		}
		return nil, phase2Err
	}
	return t.phase3()
}

// future carries an async task's outcome back to a Go caller.
type future struct {
	ch chan outcome
}

type outcome struct {
	value any
	err   error
}

func newFuture() *future { return &future{ch: make(chan outcome, 1)} }

func (f *future) resolve(value any) {
	select {
	case f.ch <- outcome{value: value}:
	default:
	}
}

func (f *future) reject(err error) {
	select {
	case f.ch <- outcome{err: err}:
	default:
	}
}

// Await blocks until the task settles.
func (f *future) await() (any, error) {
	out := <-f.ch
	return out.value, out.err
}

// runAsync schedules phase2 into the target isolate and delivers phase3 on
// the source side: the source isolate's queue when the call originated
// inside an isolate, the host loop otherwise. The returned future settles
// exactly once; a task dropped by disposal rejects with the disposed error.
func runAsync(source *environment, target *environment, t task) *future {
	fut := newFuture()
	if err := target.checkUsable(); err != nil {
		fut.reject(err)
		return fut
	}
	stack := captureSourceStack(source)

	deliver := func(fn func()) {
		if source != nil {
			if !source.sched.postTask(fn, func() { fut.reject(errDisposed) }) {
				fut.reject(errDisposed)
			}
			return
		}
		target.loop.post(fn)
	}

	run := func() {
		var phase2Err error
		if err := target.checkUsable(); err != nil {
			phase2Err = err
		} else if err := t.phase2(); err != nil {
			phase2Err = wrapJSError(err)
		} else if err := target.taskEpilogue(); err != nil {
			phase2Err = err
		}
		if phase2Err != nil {
			if target.memoryFlagged.Load() && !IsFatal(phase2Err) {
				phase2Err = &FatalError{Message: "Isolate was disposed during execution due to memory limit"}
			}
			err := chainStack(phase2Err, stack)
			deliver(func() { fut.reject(err) })
			return
		}
		deliver(func() {
			value, err := t.phase3()
			if err != nil {
				fut.reject(chainStack(err, stack))
				return
			}
			fut.resolve(value)
		})
	}

	if !target.sched.postTask(run, func() { fut.reject(errDisposed) }) {
		fut.reject(errDisposed)
	}
	metricTasksScheduled.Inc()
	return fut
}

// runIgnored schedules phase2 fire-and-forget. No result or error is ever
// reported back; phase3 never runs.
func runIgnored(target *environment, t task) error {
	if err := target.checkUsable(); err != nil {
		return err
	}
	posted := target.sched.postTask(func() {
		if err := t.phase2(); err != nil {
			return
		}
		_ = target.taskEpilogue()
	}, nil)
	if !posted {
		return errDisposed
	}
	metricTasksScheduled.Inc()
	return nil
}

// captureSourceStack records the source-side JS stack for error chaining.
// Host-originated calls have no JS stack.
func captureSourceStack(source *environment) string {
	if source == nil || !source.entered() {
		return ""
	}
	return captureStack(source.defaultCtx)
}
