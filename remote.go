package ivm

import (
	"sync"
	"sync/atomic"

	v8 "github.com/tommie/v8go"
)

// remoteHandle owns one engine value living inside another isolate, plus a
// strong reference to that isolate. The engine value is only ever touched —
// and finally dropped — while its owning isolate is entered; release from the
// wrong goroutine defers the drop to a handle task.
type remoteHandle struct {
	env  *environment
	mu   sync.Mutex
	val  *v8.Value
	gone atomic.Bool
}

func newRemoteHandle(env *environment, val *v8.Value) *remoteHandle {
	env.remotes.Add(1)
	return &remoteHandle{env: env, val: val}
}

// deref returns the underlying engine value. Caller must be inside the owning
// isolate.
func (h *remoteHandle) deref() (*v8.Value, error) {
	if h.gone.Load() {
		return nil, errReleased("Handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.val == nil {
		return nil, errReleased("Handle")
	}
	return h.val, nil
}

// release drops the engine value. When the calling goroutine is already
// inside the owning isolate the drop happens inline; otherwise a handle task
// carries it into the isolate, where it runs even during disposal prep.
// Releasing twice is an error for the caller but safe here.
func (h *remoteHandle) release() {
	if h.gone.Swap(true) {
		return
	}
	reset := func() {
		h.mu.Lock()
		h.val = nil
		h.mu.Unlock()
		h.env.remotes.Add(-1)
	}
	if currentEnvironment() == h.env {
		reset()
		return
	}
	if h.env.life.Load() == lifeDisposed {
		// The engine value died with the isolate; only the bookkeeping
		// remains.
		reset()
		return
	}
	h.env.sched.postHandleTask(reset)
}

// released reports whether release has begun.
func (h *remoteHandle) released() bool { return h.gone.Load() }

// remoteTuple groups the remote handles an async three-phase task carries
// back to its source isolate: the promise resolver, the calling context, and
// the captured stack trace.
type remoteTuple struct {
	resolver *remoteHandle
	context  *remoteHandle
	stack    *remoteHandle
}

func (t *remoteTuple) release() {
	if t == nil {
		return
	}
	if t.resolver != nil {
		t.resolver.release()
	}
	if t.context != nil {
		t.context.release()
	}
	if t.stack != nil {
		t.stack.release()
	}
}
