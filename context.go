package ivm

import (
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"
)

// Context is a global-object scope inside an isolate. Code always runs in
// some context; the isolate's default context is reserved for library
// internals and never handed out.
type Context struct {
	env      *environment
	ctx      *v8.Context
	released atomic.Bool
}

// CreateContext builds a new context in the isolate.
func (i *Isolate) CreateContext(opts ContextOptions) (*Context, error) {
	env := i.env
	t := &createContextTask{env: env, opts: opts}
	out, err := runSync(env, t)
	if err != nil {
		return nil, err
	}
	return out.(*Context), nil
}

type createContextTask struct {
	env  *environment
	opts ContextOptions
	ctx  *v8.Context
}

func (t *createContextTask) phase2() error {
	t.ctx = v8.NewContext(t.env.iso)
	if err := installRejectionTracker(t.ctx); err != nil {
		t.ctx.Close()
		return err
	}
	if t.opts.Inspector && t.env.inspector != nil {
		t.env.inspector.contextCreated(t.ctx)
	}
	return nil
}

func (t *createContextTask) phase3() (any, error) {
	return &Context{env: t.env, ctx: t.ctx}, nil
}

// engineContext guards access to the released flag.
func (c *Context) engineContext() (*v8.Context, error) {
	if c.released.Load() {
		return nil, errReleased("Context")
	}
	return c.ctx, nil
}

// Release drops the context. The engine context closes inside its isolate
// via a handle task; using the handle afterwards fails.
func (c *Context) Release() error {
	if c.released.Swap(true) {
		return errReleased("Context")
	}
	ctx := c.ctx
	env := c.env
	if env.disposed() {
		return nil
	}
	env.sched.postHandleTask(func() { ctx.Close() })
	return nil
}

// Global returns a reference to the context's global object.
func (c *Context) Global() (*Reference, error) {
	if err := c.env.checkUsable(); err != nil {
		return nil, err
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	t := &globalRefTask{env: c.env, ctx: ctx}
	out, err := runSync(c.env, t)
	if err != nil {
		return nil, err
	}
	return out.(*Reference), nil
}

type globalRefTask struct {
	env *environment
	ctx *v8.Context
	ref *Reference
}

func (t *globalRefTask) phase2() error {
	global, err := t.ctx.RunScript("globalThis", "global.js")
	if err != nil {
		return err
	}
	t.ref = newReference(t.env, t.ctx, global)
	return nil
}

func (t *globalRefTask) phase3() (any, error) { return t.ref, nil }

// Eval compiles and runs code in this context and transfers the completion
// value out per opts.Result.
func (c *Context) Eval(code string, opts RunOptions) (any, error) {
	if err := c.env.checkUsable(); err != nil {
		return nil, err
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	t := &evalTask{env: c.env, ctx: ctx, code: code, opts: opts}
	return runSync(c.env, t)
}

// EvalIgnored runs code fire-and-forget; errors are dropped.
func (c *Context) EvalIgnored(code string, opts RunOptions) error {
	if err := c.env.checkUsable(); err != nil {
		return err
	}
	ctx, err := c.engineContext()
	if err != nil {
		return err
	}
	return runIgnored(c.env, &evalTask{env: c.env, ctx: ctx, code: code, opts: opts})
}

// EvalAsync runs code on the isolate's queue and settles the returned future
// with the transferred completion value.
func (c *Context) EvalAsync(code string, opts RunOptions) *Future {
	ctx, err := c.engineContext()
	if err != nil {
		fut := newFuture()
		fut.reject(err)
		return &Future{fut}
	}
	t := &evalTask{env: c.env, ctx: ctx, code: code, opts: opts}
	return &Future{runAsync(currentEnvironment(), c.env, t)}
}

type evalTask struct {
	env    *environment
	ctx    *v8.Context
	code   string
	opts   RunOptions
	result transferable
}

func (t *evalTask) phase2() error {
	val, err := runWithTimeout(t.env, t.opts.Timeout, func() (*v8.Value, error) {
		return t.ctx.RunScript(t.code, "eval.js")
	})
	if err != nil {
		return err
	}
	t.result, err = transferOut(t.env, t.ctx, val, t.opts.Result)
	return err
}

func (t *evalTask) phase3() (any, error) {
	return materializeForCaller(t.result)
}

// Future is the public face of an async operation's pending result.
type Future struct {
	f *future
}

// Await blocks until the operation settles.
func (f *Future) Await() (any, error) { return f.f.await() }

// runWithTimeout executes fn with a watchdog that terminates the isolate's
// running script when the limit passes. The watchdog does nothing once fn has
// returned or while no timed run is active on the isolate (terminateDepth is
// zero); a termination it has delivered is not cancelled afterwards.
func runWithTimeout(env *environment, timeout time.Duration, fn func() (*v8.Value, error)) (*v8.Value, error) {
	if timeout <= 0 {
		return fn()
	}
	var timedOut, returned atomic.Bool
	env.terminateDepth.Add(1)
	watchdog := timers.schedule(timeout, env, func() {
		// A late firing after fn returned must not terminate: the sticky
		// flag would abort the isolate's next script instead.
		if returned.Load() || env.terminateDepth.Load() == 0 {
			return
		}
		timedOut.Store(true)
		// Termination is delivered through the sync-interrupt queue so it
		// carries its own interrupt identity, distinct from cooperative
		// interrupts queued by other isolates.
		env.sched.postSyncInterrupt(func() { env.iso.TerminateExecution() })
		env.sched.drainSyncInterrupts()
	})
	val, err := fn()
	returned.Store(true)
	watchdog.Release()
	env.terminateDepth.Add(-1)
	if timedOut.Load() {
		return nil, errTimedOut
	}
	return val, err
}
