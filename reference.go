package ivm

import (
	"fmt"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"
)

// Reference is an owning handle to a value living inside some isolate. Every
// operation crosses into the owning isolate as a three-phase task.
type Reference struct {
	env      *environment
	ctx      *v8.Context
	handle   *remoteHandle
	tag      string
	released atomic.Bool
}

// newReference captures a value. Caller must be inside env.
func newReference(env *environment, ctx *v8.Context, val *v8.Value) *Reference {
	return &Reference{
		env:    env,
		ctx:    ctx,
		handle: newRemoteHandle(env, val),
		tag:    typeTag(val),
	}
}

// TypeOf returns the value's typeof tag, cached at transfer time.
func (r *Reference) TypeOf() string { return r.tag }

// Release drops the remote handle. Releasing twice fails.
func (r *Reference) Release() error {
	if r.released.Swap(true) {
		return errReleased("Reference")
	}
	r.handle.release()
	return nil
}

func (r *Reference) checkUsable() error {
	if r.released.Load() {
		return errReleased("Reference")
	}
	return r.env.checkUsable()
}

// Copy deep-copies the referenced value out and returns the host Go
// representation.
func (r *Reference) Copy() (any, error) {
	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	t := &refCopyTask{ref: r}
	return runSync(r.env, t)
}

type refCopyTask struct {
	ref     *Reference
	payload copyPayload
}

func (t *refCopyTask) phase2() error {
	val, err := t.ref.handle.deref()
	if err != nil {
		return err
	}
	t.payload, err = copyValue(t.ref.env, t.ref.ctx, val, TransferOptions{})
	return err
}

func (t *refCopyTask) phase3() (any, error) { return t.payload.goValue() }

// Deref returns the referenced value itself. Only primitives can leave their
// isolate this way; objects and functions stay put — use Copy or DerefInto.
func (r *Reference) Deref() (any, error) {
	switch r.tag {
	case "object", "function":
		return nil, newTypeError("a %s cannot leave its isolate by deref; use Copy or DerefInto", r.tag)
	}
	return r.Copy()
}

// DerefInto materializes the referenced value inside another context of the
// same isolate and returns a reference to it there.
func (r *Reference) DerefInto(c *Context) (*Reference, error) {
	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	if c.env != r.env {
		return nil, newTypeError("the context belongs to a different isolate")
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	t := &derefIntoTask{ref: r, ctx: ctx}
	out, err := runSync(r.env, t)
	if err != nil {
		return nil, err
	}
	return out.(*Reference), nil
}

type derefIntoTask struct {
	ref *Reference
	ctx *v8.Context
	out *Reference
}

func (t *derefIntoTask) phase2() error {
	val, err := t.ref.handle.deref()
	if err != nil {
		return err
	}
	t.out = newReference(t.ref.env, t.ctx, val)
	return nil
}

func (t *derefIntoTask) phase3() (any, error) { return t.out, nil }

// Get reads a property. With Inherit the prototype chain is walked without
// invoking getters or setters unless Accessors is also set; a proxy anywhere
// on the receiver or its chain is refused, because property access cannot be
// trapped safely from outside the isolate.
func (r *Reference) Get(key string, opts GetOptions) (any, error) {
	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	t := &refGetTask{ref: r, key: key, opts: opts}
	return runSync(r.env, t)
}

type refGetTask struct {
	ref    *Reference
	key    string
	opts   GetOptions
	result transferable
}

func (t *refGetTask) phase2() error {
	r := t.ref
	val, err := r.handle.deref()
	if err != nil {
		return err
	}
	if err := refuseProxies(r.ctx, val); err != nil {
		return err
	}
	if err := r.ctx.Global().Set("__refTarget", val); err != nil {
		return err
	}
	script := fmt.Sprintf(`(function() {
		var target = globalThis.__refTarget;
		delete globalThis.__refTarget;
		var key = %s;
		var inherit = %t, accessors = %t;
		var obj = target;
		while (obj !== null && obj !== undefined) {
			var desc = Object.getOwnPropertyDescriptor(obj, key);
			if (desc !== undefined) {
				if ('value' in desc) return desc.value;
				if (!accessors) throw new TypeError('property is an accessor; pass accessors to invoke it');
				return desc.get === undefined ? undefined : desc.get.call(target);
			}
			if (!inherit) return undefined;
			obj = Object.getPrototypeOf(obj);
		}
		return undefined;
	})()`, jsEscape(t.key), t.opts.Inherit, t.opts.Accessors)
	out, err := r.ctx.RunScript(script, "ref_get.js")
	if err != nil {
		return err
	}
	resultOpts := t.opts.Result
	if kind, kerr := resultOpts.resolve(); kerr == nil && kind == TransferDefault && resultOpts.Fallback == TransferDefault {
		resultOpts.Fallback = TransferReference
	}
	t.result, err = transferOut(r.env, r.ctx, out, resultOpts)
	return err
}

func (t *refGetTask) phase3() (any, error) { return materializeForCaller(t.result) }

// Set writes a property with the transferred value.
func (r *Reference) Set(key string, value any, opts SetOptions) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	in, err := transferOutGo(value, opts.Value)
	if err != nil {
		return err
	}
	_, err = runSync(r.env, &refSetTask{ref: r, key: key, value: in})
	return err
}

// SetIgnored writes a property fire-and-forget.
func (r *Reference) SetIgnored(key string, value any, opts SetOptions) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	in, err := transferOutGo(value, opts.Value)
	if err != nil {
		return err
	}
	return runIgnored(r.env, &refSetTask{ref: r, key: key, value: in})
}

type refSetTask struct {
	ref   *Reference
	key   string
	value transferable
}

func (t *refSetTask) phase2() error {
	r := t.ref
	val, err := r.handle.deref()
	if err != nil {
		return err
	}
	if err := refuseProxies(r.ctx, val); err != nil {
		return err
	}
	in, err := t.value.transferIn(r.env, r.ctx)
	if err != nil {
		return err
	}
	if err := r.ctx.Global().Set("__refTarget", val); err != nil {
		return err
	}
	if err := r.ctx.Global().Set("__refValue", in); err != nil {
		return err
	}
	return evalDiscard(r.ctx, fmt.Sprintf(`(function() {
		var target = globalThis.__refTarget;
		var value = globalThis.__refValue;
		delete globalThis.__refTarget;
		delete globalThis.__refValue;
		target[%s] = value;
	})()`, jsEscape(t.key)))
}

func (t *refSetTask) phase3() (any, error) { return Undefined, nil }

// Delete removes a property.
func (r *Reference) Delete(key string) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	_, err := runSync(r.env, &refDeleteTask{ref: r, key: key})
	return err
}

// DeleteIgnored removes a property fire-and-forget.
func (r *Reference) DeleteIgnored(key string) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	return runIgnored(r.env, &refDeleteTask{ref: r, key: key})
}

type refDeleteTask struct {
	ref *Reference
	key string
}

func (t *refDeleteTask) phase2() error {
	r := t.ref
	val, err := r.handle.deref()
	if err != nil {
		return err
	}
	if err := r.ctx.Global().Set("__refTarget", val); err != nil {
		return err
	}
	return evalDiscard(r.ctx, fmt.Sprintf(
		"(function() { var t = globalThis.__refTarget; delete globalThis.__refTarget; delete t[%s]; })()",
		jsEscape(t.key)))
}

func (t *refDeleteTask) phase3() (any, error) { return Undefined, nil }

// Apply invokes the referenced function asynchronously on the owning
// isolate's queue.
func (r *Reference) Apply(recv any, args []any, opts ApplyOptions) *Future {
	fut := newFuture()
	if err := r.checkUsable(); err != nil {
		fut.reject(err)
		return &Future{fut}
	}
	t, err := r.newApplyTask(recv, args, opts)
	if err != nil {
		fut.reject(err)
		return &Future{fut}
	}
	return &Future{runAsync(currentEnvironment(), r.env, t)}
}

// ApplySync invokes the referenced function and blocks for the result.
func (r *Reference) ApplySync(recv any, args []any, opts ApplyOptions) (any, error) {
	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	t, err := r.newApplyTask(recv, args, opts)
	if err != nil {
		return nil, err
	}
	return runSync(r.env, t)
}

// ApplyIgnored invokes the referenced function and discards the outcome.
func (r *Reference) ApplyIgnored(recv any, args []any, opts ApplyOptions) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	t, err := r.newApplyTask(recv, args, opts)
	if err != nil {
		return err
	}
	return runIgnored(r.env, t)
}

// ApplySyncPromise invokes the referenced function and, when it returns a
// promise, blocks until the promise settles, pumping the target's microtasks
// while a scheduler suspension keeps other dispatch out.
func (r *Reference) ApplySyncPromise(recv any, args []any, opts ApplyOptions) (any, error) {
	if err := r.checkUsable(); err != nil {
		return nil, err
	}
	t, err := r.newApplyTask(recv, args, opts)
	if err != nil {
		return nil, err
	}
	t.bridgePromise = true
	return runSync(r.env, t)
}

func (r *Reference) newApplyTask(recv any, args []any, opts ApplyOptions) (*applyTask, error) {
	if r.tag != "function" {
		return nil, newTypeError("the reference is not a function")
	}
	argXfer, err := transferSlice(args, opts.Arguments)
	if err != nil {
		return nil, err
	}
	var recvXfer transferable
	if recv != nil {
		recvXfer, err = transferOutGo(recv, opts.Arguments)
		if err != nil {
			return nil, err
		}
	}
	return &applyTask{env: r.env, fn: r, recv: recvXfer, args: argXfer, opts: opts}, nil
}

// applyTask is the three-phase task behind every apply variant.
type applyTask struct {
	env           *environment
	fn            *Reference
	recv          transferable
	args          []transferable
	opts          ApplyOptions
	bridgePromise bool
	result        transferable
}

func (t *applyTask) phase2() error {
	env := t.env
	ctx := t.fn.ctx
	fnVal, err := t.fn.handle.deref()
	if err != nil {
		return err
	}
	fn, err := fnVal.AsFunction()
	if err != nil {
		return newTypeError("the reference is not a function")
	}

	recv := v8.Undefined(env.iso)
	if t.recv != nil {
		recv, err = t.recv.transferIn(env, ctx)
		if err != nil {
			return err
		}
	}
	callArgs := make([]v8.Valuer, len(t.args))
	for i, arg := range t.args {
		val, err := arg.transferIn(env, ctx)
		if err != nil {
			return err
		}
		callArgs[i] = val
	}

	out, err := runWithTimeout(env, t.opts.Timeout, func() (*v8.Value, error) {
		return fn.Call(recv, callArgs...)
	})
	if err != nil {
		return err
	}

	if t.bridgePromise && out.IsPromise() {
		out, err = t.settlePromise(ctx, out)
		if err != nil {
			return err
		}
	}

	t.result, err = transferOut(env, ctx, out, t.opts.Result)
	return err
}

// settlePromise pumps the isolate's microtask queue and pending interrupts
// until the promise settles or the timeout passes, polling the promise state
// once a millisecond. A scheduler suspension keeps regular dispatch out while
// the bridge waits.
func (t *applyTask) settlePromise(ctx *v8.Context, promiseVal *v8.Value) (*v8.Value, error) {
	env := t.env
	wait := &asyncWait{sched: env.sched}
	env.sched.suspend(wait)
	defer wait.Done()

	promise, err := promiseVal.AsPromise()
	if err != nil {
		return nil, newTypeError("the function did not return a promise")
	}

	deadline := time.Time{}
	if t.opts.Timeout > 0 {
		deadline = time.Now().Add(t.opts.Timeout)
	}
	for promise.State() == v8.Pending {
		ctx.PerformMicrotaskCheckpoint()
		env.sched.runPendingInterrupts()
		if promise.State() != v8.Pending {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, errTimedOut
		}
		time.Sleep(time.Millisecond)
	}
	if promise.State() == v8.Rejected {
		payload := copyThrownValue(ctx, promise.Result())
		out, _ := payload.goValue()
		if err, ok := out.(error); ok {
			return nil, err
		}
		return nil, newGenericError("promise rejected")
	}
	return promise.Result(), nil
}

func (t *applyTask) phase3() (any, error) { return materializeForCaller(t.result) }

// refuseProxies rejects property access when the receiver or anything on its
// prototype chain is a proxy.
func refuseProxies(ctx *v8.Context, val *v8.Value) error {
	cur := val
	for depth := 0; depth < 64; depth++ {
		if cur == nil || cur.IsNull() || cur.IsUndefined() {
			return nil
		}
		if cur.IsProxy() {
			return newTypeError("object is or has a proxy in its prototype chain; it cannot be accessed from another isolate")
		}
		if !cur.IsObject() {
			return nil
		}
		if err := ctx.Global().Set("__protoWalk", cur); err != nil {
			return err
		}
		next, err := ctx.RunScript(
			"(function() { var o = globalThis.__protoWalk; delete globalThis.__protoWalk; return Object.getPrototypeOf(o); })()",
			"proto_walk.js")
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}
