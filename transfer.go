package ivm

import (
	"sync"

	v8 "github.com/tommie/v8go"
)

// transferable is a moveable, isolate-independent representation of a JS
// value. transferIn materializes it inside a target isolate (entered);
// materialize produces the host-side Go representation.
type transferable interface {
	transferIn(env *environment, ctx *v8.Context) (*v8.Value, error)
	materialize() (any, error)
}

// transferOut resolves a value in its source isolate to one transferable.
// Dispatch order: explicit promise wrap, explicit kind, then by value shape —
// primitives (and dates) copy, plain functions wrap as callbacks, anything
// else uses opts.Fallback or fails.
func transferOut(env *environment, ctx *v8.Context, val *v8.Value, opts TransferOptions) (transferable, error) {
	if opts.Promise {
		return newPromiseTransferable(env, ctx, val, opts.withoutPromise())
	}
	kind, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	switch kind {
	case TransferCopy, TransferExternalCopy:
		payload, err := copyValue(env, ctx, val, opts)
		if err != nil {
			return nil, err
		}
		if kind == TransferExternalCopy {
			return &externalCopyTransferable{copy: newExternalCopy(payload)}, nil
		}
		return &copyTransferable{payload: payload}, nil
	case TransferReference:
		return &referenceTransferable{ref: newReference(env, ctx, val)}, nil
	case TransferDeepReference:
		return &dereferenceTransferable{ref: newReference(env, ctx, val)}, nil
	}

	// Default dispatch by shape.
	switch {
	case val == nil || isPrimitive(val):
		payload, err := copyValue(env, ctx, val, opts)
		if err != nil {
			return nil, err
		}
		return &copyTransferable{payload: payload}, nil
	case val.IsFunction():
		return newCallbackTransferable(env, ctx, val, applyModeAsync)
	default:
		switch opts.Fallback {
		case TransferCopy:
			payload, err := copyValue(env, ctx, val, opts)
			if err != nil {
				return nil, err
			}
			return &copyTransferable{payload: payload}, nil
		case TransferExternalCopy:
			payload, err := copyValue(env, ctx, val, opts)
			if err != nil {
				return nil, err
			}
			return &externalCopyTransferable{copy: newExternalCopy(payload)}, nil
		case TransferReference:
			return &referenceTransferable{ref: newReference(env, ctx, val)}, nil
		case TransferDeepReference:
			return &dereferenceTransferable{ref: newReference(env, ctx, val)}, nil
		default:
			return nil, errNotTransferred
		}
	}
}

func isPrimitive(val *v8.Value) bool {
	return val.IsUndefined() || val.IsNull() || val.IsBoolean() || val.IsNumber() ||
		val.IsBigInt() || val.IsString() || val.IsDate()
}

// transferOutGo resolves a host Go value to a transferable for injection into
// an isolate.
func transferOutGo(value any, opts TransferOptions) (transferable, error) {
	kind, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case *Reference:
		if kind == TransferDeepReference {
			return &dereferenceTransferable{ref: v}, nil
		}
		return &referenceTransferable{ref: v}, nil
	case *ExternalCopy:
		return &externalCopyTransferable{copy: v}, nil
	case *Isolate:
		return &handleTransferable{value: v}, nil
	case *Context:
		return &handleTransferable{value: v}, nil
	case *Script:
		return &handleTransferable{value: v}, nil
	case *Module:
		return &handleTransferable{value: v}, nil
	case *NativeModule:
		return &handleTransferable{value: v}, nil
	case func(args ...any) (any, error):
		return &goCallbackTransferable{fn: v}, nil
	default:
		payload, err := goToPayload(value)
		if err != nil {
			return nil, err
		}
		return &copyTransferable{payload: payload}, nil
	}
}

// transferSlice resolves each argument with the same options.
func transferSlice(values []any, opts TransferOptions) ([]transferable, error) {
	out := make([]transferable, len(values))
	for i, v := range values {
		t, err := transferOutGo(v, opts)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// materializeForCaller produces the Go-visible result of a completed task.
func materializeForCaller(t transferable) (any, error) {
	if t == nil {
		return Undefined, nil
	}
	return t.materialize()
}

// --- copy transferables ---

// copyTransferable is a one-shot deep copy.
type copyTransferable struct {
	payload copyPayload
}

func (t *copyTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	return t.payload.inject(env, ctx)
}

func (t *copyTransferable) materialize() (any, error) { return t.payload.goValue() }

// externalCopyTransferable hands over an ExternalCopy handle; the copy stays
// usable after any number of transfers.
type externalCopyTransferable struct {
	copy *ExternalCopy
}

func (t *externalCopyTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	if t.copy.released.Load() {
		return nil, errReleased("ExternalCopy")
	}
	return t.copy.payload.inject(env, ctx)
}

func (t *externalCopyTransferable) materialize() (any, error) { return t.copy, nil }

// --- reference transferables ---

// referenceTransferable wraps a remote handle. In its owning isolate it
// transfers in as the underlying value, the same as dereferenceTransferable;
// in any other isolate transferIn fails with a type error, since no handle
// object materializes inside an isolate.
type referenceTransferable struct {
	ref *Reference
}

func (t *referenceTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	if env == t.ref.env {
		return t.ref.handle.deref()
	}
	return nil, newTypeError("a reference can only dereference inside its own isolate")
}

func (t *referenceTransferable) materialize() (any, error) { return t.ref, nil }

// dereferenceTransferable automatically dereferences in its owning isolate.
type dereferenceTransferable struct {
	ref *Reference
}

func (t *dereferenceTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	if env != t.ref.env {
		return nil, newTypeError("a dereference can only be passed back into its own isolate")
	}
	return t.ref.handle.deref()
}

func (t *dereferenceTransferable) materialize() (any, error) { return t.ref, nil }

// handleTransferable passes a library handle (isolate, context, script,
// module, native module) through host Go code as an opaque value; it does not
// materialize inside an isolate (transferIn fails with a type error).
type handleTransferable struct {
	value any
}

func (t *handleTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	return nil, newTypeError("library handles do not materialize inside isolates")
}

func (t *handleTransferable) materialize() (any, error) { return t.value, nil }

// --- callback transferables ---

type applyMode int

const (
	applyModeAsync applyMode = iota
	applyModeSync
	applyModeIgnored
)

// callbackTransferable wraps a function so another isolate can invoke it.
// Invocation crosses back into the owning isolate as a three-phase task in
// the wrapped mode.
type callbackTransferable struct {
	owner  *environment
	fn     *Reference
	name   string
	length int
	mode   applyMode
}

func newCallbackTransferable(env *environment, ctx *v8.Context, val *v8.Value, mode applyMode) (*callbackTransferable, error) {
	name, length := functionMeta(ctx, val)
	return &callbackTransferable{
		owner:  env,
		fn:     newReference(env, ctx, val),
		name:   name,
		length: length,
		mode:   mode,
	}, nil
}

func functionMeta(ctx *v8.Context, val *v8.Value) (string, int) {
	if err := ctx.Global().Set("__cbMeta", val); err != nil {
		return "", 0
	}
	raw, err := evalString(ctx, `(function() {
		var f = globalThis.__cbMeta;
		delete globalThis.__cbMeta;
		return JSON.stringify({ name: String(f.name || ''), length: f.length | 0 });
	})()`)
	if err != nil {
		return "", 0
	}
	var rec struct {
		Name   string
		Length int
	}
	if jsonUnmarshal(raw, &rec) != nil {
		return "", 0
	}
	return rec.Name, rec.Length
}

func (t *callbackTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	owner := t.owner
	fnRef := t.fn
	mode := t.mode
	tmpl := v8.NewFunctionTemplate(ctx.Isolate(), func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := make([]any, 0, len(info.Args()))
		for _, arg := range info.Args() {
			converted, err := v8ToGo(ctx, arg)
			if err != nil {
				msg, _ := v8.NewValue(ctx.Isolate(), err.Error())
				ctx.Isolate().ThrowException(msg)
				return nil
			}
			args = append(args, converted)
		}
		apply := &applyTask{
			env:  owner,
			fn:   fnRef,
			args: mustTransferSlice(args),
			opts: ApplyOptions{Result: TransferOptions{Copy: true}},
		}
		switch mode {
		case applyModeIgnored:
			_ = runIgnored(owner, apply)
			return nil
		case applyModeSync:
			out, err := runSync(owner, apply)
			if err != nil {
				msg, _ := v8.NewValue(ctx.Isolate(), err.Error())
				ctx.Isolate().ThrowException(msg)
				return nil
			}
			converted, err := goToV8(ctx, normalizeResult(out))
			if err != nil {
				return nil
			}
			return converted
		default:
			// Async: hand back a promise resolved from the source queue.
			resolver, err := v8.NewPromiseResolver(ctx)
			if err != nil {
				return nil
			}
			source := env
			fut := runAsync(source, owner, apply)
			go func() {
				value, err := fut.await()
				// Settling the resolver must happen back inside the
				// source isolate.
				source.sched.postHandleTask(func() {
					if err != nil {
						msg, _ := v8.NewValue(ctx.Isolate(), err.Error())
						resolver.Reject(msg)
						return
					}
					converted, cerr := goToV8(ctx, normalizeResult(value))
					if cerr != nil {
						msg, _ := v8.NewValue(ctx.Isolate(), cerr.Error())
						resolver.Reject(msg)
						return
					}
					resolver.Resolve(converted)
				})
			}()
			return resolver.GetPromise().Value
		}
	})
	return tmpl.GetFunction(ctx).Value, nil
}

func (t *callbackTransferable) materialize() (any, error) {
	return t.fn, nil
}

func mustTransferSlice(args []any) []transferable {
	out, err := transferSlice(args, TransferOptions{})
	if err != nil {
		return nil
	}
	return out
}

func normalizeResult(value any) any {
	if _, ok := value.(undefinedValue); ok {
		return Undefined
	}
	return value
}

// goCallbackTransferable exposes a host Go function to an isolate.
type goCallbackTransferable struct {
	fn func(args ...any) (any, error)
}

func (t *goCallbackTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	fn := t.fn
	tmpl := v8.NewFunctionTemplate(ctx.Isolate(), func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := make([]any, 0, len(info.Args()))
		for _, arg := range info.Args() {
			converted, err := v8ToGo(ctx, arg)
			if err != nil {
				msg, _ := v8.NewValue(ctx.Isolate(), err.Error())
				ctx.Isolate().ThrowException(msg)
				return nil
			}
			args = append(args, converted)
		}
		out, err := fn(args...)
		if err != nil {
			msg, _ := v8.NewValue(ctx.Isolate(), err.Error())
			ctx.Isolate().ThrowException(msg)
			return nil
		}
		converted, err := goToV8(ctx, normalizeResult(out))
		if err != nil {
			return nil
		}
		return converted
	})
	return tmpl.GetFunction(ctx).Value, nil
}

func (t *goCallbackTransferable) materialize() (any, error) {
	return nil, newTypeError("a host callback has no host representation")
}

// --- promise transferable ---

// promiseState is the shared state of one bridged promise: the settled
// payload plus every resolver still waiting on it.
type promiseState struct {
	mu       sync.Mutex
	settled  bool
	rejected bool
	value    transferable
	errValue error
	waiters  []func(transferable, error)
}

func (ps *promiseState) settle(value transferable, err error) {
	ps.mu.Lock()
	if ps.settled {
		ps.mu.Unlock()
		return
	}
	ps.settled = true
	ps.value = value
	ps.errValue = err
	ps.rejected = err != nil
	waiters := ps.waiters
	ps.waiters = nil
	ps.mu.Unlock()
	for _, w := range waiters {
		w(value, err)
	}
}

func (ps *promiseState) wait(fn func(transferable, error)) {
	ps.mu.Lock()
	if ps.settled {
		value, err := ps.value, ps.errValue
		ps.mu.Unlock()
		fn(value, err)
		return
	}
	ps.waiters = append(ps.waiters, fn)
	ps.mu.Unlock()
}

// promiseTransferable bridges a promise (or plain value) across isolates:
// the source side attaches settle handlers through a compiled shim; the
// target side materializes a promise resolved from the shared state.
type promiseTransferable struct {
	state *promiseState
	inner TransferOptions
}

func newPromiseTransferable(env *environment, ctx *v8.Context, val *v8.Value, inner TransferOptions) (*promiseTransferable, error) {
	state := &promiseState{}
	out := &promiseTransferable{state: state, inner: inner}

	settleValue := func(v *v8.Value) {
		t, err := transferOut(env, ctx, v, inner)
		if err != nil {
			state.settle(nil, err)
			return
		}
		state.settle(t, nil)
	}

	if val == nil || !val.IsPromise() {
		settleValue(val)
		return out, nil
	}

	onSettled := v8.NewFunctionTemplate(ctx.Isolate(), func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) >= 2 && args[0].Boolean() {
			settleValue(args[1])
		} else if len(args) >= 2 {
			payload := copyThrownValue(ctx, args[1])
			rejection, _ := payload.goValue()
			if err, ok := rejection.(error); ok {
				state.settle(nil, err)
			} else {
				state.settle(nil, newGenericError("promise rejected"))
			}
		}
		return nil
	})
	if err := ctx.Global().Set("__bridgeSettle", onSettled.GetFunction(ctx)); err != nil {
		return nil, err
	}
	if err := ctx.Global().Set("__bridgeTarget", val); err != nil {
		return nil, err
	}
	// The shim reports resolution once; the shared state keeps the first
	// settle and drops any later report.
	if err := evalDiscard(ctx, `(function() {
		var settle = globalThis.__bridgeSettle;
		var target = globalThis.__bridgeTarget;
		delete globalThis.__bridgeSettle;
		delete globalThis.__bridgeTarget;
		Promise.resolve(target).then(
			function(v) { settle(true, v); },
			function(e) { settle(false, e); }
		);
	})()`); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *promiseTransferable) transferIn(env *environment, ctx *v8.Context) (*v8.Value, error) {
	resolver, err := v8.NewPromiseResolver(ctx)
	if err != nil {
		return nil, err
	}
	t.state.wait(func(value transferable, serr error) {
		deliver := func() {
			if serr != nil {
				msg, _ := v8.NewValue(ctx.Isolate(), serr.Error())
				resolver.Reject(msg)
				return
			}
			materialized, err := value.transferIn(env, ctx)
			if err != nil {
				msg, _ := v8.NewValue(ctx.Isolate(), err.Error())
				resolver.Reject(msg)
				return
			}
			resolver.Resolve(materialized)
		}
		if env.entered() {
			deliver()
			return
		}
		env.sched.postHandleTask(deliver)
	})
	return resolver.GetPromise().Value, nil
}

func (t *promiseTransferable) materialize() (any, error) {
	done := make(chan struct{})
	var value transferable
	var err error
	t.state.wait(func(v transferable, e error) {
		value, err = v, e
		close(done)
	})
	<-done
	if err != nil {
		return nil, err
	}
	return materializeForCaller(value)
}
