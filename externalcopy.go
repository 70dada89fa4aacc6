package ivm

import (
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"
)

// totalExternalSize tracks bytes held out-of-heap by live external copies
// across the whole process.
var totalExternalSize atomic.Int64

// TotalExternalSize reports the bytes currently held by external copies.
func TotalExternalSize() int64 { return totalExternalSize.Load() }

// copyPayload is one out-of-heap representation of a JS value.
type copyPayload interface {
	// inject materializes the payload as an engine value in ctx.
	inject(env *environment, ctx *v8.Context) (*v8.Value, error)
	// goValue is the host-side representation.
	goValue() (any, error)
	// size is the payload's out-of-heap footprint in bytes.
	size() int64
}

// ExternalCopy holds a value out-of-heap so it can be copied into any number
// of isolates.
type ExternalCopy struct {
	payload  copyPayload
	released atomic.Bool
}

func newExternalCopy(payload copyPayload) *ExternalCopy {
	totalExternalSize.Add(payload.size())
	metricExternalBytes.Add(float64(payload.size()))
	return &ExternalCopy{payload: payload}
}

// NewExternalCopy copies a host Go value out-of-heap. Supported: nil,
// Undefined, bool, integers, floats, string, *big.Int, time.Time, []byte
// (becomes an ArrayBuffer), and JSON-marshalable composites.
func NewExternalCopy(value any) (*ExternalCopy, error) {
	payload, err := goToPayload(value)
	if err != nil {
		return nil, err
	}
	return newExternalCopy(payload), nil
}

// Release drops the payload and its external-size accounting. A second
// release fails.
func (ec *ExternalCopy) Release() error {
	if ec.released.Swap(true) {
		return errReleased("ExternalCopy")
	}
	totalExternalSize.Add(-ec.payload.size())
	metricExternalBytes.Sub(float64(ec.payload.size()))
	return nil
}

// Size returns the payload's out-of-heap footprint in bytes.
func (ec *ExternalCopy) Size() int64 { return ec.payload.size() }

// Copy materializes the payload as a host Go value.
func (ec *ExternalCopy) Copy() (any, error) {
	if ec.released.Load() {
		return nil, errReleased("ExternalCopy")
	}
	return ec.payload.goValue()
}

// CopyInto materializes the payload inside the given context and returns a
// reference to the result. With opts.TransferIn a buffer payload moves its
// backing store into the target, invalidating this copy's bytes.
func (ec *ExternalCopy) CopyInto(c *Context, opts TransferOptions) (*Reference, error) {
	if ec.released.Load() {
		return nil, errReleased("ExternalCopy")
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	t := &copyIntoTask{env: c.env, ctx: ctx, payload: ec.payload, transferIn: opts.TransferIn}
	out, err := runSync(c.env, t)
	if err != nil {
		return nil, err
	}
	return out.(*Reference), nil
}

type copyIntoTask struct {
	env        *environment
	ctx        *v8.Context
	payload    copyPayload
	transferIn bool
	ref        *Reference
}

func (t *copyIntoTask) phase2() error {
	val, err := t.payload.inject(t.env, t.ctx)
	if err != nil {
		return err
	}
	if t.transferIn {
		var moved int64
		switch payload := t.payload.(type) {
		case *bufferCopy:
			moved = payload.size()
			payload.data = nil
		case viewCopy:
			moved = payload.size()
			payload.buffer.data = nil
		}
		totalExternalSize.Add(-moved)
		metricExternalBytes.Sub(float64(moved))
	}
	t.ref = newReference(t.env, t.ctx, val)
	return nil
}

func (t *copyIntoTask) phase3() (any, error) { return t.ref, nil }

// --- primitive copies ---

// primitiveCopy covers number, bigint, boolean, null, undefined, and date.
type primitiveCopy struct {
	value any
}

func (p primitiveCopy) inject(_ *environment, ctx *v8.Context) (*v8.Value, error) {
	return goToV8(ctx, p.value)
}

func (p primitiveCopy) goValue() (any, error) { return p.value, nil }

func (p primitiveCopy) size() int64 { return 16 }

// --- string copy ---

// stringCopy shares one backing byte vector between every isolate the string
// is copied into. Each injection of a string of 1 KiB or larger charges its
// bytes to the receiving isolate's external-allocation accounting until that
// isolate is disposed.
type stringCopy struct {
	data    []byte
	twoByte bool
}

const externalStringMin = 1024

func (s stringCopy) inject(env *environment, ctx *v8.Context) (*v8.Value, error) {
	if len(s.data) >= externalStringMin {
		// Charged to the isolate until teardown; the registration fires
		// once on disposal and returns the bytes.
		env.adjustExternalBytes(int64(len(s.data)))
		env.addWeakCallback(func(any) {
			env.adjustExternalBytes(-int64(len(s.data)))
		}, nil)
	}
	return v8.NewValue(ctx.Isolate(), string(s.data))
}

func (s stringCopy) goValue() (any, error) { return string(s.data), nil }

func (s stringCopy) size() int64 { return int64(len(s.data)) }

// --- array buffers ---

// bufferCopy owns a backing store copied (or moved) out of its source
// isolate.
type bufferCopy struct {
	data   []byte
	shared bool
}

func (b *bufferCopy) inject(_ *environment, ctx *v8.Context) (*v8.Value, error) {
	if b.data == nil {
		return nil, errReleased("ArrayBuffer")
	}
	if b.shared {
		return bytesToSharedArrayBuffer(ctx, b.data)
	}
	return bytesToArrayBuffer(ctx, b.data)
}

func (b *bufferCopy) goValue() (any, error) {
	if b.data == nil {
		return nil, errReleased("ArrayBuffer")
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *bufferCopy) size() int64 { return int64(len(b.data)) }

// bytesToSharedArrayBuffer materializes data as a SharedArrayBuffer.
func bytesToSharedArrayBuffer(ctx *v8.Context, data []byte) (*v8.Value, error) {
	if _, err := ctx.RunScript(fmt.Sprintf("globalThis.__xferSAB = new SharedArrayBuffer(%d);", len(data)), "sab_alloc.js"); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		sab, err := ctx.Global().Get("__xferSAB")
		if err != nil {
			return nil, err
		}
		dst, release, err := sab.SharedArrayBufferGetContents()
		if err != nil {
			return nil, err
		}
		copy(dst, data)
		release()
	}
	return ctx.RunScript("(function() { var s = globalThis.__xferSAB; delete globalThis.__xferSAB; return s; })()", "sab_take.js")
}

// viewCopy carries an ArrayBufferView: its buffer plus view geometry, so the
// typed view rebuilds over the transferred buffer.
type viewCopy struct {
	buffer     *bufferCopy
	viewType   string
	byteOffset int
	byteLength int
}

func (vc viewCopy) inject(env *environment, ctx *v8.Context) (*v8.Value, error) {
	buf, err := vc.buffer.inject(env, ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Global().Set("__xferView", buf); err != nil {
		return nil, err
	}
	script := fmt.Sprintf(`(function() {
		var buf = globalThis.__xferView;
		delete globalThis.__xferView;
		if (%q === 'DataView') return new DataView(buf, %d, %d);
		var Ctor = globalThis[%q];
		return new Ctor(buf, %d, %d / Ctor.BYTES_PER_ELEMENT);
	})()`, vc.viewType, vc.byteOffset, vc.byteLength, vc.viewType, vc.byteOffset, vc.byteLength)
	return ctx.RunScript(script, "view_in.js")
}

func (vc viewCopy) goValue() (any, error) {
	raw, err := vc.buffer.goValue()
	if err != nil {
		return nil, err
	}
	data := raw.([]byte)
	end := vc.byteOffset + vc.byteLength
	if end > len(data) {
		end = len(data)
	}
	return data[vc.byteOffset:end], nil
}

func (vc viewCopy) size() int64 { return vc.buffer.size() }

// --- error copy ---

type errorCopy struct {
	name    string
	message string
	stack   string
}

func (e errorCopy) inject(_ *environment, ctx *v8.Context) (*v8.Value, error) {
	ctor := "Error"
	switch e.name {
	case "RangeError", "ReferenceError", "SyntaxError", "TypeError":
		ctor = e.name
	}
	script := fmt.Sprintf(`(function() {
		var err = new %s(%s);
		if (%s !== "") {
			Object.defineProperty(err, 'name', { value: %s, writable: true, configurable: true });
		}
		Object.defineProperty(err, 'stack', { value: %s, writable: true, configurable: true });
		return err;
	})()`, ctor, jsEscape(e.message), jsEscape(e.name), jsEscape(e.name), jsEscape(e.stack))
	return ctx.RunScript(script, "error_in.js")
}

func (e errorCopy) goValue() (any, error) {
	kind := KindGeneric
	switch e.name {
	case "TypeError":
		kind = KindType
	case "RangeError":
		kind = KindRange
	}
	return &RuntimeError{Kind: kind, Name: e.name, Message: e.message, Stack: e.stack}, nil
}

func (e errorCopy) size() int64 {
	return int64(len(e.name) + len(e.message) + len(e.stack))
}

// --- dispatch ---

// goToPayload maps a host Go value to its copy payload.
func goToPayload(value any) (copyPayload, error) {
	switch v := value.(type) {
	case nil, undefinedValue, bool, float64, int64, *big.Int, time.Time:
		return primitiveCopy{value: v}, nil
	case int:
		return primitiveCopy{value: int64(v)}, nil
	case int32:
		return primitiveCopy{value: int64(v)}, nil
	case uint32:
		return primitiveCopy{value: int64(v)}, nil
	case float32:
		return primitiveCopy{value: float64(v)}, nil
	case string:
		return stringCopy{data: []byte(v)}, nil
	case []byte:
		data := make([]byte, len(v))
		copy(data, v)
		return &bufferCopy{data: data}, nil
	case error:
		return errorCopy{name: "Error", message: v.Error()}, nil
	default:
		return serializeGoValue(v)
	}
}

// copyValue extracts an engine value into a payload. transferOut moves
// listed (or all, when requested) array buffers instead of copying them,
// detaching them in the source.
func copyValue(env *environment, ctx *v8.Context, val *v8.Value, opts TransferOptions) (copyPayload, error) {
	switch {
	case val == nil || val.IsUndefined():
		return primitiveCopy{value: Undefined}, nil
	case val.IsNull():
		return primitiveCopy{value: nil}, nil
	case val.IsBoolean():
		return primitiveCopy{value: val.Boolean()}, nil
	case val.IsBigInt():
		return primitiveCopy{value: val.BigInt()}, nil
	case val.IsNumber():
		return primitiveCopy{value: val.Number()}, nil
	case val.IsString():
		return stringCopy{data: []byte(val.String())}, nil
	case val.IsDate():
		ms, err := datePrimitive(ctx, val)
		if err != nil {
			return nil, err
		}
		return primitiveCopy{value: time.UnixMilli(ms).UTC()}, nil
	case val.IsNativeError():
		return copyError(ctx, val)
	case val.IsSharedArrayBuffer():
		data, release, err := val.SharedArrayBufferGetContents()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(data))
		copy(out, data)
		release()
		return &bufferCopy{data: out, shared: true}, nil
	case val.IsArrayBuffer():
		data, err := arrayBufferBytes(ctx, val)
		if err != nil {
			return nil, err
		}
		if opts.TransferOut {
			if err := detachArrayBuffer(ctx, val); err != nil {
				return nil, err
			}
		}
		return &bufferCopy{data: data}, nil
	case val.IsTypedArray() || val.IsDataView():
		return copyView(ctx, val, opts)
	case val.IsFunction():
		return nil, newTypeError("a function cannot be copied; use a reference or callback")
	case val.IsObject():
		return serializeValue(env, ctx, val, opts)
	default:
		return nil, errNotTransferred
	}
}

// copyThrownValue copies a thrown JS value out of its isolate so something
// always propagates across the boundary, even for thrown non-errors.
func copyThrownValue(ctx *v8.Context, val *v8.Value) copyPayload {
	if val == nil {
		return errorCopy{name: "Error", message: "An exception was thrown without an error"}
	}
	if val.IsNativeError() || val.IsObject() {
		if payload, err := copyError(ctx, val); err == nil {
			return payload
		}
	}
	if val.IsString() {
		return errorCopy{name: "Error", message: val.String()}
	}
	return errorCopy{name: "Error", message: "An object was thrown from supplied code within isolated context which could not be copied"}
}

// copyError reads name/message/stack off an error-like object by
// constructor-name probing.
func copyError(ctx *v8.Context, val *v8.Value) (copyPayload, error) {
	if err := ctx.Global().Set("__copyErr", val); err != nil {
		return nil, err
	}
	raw, err := evalString(ctx, `(function() {
		var e = globalThis.__copyErr;
		delete globalThis.__copyErr;
		var name = "Error";
		try { name = String((e.constructor && e.constructor.name) || e.name || "Error"); } catch (_) {}
		var message = "";
		try { message = String(e.message); } catch (_) {}
		var stack = "";
		try { stack = String(e.stack || ""); } catch (_) {}
		return JSON.stringify({ name: name, message: message, stack: stack });
	})()`)
	if err != nil {
		return nil, err
	}
	var rec struct{ Name, Message, Stack string }
	if err := jsonUnmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return errorCopy{name: rec.Name, message: rec.Message, stack: rec.Stack}, nil
}

func copyView(ctx *v8.Context, val *v8.Value, opts TransferOptions) (copyPayload, error) {
	if err := ctx.Global().Set("__copyView", val); err != nil {
		return nil, err
	}
	meta, err := evalString(ctx, `(function() {
		var v = globalThis.__copyView;
		delete globalThis.__copyView;
		globalThis.__copyViewBuf = v.buffer;
		return JSON.stringify({
			type: v.constructor.name,
			byteOffset: v.byteOffset,
			byteLength: v.byteLength,
		});
	})()`)
	if err != nil {
		return nil, err
	}
	var rec struct {
		Type       string
		ByteOffset int
		ByteLength int
	}
	if err := jsonUnmarshal(meta, &rec); err != nil {
		return nil, err
	}
	buf, err := ctx.Global().Get("__copyViewBuf")
	if err != nil {
		return nil, err
	}
	_ = evalDiscard(ctx, "delete globalThis.__copyViewBuf")
	data, err := arrayBufferBytes(ctx, buf)
	if err != nil {
		return nil, err
	}
	if opts.TransferOut {
		if err := detachArrayBuffer(ctx, buf); err != nil {
			return nil, err
		}
	}
	return viewCopy{
		buffer:     &bufferCopy{data: data},
		viewType:   rec.Type,
		byteOffset: rec.ByteOffset,
		byteLength: rec.ByteLength,
	}, nil
}

func datePrimitive(ctx *v8.Context, val *v8.Value) (int64, error) {
	if err := ctx.Global().Set("__copyDate", val); err != nil {
		return 0, err
	}
	out, err := ctx.RunScript("(function() { var d = globalThis.__copyDate; delete globalThis.__copyDate; return d.getTime(); })()", "date_out.js")
	if err != nil {
		return 0, err
	}
	return int64(out.Number()), nil
}
