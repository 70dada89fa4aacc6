package ivm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	v8 "github.com/tommie/v8go"
)

// evalDiscard evaluates JavaScript in ctx and discards the result.
func evalDiscard(ctx *v8.Context, js string) error {
	_, err := ctx.RunScript(js, "eval.js")
	return err
}

// evalString evaluates JavaScript and returns the result as a Go string.
func evalString(ctx *v8.Context, js string) (string, error) {
	val, err := ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// evalBool evaluates JavaScript and returns the result as a Go bool.
func evalBool(ctx *v8.Context, js string) (bool, error) {
	val, err := ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// jsEscape returns s as a double-quoted JS string literal.
func jsEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// goToV8 converts a Go value to an engine value in ctx. Composite Go values
// travel as JSON; byte slices go through the shared-buffer bridge.
func goToV8(ctx *v8.Context, value any) (*v8.Value, error) {
	iso := ctx.Isolate()
	switch v := value.(type) {
	case nil:
		return v8.Null(iso), nil
	case undefinedValue:
		return v8.Undefined(iso), nil
	case *v8.Value:
		return v, nil
	case bool, int32, uint32, int64, uint64, float64, string, *big.Int:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int64(v))
	case float32:
		return v8.NewValue(iso, float64(v))
	case time.Time:
		return ctx.RunScript(fmt.Sprintf("new Date(%d)", v.UnixMilli()), "date.js")
	case []byte:
		return bytesToArrayBuffer(ctx, v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, newTypeError("value of type %T is not convertible: %v", value, err)
		}
		return ctx.RunScript(fmt.Sprintf("JSON.parse(%s)", jsEscape(string(raw))), "json_in.js")
	}
}

// undefinedValue marks an explicit JS undefined in Go space.
type undefinedValue struct{}

// Undefined is the Go stand-in for the JS undefined value.
var Undefined = undefinedValue{}

// v8ToGo converts an engine value to a plain Go value. Objects come back as
// decoded JSON (map[string]any / []any); functions and symbols do not
// convert.
func v8ToGo(ctx *v8.Context, val *v8.Value) (any, error) {
	switch {
	case val == nil || val.IsUndefined():
		return Undefined, nil
	case val.IsNull():
		return nil, nil
	case val.IsBoolean():
		return val.Boolean(), nil
	case val.IsBigInt():
		return val.BigInt(), nil
	case val.IsNumber():
		n := val.Number()
		if n == float64(int64(n)) {
			return int64(n), nil
		}
		return n, nil
	case val.IsString():
		return val.String(), nil
	case val.IsFunction():
		return nil, newTypeError("a function is not convertible to a plain value")
	default:
		raw, err := val.MarshalJSON()
		if err != nil {
			return nil, newTypeError("value is not convertible: %v", err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, newTypeError("value is not convertible: %v", err)
		}
		return out, nil
	}
}

// bytesToArrayBuffer materializes data as a fresh ArrayBuffer in ctx via the
// engine's shared-buffer bridge: the binding exposes byte access only for
// SharedArrayBuffer, so the bytes land there first and are copied over.
func bytesToArrayBuffer(ctx *v8.Context, data []byte) (*v8.Value, error) {
	if _, err := ctx.RunScript(fmt.Sprintf("globalThis.__xferSAB = new SharedArrayBuffer(%d);", len(data)), "sab_alloc.js"); err != nil {
		return nil, fmt.Errorf("allocating transfer buffer: %w", err)
	}
	if len(data) > 0 {
		sab, err := ctx.Global().Get("__xferSAB")
		if err != nil {
			return nil, fmt.Errorf("retrieving transfer buffer: %w", err)
		}
		dst, release, err := sab.SharedArrayBufferGetContents()
		if err != nil {
			return nil, fmt.Errorf("mapping transfer buffer: %w", err)
		}
		copy(dst, data)
		release()
	}
	return ctx.RunScript(`(function() {
		var sab = globalThis.__xferSAB;
		delete globalThis.__xferSAB;
		var buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		return buf;
	})()`, "sab_to_ab.js")
}

// arrayBufferBytes copies the contents of an ArrayBuffer (or view) value out
// to Go memory, via the same bridge in the other direction.
func arrayBufferBytes(ctx *v8.Context, val *v8.Value) ([]byte, error) {
	if err := ctx.Global().Set("__xferAB", val); err != nil {
		return nil, fmt.Errorf("staging buffer: %w", err)
	}
	sab, err := ctx.RunScript(`(function() {
		var src = globalThis.__xferAB;
		delete globalThis.__xferAB;
		if (ArrayBuffer.isView(src)) {
			src = src.buffer.slice(src.byteOffset, src.byteOffset + src.byteLength);
		}
		var sab = new SharedArrayBuffer(src.byteLength);
		new Uint8Array(sab).set(new Uint8Array(src));
		return sab;
	})()`, "ab_to_sab.js")
	if err != nil {
		return nil, err
	}
	data, release, err := sab.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("mapping staged buffer: %w", err)
	}
	out := make([]byte, len(data))
	copy(out, data)
	release()
	return out, nil
}

// detachArrayBuffer zeroes out a source buffer after an owning transfer so
// the source isolate observes byteLength 0.
func detachArrayBuffer(ctx *v8.Context, val *v8.Value) error {
	if err := ctx.Global().Set("__xferDetach", val); err != nil {
		return err
	}
	return evalDiscard(ctx, `(function() {
		var buf = globalThis.__xferDetach;
		delete globalThis.__xferDetach;
		if (typeof structuredClone === 'function') {
			structuredClone(buf, { transfer: [buf] });
		} else if (buf.transfer) {
			buf.transfer();
		}
	})()`)
}

// typeTag returns the typeof-style tag for a value, cached by references at
// transfer time.
func typeTag(val *v8.Value) string {
	switch {
	case val == nil || val.IsUndefined():
		return "undefined"
	case val.IsFunction():
		return "function"
	case val.IsString():
		return "string"
	case val.IsNumber():
		return "number"
	case val.IsBigInt():
		return "bigint"
	case val.IsBoolean():
		return "boolean"
	default:
		return "object"
	}
}

// captureStack records the current JS stack in ctx for cross-isolate error
// chaining.
func captureStack(ctx *v8.Context) string {
	stack, err := evalString(ctx, "new Error().stack.split('\\n').slice(1).join('\\n')")
	if err != nil {
		return ""
	}
	return stack
}

// rejectionTrackerJS records the most recent unhandled rejection so the task
// epilogue can rethrow it. A rejection handled before its microtask turn is
// withdrawn.
const rejectionTrackerJS = `
(function() {
	if (globalThis.__rejectionTracked) return;
	globalThis.__rejectionTracked = true;
	globalThis.__lastRejection = undefined;
	var origThen = Promise.prototype.then;
	function note(promise) {
		origThen.call(promise, undefined, function(reason) {
			if (promise.__handled) return;
			var message, stack;
			if (reason instanceof Error) {
				message = String(reason.message);
				stack = String(reason.stack || '');
			} else {
				message = String(reason);
				stack = '';
			}
			globalThis.__lastRejection = { message: message, stack: stack };
		});
	}
	Promise.prototype.then = function(onFulfilled, onRejected) {
		if (typeof onRejected === 'function') this.__handled = true;
		var result = origThen.call(this, onFulfilled, onRejected);
		return result;
	};
	globalThis.__trackPromise = note;
})();
`

func installRejectionTracker(ctx *v8.Context) error {
	return evalDiscard(ctx, rejectionTrackerJS)
}

// takeUnhandledRejection returns and clears the recorded unhandled rejection.
func takeUnhandledRejection(ctx *v8.Context) *RuntimeError {
	raw, err := evalString(ctx, `(function() {
		var r = globalThis.__lastRejection;
		globalThis.__lastRejection = undefined;
		return r === undefined ? "" : JSON.stringify(r);
	})()`)
	if err != nil || raw == "" {
		return nil
	}
	var rec struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	if json.Unmarshal([]byte(raw), &rec) != nil {
		return nil
	}
	return &RuntimeError{Kind: KindGeneric, Message: rec.Message, Stack: rec.Stack}
}

// jsonUnmarshal decodes a JSON string produced by an in-isolate shim.
func jsonUnmarshal(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}

// b64 helpers used by the serialized-object path.
func b64encode(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func b64decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
