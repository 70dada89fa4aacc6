package ivm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	v8 "github.com/tommie/v8go"
)

// serializedCopy carries a structured-clone of an object graph: an encoded
// tree plus side vectors of buffer contents and nested transferables. Cycles,
// Maps, Sets, Dates, RegExps, typed arrays, and nested array buffers all
// survive the round trip; buffers named in the transfer list move instead of
// copying.
type serializedCopy struct {
	encoded []byte
	buffers [][]byte
	shared  [][]byte
	nested  []transferable
}

func (s *serializedCopy) size() int64 {
	total := int64(len(s.encoded))
	for _, b := range s.buffers {
		total += int64(len(b))
	}
	for _, b := range s.shared {
		total += int64(len(b))
	}
	return total
}

// encodeJS walks a value into a JSON-encodable tree. Objects get ids so
// cycles decode as references; binary payloads index into the buffer side
// vector as base64.
const encodeJS = `
(function(value, transferList) {
	var nextId = 1;
	var seen = new Map();
	var buffers = [];
	var shared = [];
	function b64(buf) {
		var bytes = new Uint8Array(buf);
		var chunks = [];
		for (var i = 0; i < bytes.length; i += 0x8000) {
			chunks.push(String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000)));
		}
		return btoa ? btoa(chunks.join('')) : chunks.join('');
	}
	function addBuffer(buf) {
		buffers.push(b64(buf));
		return buffers.length - 1;
	}
	function walk(v) {
		if (v === undefined) return { $t: 'undef' };
		if (v === null) return null;
		var t = typeof v;
		if (t === 'number' || t === 'string' || t === 'boolean') return t === 'number' && !isFinite(v) ? { $t: 'num', v: String(v) } : v;
		if (t === 'bigint') return { $t: 'bigint', v: v.toString() };
		if (t === 'function' || t === 'symbol') throw new TypeError('value is not clonable');
		if (seen.has(v)) return { $t: 'ref', id: seen.get(v) };
		var id = nextId++;
		seen.set(v, id);
		if (v instanceof Date) return { $t: 'date', id: id, v: v.getTime() };
		if (v instanceof RegExp) return { $t: 'regexp', id: id, src: v.source, flags: v.flags };
		if (v instanceof SharedArrayBuffer) {
			shared.push(b64(v));
			return { $t: 'sab', id: id, i: shared.length - 1 };
		}
		if (v instanceof ArrayBuffer) {
			var i = addBuffer(v);
			return { $t: 'ab', id: id, i: i, xfer: transferList.indexOf(v) >= 0 };
		}
		if (ArrayBuffer.isView(v)) {
			var buf = walk(v.buffer);
			return { $t: 'view', id: id, kind: v.constructor.name, off: v.byteOffset, len: v.byteLength, buffer: buf };
		}
		if (v instanceof Map) {
			var entries = [];
			v.forEach(function(val, key) { entries.push([walk(key), walk(val)]); });
			return { $t: 'map', id: id, entries: entries };
		}
		if (v instanceof Set) {
			var values = [];
			v.forEach(function(val) { values.push(walk(val)); });
			return { $t: 'set', id: id, values: values };
		}
		if (v instanceof Error) {
			return { $t: 'err', id: id, name: String(v.name || 'Error'), message: String(v.message || ''), stack: String(v.stack || '') };
		}
		if (Array.isArray(v)) {
			var items = [];
			for (var j = 0; j < v.length; j++) items.push(walk(v[j]));
			return { $t: 'arr', id: id, items: items };
		}
		var proto = Object.getPrototypeOf(v);
		if (proto !== Object.prototype && proto !== null) {
			throw new TypeError('#<' + ((v.constructor && v.constructor.name) || 'Object') + '> could not be cloned.');
		}
		var props = {};
		var keys = Object.keys(v);
		for (var k = 0; k < keys.length; k++) props[keys[k]] = walk(v[keys[k]]);
		return { $t: 'obj', id: id, props: props };
	}
	return JSON.stringify({ root: walk(value), buffers: buffers, shared: shared });
})
`

// decodeJS rebuilds the tree. Buffers arrive as base64 in the side vectors.
const decodeJS = `
(function(encoded) {
	var data = JSON.parse(encoded);
	var byId = new Map();
	function fromB64(s) {
		var bin = atob(s);
		var bytes = new Uint8Array(bin.length);
		for (var i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
		return bytes.buffer;
	}
	function build(node) {
		if (node === null) return null;
		if (typeof node !== 'object') return node;
		switch (node.$t) {
		case 'undef': return undefined;
		case 'num': return Number(node.v);
		case 'bigint': return BigInt(node.v);
		case 'ref': return byId.get(node.id);
		case 'date': { var d = new Date(node.v); byId.set(node.id, d); return d; }
		case 'regexp': { var r = new RegExp(node.src, node.flags); byId.set(node.id, r); return r; }
		case 'ab': { var ab = fromB64(data.buffers[node.i]); byId.set(node.id, ab); return ab; }
		case 'sab': {
			var src = fromB64(data.shared[node.i]);
			var sab = new SharedArrayBuffer(src.byteLength);
			new Uint8Array(sab).set(new Uint8Array(src));
			byId.set(node.id, sab);
			return sab;
		}
		case 'view': {
			var buf = build(node.buffer);
			var out = node.kind === 'DataView'
				? new DataView(buf, node.off, node.len)
				: new globalThis[node.kind](buf, node.off, node.len / globalThis[node.kind].BYTES_PER_ELEMENT);
			byId.set(node.id, out);
			return out;
		}
		case 'map': {
			var m = new Map();
			byId.set(node.id, m);
			node.entries.forEach(function(e) { m.set(build(e[0]), build(e[1])); });
			return m;
		}
		case 'set': {
			var s = new Set();
			byId.set(node.id, s);
			node.values.forEach(function(v) { s.add(build(v)); });
			return s;
		}
		case 'err': {
			var Ctor = globalThis[node.name];
			if (typeof Ctor !== 'function') Ctor = Error;
			var err = new Ctor(node.message);
			Object.defineProperty(err, 'stack', { value: node.stack, configurable: true, writable: true });
			byId.set(node.id, err);
			return err;
		}
		case 'arr': {
			var arr = [];
			byId.set(node.id, arr);
			node.items.forEach(function(item) { arr.push(build(item)); });
			return arr;
		}
		case 'obj': {
			var obj = {};
			byId.set(node.id, obj);
			for (var key in node.props) obj[key] = build(node.props[key]);
			return obj;
		}
		default: return node;
		}
	}
	return build(data.root);
})
`

// serializeValue clones an engine object graph out of its isolate. Buffers in
// opts.TransferList (or all of them under TransferOut) detach from the
// source afterwards.
func serializeValue(env *environment, ctx *v8.Context, val *v8.Value, opts TransferOptions) (copyPayload, error) {
	if err := ctx.Global().Set("__serValue", val); err != nil {
		return nil, err
	}
	if err := stageTransferList(env, ctx, opts.TransferList); err != nil {
		return nil, err
	}
	raw, err := evalString(ctx, fmt.Sprintf(`(%s)(
		(function() { var v = globalThis.__serValue; delete globalThis.__serValue; globalThis.__serKeep = v; return v; })(),
		globalThis.__serXfer || []
	)`, encodeJS))
	if err != nil {
		_ = evalDiscard(ctx, "delete globalThis.__serKeep; delete globalThis.__serXfer;")
		return nil, wrapJSError(err)
	}
	var envelope struct {
		Root    json.RawMessage `json:"root"`
		Buffers []string        `json:"buffers"`
		Shared  []string        `json:"shared"`
	}
	if err := jsonUnmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding clone envelope: %w", err)
	}
	out := &serializedCopy{encoded: []byte(raw)}
	for _, b := range envelope.Buffers {
		data, err := b64decode(b)
		if err != nil {
			return nil, fmt.Errorf("decoding cloned buffer: %w", err)
		}
		out.buffers = append(out.buffers, data)
	}
	for _, b := range envelope.Shared {
		data, err := b64decode(b)
		if err != nil {
			return nil, fmt.Errorf("decoding shared buffer: %w", err)
		}
		out.shared = append(out.shared, data)
	}
	// Detach transferred buffers in the source after a successful encode.
	if len(opts.TransferList) > 0 || opts.TransferOut {
		if err := detachStaged(ctx, opts.TransferOut); err != nil {
			return nil, err
		}
	}
	_ = evalDiscard(ctx, "delete globalThis.__serKeep; delete globalThis.__serXfer;")
	return out, nil
}

// stageTransferList exposes the transfer list's buffers to the encoder.
func stageTransferList(env *environment, ctx *v8.Context, list []*Reference) error {
	if len(list) == 0 {
		return evalDiscard(ctx, "globalThis.__serXfer = []")
	}
	if err := evalDiscard(ctx, "globalThis.__serXfer = []"); err != nil {
		return err
	}
	for _, ref := range list {
		if ref.env != env {
			return newTypeError("transfer list entries must belong to the source isolate")
		}
		val, err := ref.handle.deref()
		if err != nil {
			return err
		}
		if err := ctx.Global().Set("__serXferNext", val); err != nil {
			return err
		}
		if err := evalDiscard(ctx, "globalThis.__serXfer.push(globalThis.__serXferNext); delete globalThis.__serXferNext;"); err != nil {
			return err
		}
	}
	return nil
}

// detachStaged detaches buffers that moved: the listed ones, or every buffer
// the encode touched under TransferOut.
func detachStaged(ctx *v8.Context, all bool) error {
	script := `(function() {
		var v = globalThis.__serKeep;
		delete globalThis.__serKeep;
		if (typeof structuredClone !== 'function') return;
		var list = [];
		(function collect(x, seen) {
			if (x === null || typeof x !== 'object' || seen.has(x)) return;
			seen.add(x);
			if (x instanceof ArrayBuffer) { list.push(x); return; }
			if (ArrayBuffer.isView(x)) { list.push(x.buffer); return; }
			if (x instanceof Map) { x.forEach(function(val, key) { collect(val, seen); collect(key, seen); }); return; }
			if (x instanceof Set) { x.forEach(function(val) { collect(val, seen); }); return; }
			for (var k in x) collect(x[k], seen);
		})(v, new Set());
		if (list.length) structuredClone(list, { transfer: list });
	})()`
	if !all {
		script = `(function() {
			var list = globalThis.__serXfer || [];
			delete globalThis.__serXfer;
			delete globalThis.__serKeep;
			if (list.length && typeof structuredClone === 'function') {
				structuredClone(list, { transfer: list });
			}
		})()`
	}
	return evalDiscard(ctx, script)
}

func (s *serializedCopy) inject(_ *environment, ctx *v8.Context) (*v8.Value, error) {
	// The envelope re-encodes buffer contents that may have been detached in
	// the source; rebuild it from the Go-side vectors for fidelity.
	rebuilt, err := s.rebuildEnvelope()
	if err != nil {
		return nil, err
	}
	return ctx.RunScript(fmt.Sprintf("(%s)(%s)", decodeJS, jsEscape(rebuilt)), "clone_in.js")
}

// rebuildEnvelope swaps the envelope's buffer vectors for the authoritative
// Go copies.
func (s *serializedCopy) rebuildEnvelope() (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(s.encoded, &envelope); err != nil {
		return "", err
	}
	buffers := make([]string, len(s.buffers))
	for i, b := range s.buffers {
		buffers[i] = b64encode(b)
	}
	shared := make([]string, len(s.shared))
	for i, b := range s.shared {
		shared[i] = b64encode(b)
	}
	rawBuffers, _ := json.Marshal(buffers)
	rawShared, _ := json.Marshal(shared)
	envelope["buffers"] = rawBuffers
	envelope["shared"] = rawShared
	out, err := json.Marshal(envelope)
	return string(out), err
}

func (s *serializedCopy) goValue() (any, error) {
	var envelope struct {
		Root any `json:"root"`
	}
	if err := json.Unmarshal(s.encoded, &envelope); err != nil {
		return nil, err
	}
	byID := make(map[float64]any)
	return s.decodeNode(envelope.Root, byID), nil
}

// decodeNode is the host-side mirror of the decode shim, minus engine types:
// buffers come back as []byte, Maps as map[any]any, Sets as []any.
func (s *serializedCopy) decodeNode(node any, byID map[float64]any) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	tag, _ := m["$t"].(string)
	id, _ := m["id"].(float64)
	switch tag {
	case "undef":
		return Undefined
	case "num":
		str, _ := m["v"].(string)
		switch str {
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		default:
			return math.NaN()
		}
	case "bigint":
		str, _ := m["v"].(string)
		out := new(big.Int)
		out.SetString(str, 10)
		return out
	case "ref":
		return byID[id]
	case "date":
		ms, _ := m["v"].(float64)
		return time.UnixMilli(int64(ms)).UTC()
	case "ab", "sab":
		idx := int(m["i"].(float64))
		vec := s.buffers
		if tag == "sab" {
			vec = s.shared
		}
		if idx < len(vec) {
			byID[id] = vec[idx]
			return vec[idx]
		}
		return nil
	case "view":
		buf, _ := s.decodeNode(m["buffer"], byID).([]byte)
		off := int(m["off"].(float64))
		length := int(m["len"].(float64))
		if off+length > len(buf) {
			return nil
		}
		out := buf[off : off+length]
		byID[id] = out
		return out
	case "map":
		out := make(map[any]any)
		byID[id] = out
		entries, _ := m["entries"].([]any)
		for _, e := range entries {
			pair, _ := e.([]any)
			if len(pair) == 2 {
				out[s.decodeNode(pair[0], byID)] = s.decodeNode(pair[1], byID)
			}
		}
		return out
	case "set":
		var out []any
		values, _ := m["values"].([]any)
		for _, v := range values {
			out = append(out, s.decodeNode(v, byID))
		}
		byID[id] = out
		return out
	case "err":
		name, _ := m["name"].(string)
		message, _ := m["message"].(string)
		stack, _ := m["stack"].(string)
		payload := errorCopy{name: name, message: message, stack: stack}
		out, _ := payload.goValue()
		byID[id] = out
		return out
	case "regexp":
		src, _ := m["src"].(string)
		byID[id] = src
		return src
	case "arr":
		out := []any{}
		byID[id] = out
		items, _ := m["items"].([]any)
		for _, item := range items {
			out = append(out, s.decodeNode(item, byID))
		}
		byID[id] = out
		return out
	case "obj":
		out := make(map[string]any)
		byID[id] = out
		props, _ := m["props"].(map[string]any)
		for key, prop := range props {
			out[key] = s.decodeNode(prop, byID)
		}
		return out
	default:
		return m
	}
}

// serializeGoValue clones a host Go composite into a payload by way of JSON.
func serializeGoValue(value any) (copyPayload, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, newTypeError("value of type %T could not be cloned: %v", value, err)
	}
	envelope, err := json.Marshal(map[string]any{
		"root":    json.RawMessage(raw),
		"buffers": []string{},
		"shared":  []string{},
	})
	if err != nil {
		return nil, err
	}
	return &serializedCopy{encoded: envelope}, nil
}
