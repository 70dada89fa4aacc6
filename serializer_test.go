package ivm

import (
	"encoding/json"
	"reflect"
	"testing"
)

func envelopeFor(t *testing.T, root any, buffers [][]byte) *serializedCopy {
	t.Helper()
	b64 := make([]string, len(buffers))
	for i, b := range buffers {
		b64[i] = b64encode(b)
	}
	raw, err := json.Marshal(map[string]any{"root": root, "buffers": b64, "shared": []string{}})
	if err != nil {
		t.Fatal(err)
	}
	return &serializedCopy{encoded: raw, buffers: buffers}
}

func TestSerializedCopyPlainObject(t *testing.T) {
	sc := envelopeFor(t, map[string]any{
		"$t": "obj", "id": 1,
		"props": map[string]any{
			"n":    float64(3),
			"s":    "hi",
			"null": nil,
			"u":    map[string]any{"$t": "undef"},
		},
	}, nil)
	out, err := sc.goValue()
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["n"] != float64(3) || m["s"] != "hi" || m["null"] != nil {
		t.Errorf("decoded %#v", m)
	}
	if m["u"] != Undefined {
		t.Errorf("undefined marker decoded as %#v", m["u"])
	}
}

func TestSerializedCopyCycle(t *testing.T) {
	// { self: <ref to root> }
	sc := envelopeFor(t, map[string]any{
		"$t": "obj", "id": 1,
		"props": map[string]any{
			"self": map[string]any{"$t": "ref", "id": float64(1)},
		},
	}, nil)
	out, err := sc.goValue()
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	self, ok := m["self"].(map[string]any)
	if !ok {
		t.Fatalf("cycle broke: %#v", m["self"])
	}
	if reflect.ValueOf(self).Pointer() != reflect.ValueOf(m).Pointer() {
		t.Error("self reference does not point at the root object")
	}
}

func TestSerializedCopyBuffers(t *testing.T) {
	sc := envelopeFor(t, map[string]any{
		"$t": "ab", "id": 1, "i": float64(0),
	}, [][]byte{{1, 2, 3, 4}})
	out, err := sc.goValue()
	if err != nil {
		t.Fatal(err)
	}
	got := out.([]byte)
	if len(got) != 4 || got[3] != 4 {
		t.Errorf("buffer decoded as %v", got)
	}
}

func TestSerializedCopyMapAndSet(t *testing.T) {
	sc := envelopeFor(t, map[string]any{
		"$t": "obj", "id": 1,
		"props": map[string]any{
			"m": map[string]any{"$t": "map", "id": float64(2), "entries": []any{[]any{"k", float64(1)}}},
			"s": map[string]any{"$t": "set", "id": float64(3), "values": []any{"a", "b"}},
		},
	}, nil)
	out, err := sc.goValue()
	if err != nil {
		t.Fatal(err)
	}
	root := out.(map[string]any)
	m := root["m"].(map[any]any)
	if m["k"] != float64(1) {
		t.Errorf("map decoded as %#v", m)
	}
	s := root["s"].([]any)
	if len(s) != 2 || s[0] != "a" {
		t.Errorf("set decoded as %#v", s)
	}
}

func TestRebuildEnvelopeSwapsBuffers(t *testing.T) {
	sc := envelopeFor(t, map[string]any{"$t": "ab", "id": 1, "i": float64(0)}, [][]byte{{9, 9}})
	// Simulate a source-side detach after encode: the authoritative bytes
	// live in the Go vector.
	sc.buffers[0] = []byte{7, 7, 7}
	rebuilt, err := sc.rebuildEnvelope()
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Buffers []string `json:"buffers"`
	}
	if err := json.Unmarshal([]byte(rebuilt), &env); err != nil {
		t.Fatal(err)
	}
	data, err := b64decode(env.Buffers[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 3 || data[0] != 7 {
		t.Errorf("rebuilt envelope kept stale buffer: %v", data)
	}
}

func TestSerializeGoValue(t *testing.T) {
	sc, err := serializeGoValue(map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	payload := sc.(*serializedCopy)
	out, err := payload.goValue()
	if err != nil {
		t.Fatal(err)
	}
	if out.(map[string]any)["x"] != float64(1) {
		t.Errorf("decoded %#v", out)
	}
	if _, err := serializeGoValue(func() {}); err == nil {
		t.Error("a function serialized; want type error")
	}
}
