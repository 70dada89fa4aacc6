package ivm

import (
	"math/big"
	"testing"
	"time"
)

func TestExternalCopyPrimitives(t *testing.T) {
	cases := []any{nil, Undefined, true, int64(42), 3.5, big.NewInt(1 << 40)}
	for _, in := range cases {
		ec, err := NewExternalCopy(in)
		if err != nil {
			t.Fatalf("NewExternalCopy(%v): %v", in, err)
		}
		out, err := ec.Copy()
		if err != nil {
			t.Fatalf("Copy(%v): %v", in, err)
		}
		if bi, ok := in.(*big.Int); ok {
			if bi.Cmp(out.(*big.Int)) != 0 {
				t.Errorf("bigint round trip: got %v, want %v", out, in)
			}
		} else if out != in {
			t.Errorf("round trip: got %#v, want %#v", out, in)
		}
		_ = ec.Release()
	}
}

func TestExternalCopyIntWidening(t *testing.T) {
	ec, err := NewExternalCopy(7)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ec.Copy()
	if err != nil {
		t.Fatal(err)
	}
	if out != int64(7) {
		t.Errorf("got %#v; want int64(7)", out)
	}
}

func TestExternalCopyString(t *testing.T) {
	ec, err := NewExternalCopy("hello")
	if err != nil {
		t.Fatal(err)
	}
	defer ec.Release()
	out, err := ec.Copy()
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("got %#v; want %q", out, "hello")
	}
	if ec.Size() != 5 {
		t.Errorf("size %d; want 5", ec.Size())
	}
}

func TestExternalCopyBytes(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ec, err := NewExternalCopy(src)
	if err != nil {
		t.Fatal(err)
	}
	defer ec.Release()

	// The copy must not alias the caller's slice.
	src[0] = 99
	out, err := ec.Copy()
	if err != nil {
		t.Fatal(err)
	}
	got := out.([]byte)
	if got[0] != 1 || len(got) != 8 {
		t.Errorf("buffer copy aliased or truncated: %v", got)
	}
	if ec.Size() != 8 {
		t.Errorf("source handle reports size %d; want 8", ec.Size())
	}
}

func TestExternalCopySizeAccounting(t *testing.T) {
	before := TotalExternalSize()
	ec, err := NewExternalCopy(make([]byte, 1024))
	if err != nil {
		t.Fatal(err)
	}
	if delta := TotalExternalSize() - before; delta != 1024 {
		t.Errorf("external size grew by %d; want 1024", delta)
	}
	if err := ec.Release(); err != nil {
		t.Fatal(err)
	}
	if delta := TotalExternalSize() - before; delta != 0 {
		t.Errorf("external size leaked %d bytes after release", delta)
	}
}

func TestExternalCopyDoubleRelease(t *testing.T) {
	ec, err := NewExternalCopy("x")
	if err != nil {
		t.Fatal(err)
	}
	if err := ec.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := ec.Release(); err == nil {
		t.Fatal("second release did not fail")
	}
	if _, err := ec.Copy(); err == nil {
		t.Fatal("copy after release did not fail")
	}
}

func TestExternalCopyComposite(t *testing.T) {
	ec, err := NewExternalCopy(map[string]any{"a": 1, "b": []any{"x", "y"}})
	if err != nil {
		t.Fatal(err)
	}
	defer ec.Release()
	out, err := ec.Copy()
	if err != nil {
		t.Fatal(err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("got %T; want map", out)
	}
	if m["a"] != float64(1) {
		t.Errorf("a = %#v; want 1", m["a"])
	}
	b, ok := m["b"].([]any)
	if !ok || len(b) != 2 || b[0] != "x" {
		t.Errorf("b = %#v; want [x y]", m["b"])
	}
}

func TestExternalCopyDate(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	ec, err := NewExternalCopy(now)
	if err != nil {
		t.Fatal(err)
	}
	defer ec.Release()
	out, err := ec.Copy()
	if err != nil {
		t.Fatal(err)
	}
	if !out.(time.Time).Equal(now) {
		t.Errorf("date round trip: got %v, want %v", out, now)
	}
}

func TestBufferCopyMovedOut(t *testing.T) {
	bc := &bufferCopy{data: []byte{1, 2, 3}}
	// A transfer-in moves the backing store; the source side must observe
	// the buffer as gone rather than stale bytes.
	bc.data = nil
	if _, err := bc.goValue(); err == nil {
		t.Error("moved-out buffer still readable")
	}
}

func TestErrorCopyGoValue(t *testing.T) {
	payload := errorCopy{name: "TypeError", message: "boom", stack: "at x"}
	out, err := payload.goValue()
	if err != nil {
		t.Fatal(err)
	}
	re, ok := out.(*RuntimeError)
	if !ok {
		t.Fatalf("got %T; want *RuntimeError", out)
	}
	if re.Kind != KindType || re.Message != "boom" || re.Stack != "at x" {
		t.Errorf("unexpected error copy: %+v", re)
	}
}
