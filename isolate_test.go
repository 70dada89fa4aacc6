package ivm

import (
	"strings"
	"testing"
	"time"
)

func newTestIsolate(t *testing.T, opts IsolateOptions) (*Isolate, *Context) {
	t.Helper()
	iso, err := NewIsolate(opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := iso.CreateContext(ContextOptions{})
	if err != nil {
		iso.Dispose()
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = iso.Dispose() })
	return iso, ctx
}

func TestIsolateMemoryLimitTooSmall(t *testing.T) {
	if _, err := NewIsolate(IsolateOptions{MemoryLimitMB: 4}); err == nil {
		t.Fatal("memoryLimit below the minimum was accepted")
	}
}

func TestScriptRunReturnValue(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{})
	script, err := iso.CompileScript("40 + 2", ScriptOptions{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := script.Run(ctx, RunOptions{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if out != float64(42) {
		t.Errorf("got %#v; want 42", out)
	}
}

func TestContextEval(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval(`"a" + "b"`, RunOptions{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if out != "ab" {
		t.Errorf("got %#v; want ab", out)
	}
}

func TestReferenceApplyCopyBack(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("(x) => x.toUpperCase()", RunOptions{
		Timeout: time.Second,
		Result:  TransferOptions{Reference: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	fn := out.(*Reference)
	if fn.TypeOf() != "function" {
		t.Fatalf("typeof = %q; want function", fn.TypeOf())
	}
	result, err := fn.ApplySync(nil, []any{"hello"}, ApplyOptions{
		Arguments: TransferOptions{Copy: true},
		Result:    TransferOptions{Copy: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "HELLO" {
		t.Errorf("got %#v; want HELLO", result)
	}
}

func TestScriptTimeout(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{})
	script, err := iso.CompileScript("while (true) {}", ScriptOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = script.Run(ctx, RunOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("infinite loop did not time out")
	}
	if !strings.HasPrefix(err.Error(), "Script execution timed out.") {
		t.Errorf("error %q; want timeout message", err.Error())
	}

	// The isolate must remain usable afterwards.
	out, err := ctx.Eval("1 + 1", RunOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("isolate unusable after timeout: %v", err)
	}
	if out != float64(2) {
		t.Errorf("got %#v; want 2", out)
	}
}

func TestMemoryLimitBreach(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{MemoryLimitMB: 8})
	_, err := ctx.Eval("let s = 'a'; while (true) s += s;", RunOptions{Timeout: 10 * time.Second})
	if err == nil {
		t.Fatal("runaway allocation did not fail")
	}

	// Disposal begins before the caller sees the error; give the loop a
	// moment to finish it.
	deadline := time.Now().Add(5 * time.Second)
	for !iso.IsDisposed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !iso.IsDisposed() {
		t.Fatal("isolate not disposed after memory breach")
	}
	if _, err := ctx.Eval("1", RunOptions{}); !IsDisposedError(err) {
		t.Errorf("post-breach call returned %v; want disposed error", err)
	}
}

func TestApplySyncPromise(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("async () => 7", RunOptions{
		Timeout: time.Second,
		Result:  TransferOptions{Reference: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	fn := out.(*Reference)
	result, err := fn.ApplySyncPromise(nil, nil, ApplyOptions{
		Timeout: time.Second,
		Result:  TransferOptions{Copy: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != float64(7) {
		t.Errorf("got %#v; want 7", result)
	}
}

func TestExternalCopyTransferredBuffer(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ec, err := NewExternalCopy(src)
	if err != nil {
		t.Fatal(err)
	}
	defer ec.Release()

	ref, err := ec.CopyInto(ctx, TransferOptions{})
	if err != nil {
		t.Fatal(err)
	}
	global, err := ctx.Global()
	if err != nil {
		t.Fatal(err)
	}
	if err := global.Set("buf", ref, SetOptions{Value: TransferOptions{DeepReference: true}}); err != nil {
		t.Fatal(err)
	}
	out, err := ctx.Eval("Array.from(new Uint8Array(buf)).join(',')", RunOptions{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if out != "1,2,3,4,5,6,7,8" {
		t.Errorf("bytes in isolate: %v", out)
	}
	if ec.Size() != 8 {
		t.Errorf("source handle reports %d bytes; want 8", ec.Size())
	}
}

func TestReferenceGetSetDelete(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("({ a: 1 })", RunOptions{Result: TransferOptions{Reference: true}})
	if err != nil {
		t.Fatal(err)
	}
	obj := out.(*Reference)

	got, err := obj.Get("a", GetOptions{Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(1) {
		t.Errorf("get a = %#v; want 1", got)
	}

	if err := obj.Set("b", "two", SetOptions{}); err != nil {
		t.Fatal(err)
	}
	got, err = obj.Get("b", GetOptions{Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "two" {
		t.Errorf("get b = %#v; want two", got)
	}

	if err := obj.Delete("a"); err != nil {
		t.Fatal(err)
	}
	got, err = obj.Get("a", GetOptions{Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != Undefined {
		t.Errorf("deleted property read back as %#v", got)
	}
}

func TestReferenceGetInherited(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("Object.create({ inherited: 5 })", RunOptions{Result: TransferOptions{Reference: true}})
	if err != nil {
		t.Fatal(err)
	}
	obj := out.(*Reference)

	got, err := obj.Get("inherited", GetOptions{Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != Undefined {
		t.Errorf("own-only get returned %#v; want undefined", got)
	}

	got, err = obj.Get("inherited", GetOptions{Inherit: true, Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(5) {
		t.Errorf("inherited get returned %#v; want 5", got)
	}
}

func TestReferenceAccessorRefused(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("({ get trap() { return 1; } })", RunOptions{Result: TransferOptions{Reference: true}})
	if err != nil {
		t.Fatal(err)
	}
	obj := out.(*Reference)
	if _, err := obj.Get("trap", GetOptions{Result: TransferOptions{Copy: true}}); err == nil {
		t.Error("accessor read without Accessors did not fail")
	}
	got, err := obj.Get("trap", GetOptions{Accessors: true, Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(1) {
		t.Errorf("accessor get returned %#v; want 1", got)
	}
}

func TestReferenceProxyRefused(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("new Proxy({}, {})", RunOptions{Result: TransferOptions{Reference: true}})
	if err != nil {
		t.Fatal(err)
	}
	obj := out.(*Reference)
	if _, err := obj.Get("x", GetOptions{}); err == nil {
		t.Error("property access through a proxy did not fail")
	}
}

func TestReferenceDoubleRelease(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.Eval("({})", RunOptions{Result: TransferOptions{Reference: true}})
	if err != nil {
		t.Fatal(err)
	}
	ref := out.(*Reference)
	if err := ref.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := ref.Release(); err == nil {
		t.Fatal("second release did not fail")
	}
	if _, err := ref.Copy(); err == nil {
		t.Fatal("copy after release did not fail")
	}
}

func TestThrownErrorCrossesBoundary(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	_, err := ctx.Eval(`throw new TypeError("bad input")`, RunOptions{Timeout: time.Second})
	if err == nil {
		t.Fatal("thrown error not propagated")
	}
	re, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("got %T: %v", err, err)
	}
	if re.Kind != KindType || !strings.Contains(re.Message, "bad input") {
		t.Errorf("error crossed as kind=%v %q", re.Kind, re.Message)
	}
}

func TestDisposeIdempotent(t *testing.T) {
	iso, _ := newTestIsolate(t, IsolateOptions{})
	if err := iso.Dispose(); err != nil {
		t.Fatalf("first dispose: %v", err)
	}
	if err := iso.Dispose(); err != nil {
		t.Fatalf("dispose is not idempotent: %v", err)
	}
	if !iso.IsDisposed() {
		t.Error("IsDisposed false after dispose")
	}
}

func TestDisposedIsolateRefusesWork(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{})
	if err := iso.Dispose(); err != nil {
		t.Fatal(err)
	}
	if _, err := iso.CompileScript("1", ScriptOptions{}); !IsDisposedError(err) {
		t.Errorf("compile on disposed isolate: %v", err)
	}
	if _, err := ctx.Eval("1", RunOptions{}); !IsDisposedError(err) {
		t.Errorf("eval on disposed isolate: %v", err)
	}
}

func TestESModuleScript(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{})
	script, err := iso.CompileScript("export default 40 + 2;", ScriptOptions{ESModule: true})
	if err != nil {
		t.Fatal(err)
	}
	out, err := script.Run(ctx, RunOptions{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if out != float64(42) {
		t.Errorf("got %#v; want 42", out)
	}
}

func TestAsyncEval(t *testing.T) {
	_, ctx := newTestIsolate(t, IsolateOptions{})
	out, err := ctx.EvalAsync("6 * 7", RunOptions{Timeout: time.Second}).Await()
	if err != nil {
		t.Fatal(err)
	}
	if out != float64(42) {
		t.Errorf("got %#v; want 42", out)
	}
}

func TestCPUTimeAccumulates(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{})
	if _, err := ctx.Eval("let x = 0; for (let i = 0; i < 1e6; i++) x += i; x", RunOptions{Timeout: 10 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if iso.CPUTime() <= 0 {
		t.Error("CPU time did not accumulate")
	}
	if iso.WallTime() < iso.CPUTime() {
		t.Error("wall time below CPU time")
	}
}

func TestModuleEvaluate(t *testing.T) {
	iso, ctx := newTestIsolate(t, IsolateOptions{})
	leaf, err := iso.CompileModule("export default 41;", ModuleOptions{Filename: "leaf.js"})
	if err != nil {
		t.Fatal(err)
	}
	root, err := iso.CompileModule("import n from 'leaf';\nexport const answer = n + 1;", ModuleOptions{Filename: "root.js"})
	if err != nil {
		t.Fatal(err)
	}
	err = root.Instantiate(ctx, func(spec string, _ *Module) (*Module, error) {
		if spec != "leaf" {
			return nil, newGenericError("unknown module %q", spec)
		}
		return leaf, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := root.Evaluate(RunOptions{Timeout: time.Second}); err != nil {
		t.Fatal(err)
	}
	ns, err := root.GetNamespace()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ns.Get("answer", GetOptions{Result: TransferOptions{Copy: true}})
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(42) {
		t.Errorf("namespace answer = %#v; want 42", got)
	}
}
