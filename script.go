package ivm

import (
	"sync/atomic"

	"github.com/evanw/esbuild/pkg/api"
	v8 "github.com/tommie/v8go"
)

// Script is a remote handle to a compiled unbound script. The compiled code
// belongs to its isolate; Run binds it to a context there.
type Script struct {
	env      *environment
	unbound  *v8.UnboundScript
	released atomic.Bool
}

// CompileScript compiles source in the isolate. With ESModule the source is
// first lowered from module syntax to a plain script.
func (i *Isolate) CompileScript(code string, opts ScriptOptions) (*Script, error) {
	env := i.env
	if err := env.checkUsable(); err != nil {
		return nil, err
	}
	if opts.ESModule {
		code = lowerESModule(code)
	}
	filename := opts.Filename
	if filename == "" {
		filename = "<isolate>"
	}
	t := &compileTask{env: env, code: code, filename: filename}
	out, err := runSync(env, t)
	if err != nil {
		return nil, err
	}
	return out.(*Script), nil
}

type compileTask struct {
	env      *environment
	code     string
	filename string
	script   *Script
}

func (t *compileTask) phase2() error {
	unbound, err := t.env.iso.CompileUnboundScript(t.code, t.filename, v8.CompileOptions{})
	if err != nil {
		return err
	}
	t.script = &Script{env: t.env, unbound: unbound}
	return nil
}

func (t *compileTask) phase3() (any, error) { return t.script, nil }

// Release drops the compiled-code handle.
func (s *Script) Release() error {
	if s.released.Swap(true) {
		return errReleased("Script")
	}
	return nil
}

// Run binds the script to the given context, runs it under the timeout, and
// transfers the completion value out.
func (s *Script) Run(c *Context, opts RunOptions) (any, error) {
	t, err := s.runTask(c, opts)
	if err != nil {
		return nil, err
	}
	out, err := runSync(s.env, t)
	if opts.Release {
		_ = s.Release()
	}
	return out, err
}

// RunIgnored runs the script fire-and-forget.
func (s *Script) RunIgnored(c *Context, opts RunOptions) error {
	t, err := s.runTask(c, opts)
	if err != nil {
		return err
	}
	return runIgnored(s.env, t)
}

// RunAsync runs the script on the isolate's queue.
func (s *Script) RunAsync(c *Context, opts RunOptions) *Future {
	fut := newFuture()
	t, err := s.runTask(c, opts)
	if err != nil {
		fut.reject(err)
		return &Future{fut}
	}
	return &Future{runAsync(currentEnvironment(), s.env, t)}
}

func (s *Script) runTask(c *Context, opts RunOptions) (*runScriptTask, error) {
	if s.released.Load() {
		return nil, errReleased("Script")
	}
	if err := s.env.checkUsable(); err != nil {
		return nil, err
	}
	if c.env != s.env {
		return nil, newTypeError("the context belongs to a different isolate")
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	return &runScriptTask{env: s.env, unbound: s.unbound, ctx: ctx, opts: opts}, nil
}

type runScriptTask struct {
	env     *environment
	unbound *v8.UnboundScript
	ctx     *v8.Context
	opts    RunOptions
	result  transferable
}

func (t *runScriptTask) phase2() error {
	val, err := runWithTimeout(t.env, t.opts.Timeout, func() (*v8.Value, error) {
		return t.unbound.Run(t.ctx)
	})
	if err != nil {
		return err
	}
	t.result, err = transferOut(t.env, t.ctx, val, t.opts.Result)
	return err
}

func (t *runScriptTask) phase3() (any, error) { return materializeForCaller(t.result) }

// lowerESModule transforms ES module syntax to a plain script whose module
// namespace lands on a hidden global. Transform errors fall through so the
// engine reports them with proper source positions.
func lowerESModule(source string) string {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis.__moduleExports",
		Target:     api.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	code += "globalThis.__moduleExports && globalThis.__moduleExports.default !== undefined ? globalThis.__moduleExports.default : globalThis.__moduleExports;\n"
	return code
}
