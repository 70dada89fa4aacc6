package ivm

import (
	"fmt"
	"plugin"
	"sync"

	v8 "github.com/tommie/v8go"
)

// InitForContextFunc is the single entry a native extension must export:
// it receives the target isolate, the context it is being instantiated in,
// and the object its exports should be attached to.
type InitForContextFunc func(iso *v8.Isolate, ctx *v8.Context, target *v8.Object) error

// NativeModule is a dynamically loaded shared object. Loading happens once
// per path; each isolate the module is instantiated into holds a reference
// to it for that isolate's whole lifetime.
type NativeModule struct {
	path string
	init InitForContextFunc
}

var (
	nativeModulesMu sync.Mutex
	nativeModules   = make(map[string]*NativeModule)
)

// LoadNativeModule opens the shared object at path and resolves its
// InitForContext symbol. Only host (root-thread) callers may load native
// modules; an isolate cannot pull native code in from inside.
func LoadNativeModule(path string) (*NativeModule, error) {
	if env := currentEnvironment(); env != nil && !env.root {
		return nil, newGenericError("Native modules may only be loaded from the default thread")
	}
	nativeModulesMu.Lock()
	defer nativeModulesMu.Unlock()
	if nm, ok := nativeModules[path]; ok {
		return nm, nil
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading native module %q: %w", path, err)
	}
	sym, err := p.Lookup("InitForContext")
	if err != nil {
		return nil, fmt.Errorf("native module %q: %w", path, err)
	}
	init, ok := sym.(func(*v8.Isolate, *v8.Context, *v8.Object) error)
	if !ok {
		return nil, newTypeError("native module %q exports InitForContext with the wrong signature", path)
	}
	nm := &NativeModule{path: path, init: InitForContextFunc(init)}
	nativeModules[path] = nm
	return nm, nil
}

// Create instantiates the native module in the given context, returning a
// reference to the object its exports were attached to. The target isolate
// keeps the module referenced until disposal.
func (nm *NativeModule) Create(c *Context) (*Reference, error) {
	if err := c.env.checkUsable(); err != nil {
		return nil, err
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	t := &nativeCreateTask{nm: nm, env: c.env, ctx: ctx}
	out, err := runSync(c.env, t)
	if err != nil {
		return nil, err
	}
	return out.(*Reference), nil
}

type nativeCreateTask struct {
	nm  *NativeModule
	env *environment
	ctx *v8.Context
	ref *Reference
}

func (t *nativeCreateTask) phase2() error {
	val, err := t.ctx.RunScript("({})", "native_target.js")
	if err != nil {
		return err
	}
	target, err := val.AsObject()
	if err != nil {
		return err
	}
	if err := t.nm.init(t.env.iso, t.ctx, target); err != nil {
		return fmt.Errorf("initializing native module %q: %w", t.nm.path, err)
	}
	// The isolate owns a reference for its entire lifetime.
	t.env.addWeakCallback(func(any) {}, t.nm)
	t.ref = newReference(t.env, t.ctx, val)
	return nil
}

func (t *nativeCreateTask) phase3() (any, error) { return t.ref, nil }
