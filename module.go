package ivm

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/evanw/esbuild/pkg/api"
	v8 "github.com/tommie/v8go"
)

// Module link states. A module may be linked by at most one linker at a
// time; a failed link resets to none.
const (
	linkNone = iota
	linkLinking
	linkLinked
)

// moduleInfo is the registry entry for one compiled module: its identity
// hash, dependency specifiers, link state, and the handles captured after
// evaluation.
type moduleInfo struct {
	identityHash uint32
	source       string
	filename     string
	specifiers   []string

	mu         sync.Mutex
	linkStatus int
	linker     *moduleLinker
	resolved   map[string]*moduleInfo

	namespace *Reference
	context   *Context

	evaluated bool

	// meta supplies import.meta properties at evaluation.
	meta func() map[string]any
}

// Module is a handle to a compiled module and its registry entry.
type Module struct {
	env      *environment
	info     *moduleInfo
	released atomic.Bool
}

// ModuleOptions configures module compilation.
type ModuleOptions struct {
	Filename string
	// Meta supplies import.meta properties at evaluation time.
	Meta func() map[string]any
}

// CompileModule compiles module source and records it in the isolate's
// module registry. Dependency specifiers are extracted at compile time; they
// resolve later during instantiation.
func (i *Isolate) CompileModule(code string, opts ModuleOptions) (*Module, error) {
	env := i.env
	if err := env.checkUsable(); err != nil {
		return nil, err
	}
	filename := opts.Filename
	if filename == "" {
		filename = "<module>"
	}
	specifiers, err := moduleSpecifiers(code, filename)
	if err != nil {
		return nil, err
	}
	info := &moduleInfo{
		identityHash: identityHash(code),
		source:       code,
		filename:     filename,
		specifiers:   specifiers,
		resolved:     make(map[string]*moduleInfo),
		meta:         opts.Meta,
	}
	mod := &Module{env: env, info: info}
	_, err = runSync(env, &registerModuleTask{env: env, info: info})
	if err != nil {
		return nil, err
	}
	return mod, nil
}

// registerModuleTask files the module under its identity hash. The registry
// is isolate-local and written only while entered; the host-side linker reads
// it through lookupModule, both under moduleMu. Hash collisions chain in the
// multimap and resolve by pointer equality.
type registerModuleTask struct {
	env  *environment
	info *moduleInfo
}

func (t *registerModuleTask) phase2() error {
	t.env.moduleMu.Lock()
	defer t.env.moduleMu.Unlock()
	t.env.modules[int32(t.info.identityHash)] = append(t.env.modules[int32(t.info.identityHash)], t.info)
	return nil
}

func (t *registerModuleTask) phase3() (any, error) { return nil, nil }

func identityHash(source string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(source))
	return h.Sum32()
}

// moduleSpecifiers extracts static and dynamic import specifiers using the
// bundler's metafile rather than scraping the source.
func moduleSpecifiers(code, filename string) ([]string, error) {
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   code,
			Sourcefile: filename,
			Loader:     api.LoaderJS,
		},
		Bundle:   true,
		Write:    false,
		Metafile: true,
		External: []string{"*"},
		LogLevel: api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return nil, newGenericError("module compilation failed: %s", result.Errors[0].Text)
	}
	var meta struct {
		Inputs map[string]struct {
			Imports []struct {
				Path     string `json:"path"`
				Kind     string `json:"kind"`
				External bool   `json:"external"`
			} `json:"imports"`
		} `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("reading module metadata: %w", err)
	}
	var specifiers []string
	seen := make(map[string]bool)
	for _, input := range meta.Inputs {
		for _, imp := range input.Imports {
			if imp.Kind != "import-statement" && imp.Kind != "dynamic-import" {
				continue
			}
			if !seen[imp.Path] {
				seen[imp.Path] = true
				specifiers = append(specifiers, imp.Path)
			}
		}
	}
	return specifiers, nil
}

// Dependencies lists the module's static and dynamic import specifiers.
func (m *Module) Dependencies() []string {
	out := make([]string, len(m.info.specifiers))
	copy(out, m.info.specifiers)
	return out
}

// Release drops the module handle. The registry entry stays until the
// isolate is disposed.
func (m *Module) Release() error {
	if m.released.Swap(true) {
		return errReleased("Module")
	}
	if m.info.namespace != nil {
		_ = m.info.namespace.Release()
	}
	return nil
}

// ModuleResolver resolves one import specifier relative to a referrer.
type ModuleResolver func(specifier string, referrer *Module) (*Module, error)

// moduleLinker walks the dependency DAG, claiming each module's link slot so
// two instantiations cannot interleave. A rejection arriving after a sibling
// already resolved is dropped behind the rejected flag.
type moduleLinker struct {
	env      *environment
	resolve  ModuleResolver
	mu       sync.Mutex
	rejected bool
	claimed  []*moduleInfo
}

func (l *moduleLinker) link(mod *Module) error {
	info := mod.info

	info.mu.Lock()
	switch info.linkStatus {
	case linkLinked:
		info.mu.Unlock()
		return nil
	case linkLinking:
		if info.linker == l {
			info.mu.Unlock()
			return nil
		}
		info.mu.Unlock()
		return newGenericError("Module is already being linked")
	}
	info.linkStatus = linkLinking
	info.linker = l
	info.mu.Unlock()

	l.mu.Lock()
	l.claimed = append(l.claimed, info)
	l.mu.Unlock()

	for _, specifier := range info.specifiers {
		l.mu.Lock()
		if l.rejected {
			l.mu.Unlock()
			return newGenericError("Module linking was aborted")
		}
		l.mu.Unlock()

		dep, err := l.resolve(specifier, mod)
		if err != nil {
			l.mu.Lock()
			l.rejected = true
			l.mu.Unlock()
			return err
		}
		if dep.env != l.env {
			l.mu.Lock()
			l.rejected = true
			l.mu.Unlock()
			return newTypeError("resolved module belongs to a different isolate")
		}
		if l.env != nil {
			registered := l.env.lookupModule(dep.info.identityHash, func(mi *moduleInfo) bool {
				return mi == dep.info
			})
			if registered == nil {
				l.mu.Lock()
				l.rejected = true
				l.mu.Unlock()
				return newGenericError("resolved module is not registered in this isolate")
			}
		}

		info.mu.Lock()
		info.resolved[specifier] = dep.info
		info.mu.Unlock()

		if err := l.link(dep); err != nil {
			return err
		}
	}
	return nil
}

// finish marks every claimed module linked, or resets them on failure.
func (l *moduleLinker) finish(err error) {
	l.mu.Lock()
	claimed := l.claimed
	l.claimed = nil
	l.mu.Unlock()
	for _, info := range claimed {
		info.mu.Lock()
		if err != nil {
			info.linkStatus = linkNone
		} else {
			info.linkStatus = linkLinked
		}
		info.linker = nil
		info.mu.Unlock()
	}
}

// Instantiate resolves the module's dependency graph with the given resolver
// and binds the module to a context for evaluation.
func (m *Module) Instantiate(c *Context, resolve ModuleResolver) error {
	if m.released.Load() {
		return errReleased("Module")
	}
	if err := m.env.checkUsable(); err != nil {
		return err
	}
	if c.env != m.env {
		return newTypeError("the context belongs to a different isolate")
	}
	linker := &moduleLinker{env: m.env, resolve: resolve}
	err := linker.link(m)
	linker.finish(err)
	if err != nil {
		return err
	}
	m.info.mu.Lock()
	m.info.context = c
	m.info.mu.Unlock()
	return nil
}

// InstantiateAsync resolves dependencies on a separate goroutine and settles
// the returned future.
func (m *Module) InstantiateAsync(c *Context, resolve ModuleResolver) *Future {
	fut := newFuture()
	go func() {
		if err := m.Instantiate(c, resolve); err != nil {
			fut.reject(err)
			return
		}
		fut.resolve(Undefined)
	}()
	return &Future{fut}
}

// Evaluate bundles the linked graph, runs it in the instantiated context
// under the timeout, and captures the namespace.
func (m *Module) Evaluate(opts RunOptions) (any, error) {
	if m.released.Load() {
		return nil, errReleased("Module")
	}
	if err := m.env.checkUsable(); err != nil {
		return nil, err
	}
	m.info.mu.Lock()
	linked := m.info.linkStatus == linkLinked
	c := m.info.context
	m.info.mu.Unlock()
	if !linked || c == nil {
		return nil, newGenericError("Module is not instantiated")
	}
	code, err := bundleModuleGraph(m.info)
	if err != nil {
		return nil, err
	}
	ctx, err := c.engineContext()
	if err != nil {
		return nil, err
	}
	t := &evaluateModuleTask{env: m.env, info: m.info, ctx: ctx, code: code, opts: opts}
	return runSync(m.env, t)
}

type evaluateModuleTask struct {
	env    *environment
	info   *moduleInfo
	ctx    *v8.Context
	code   string
	opts   RunOptions
	result transferable
}

// bundleModuleGraph folds the resolved graph into one script. The bundler's
// resolution callback reads from the linker-populated map, so an unresolved
// specifier at this point is a linker bug surfaced as an error.
func bundleModuleGraph(root *moduleInfo) (string, error) {
	plugin := api.Plugin{
		Name: "registry",
		Setup: func(build api.PluginBuild) {
			infoFor := func(path string) *moduleInfo {
				if path == rootSpecifier {
					return root
				}
				var find func(info *moduleInfo) *moduleInfo
				seen := make(map[*moduleInfo]bool)
				find = func(info *moduleInfo) *moduleInfo {
					if seen[info] {
						return nil
					}
					seen[info] = true
					for spec, dep := range info.resolved {
						if spec == path {
							return dep
						}
						if found := find(dep); found != nil {
							return found
						}
					}
					return nil
				}
				return find(root)
			}
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{Path: args.Path, Namespace: "registry"}, nil
			})
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: "registry"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				info := infoFor(args.Path)
				if info == nil {
					return api.OnLoadResult{}, fmt.Errorf("unresolved module %q", args.Path)
				}
				return api.OnLoadResult{Contents: &info.source, Loader: api.LoaderJS}, nil
			})
		},
	}
	result := api.Build(api.BuildOptions{
		EntryPoints: []string{rootSpecifier},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatIIFE,
		GlobalName:  "globalThis.__moduleExports",
		Target:      api.ESNext,
		LogLevel:    api.LogLevelSilent,
		Plugins:     []api.Plugin{plugin},
	})
	if len(result.Errors) > 0 {
		return "", newGenericError("module bundling failed: %s", result.Errors[0].Text)
	}
	if len(result.OutputFiles) == 0 {
		return "", newGenericError("module bundling produced no output")
	}
	return string(result.OutputFiles[0].Contents), nil
}

const rootSpecifier = "\x00root"

func (t *evaluateModuleTask) phase2() error {
	if t.info.meta != nil {
		meta, err := json.Marshal(t.info.meta())
		if err != nil {
			return fmt.Errorf("encoding import.meta: %w", err)
		}
		if err := evalDiscard(t.ctx, fmt.Sprintf("globalThis.__importMeta = JSON.parse(%s);", jsEscape(string(meta)))); err != nil {
			return err
		}
	}
	val, err := runWithTimeout(t.env, t.opts.Timeout, func() (*v8.Value, error) {
		return t.ctx.RunScript(t.code, t.info.filename)
	})
	if err != nil {
		return err
	}
	ns, err := t.ctx.RunScript("globalThis.__moduleExports", "module_ns.js")
	if err == nil && ns != nil && ns.IsObject() {
		t.info.namespace = newReference(t.env, t.ctx, ns)
		_ = evalDiscard(t.ctx, "delete globalThis.__moduleExports")
	}
	t.info.evaluated = true
	t.result, err = transferOut(t.env, t.ctx, val, t.opts.Result)
	return err
}

func (t *evaluateModuleTask) phase3() (any, error) { return materializeForCaller(t.result) }

// GetNamespace returns the module's namespace reference, available after
// evaluation.
func (m *Module) GetNamespace() (*Reference, error) {
	m.info.mu.Lock()
	defer m.info.mu.Unlock()
	if !m.info.evaluated || m.info.namespace == nil {
		return nil, newGenericError("Module is not evaluated")
	}
	return m.info.namespace, nil
}

// lookupModule finds a registered module by identity hash and then by
// matcher, the way the resolution callback has to: the hash narrows the
// multimap bucket, pointer equality picks the entry.
func (e *environment) lookupModule(hash uint32, match func(*moduleInfo) bool) *moduleInfo {
	e.moduleMu.Lock()
	defer e.moduleMu.Unlock()
	for _, info := range e.modules[int32(hash)] {
		if match(info) {
			return info
		}
	}
	return nil
}
