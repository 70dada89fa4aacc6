package ivm

import (
	"strings"
	"testing"
)

func TestModuleSpecifiers(t *testing.T) {
	code := `
		import { a } from './a.js';
		import b from 'dep-b';
		export const c = a + b;
	`
	specs, err := moduleSpecifiers(code, "root.js")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"./a.js": true, "dep-b": true}
	if len(specs) != 2 {
		t.Fatalf("got specifiers %v; want 2", specs)
	}
	for _, s := range specs {
		if !want[s] {
			t.Errorf("unexpected specifier %q", s)
		}
	}
}

func TestModuleSpecifiersNone(t *testing.T) {
	specs, err := moduleSpecifiers("export default 1;", "leaf.js")
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 0 {
		t.Errorf("got %v; want none", specs)
	}
}

func TestModuleSpecifiersSyntaxError(t *testing.T) {
	if _, err := moduleSpecifiers("import {", "bad.js"); err == nil {
		t.Error("syntax error not reported")
	}
}

func TestIdentityHashStable(t *testing.T) {
	if identityHash("export default 1;") != identityHash("export default 1;") {
		t.Error("identity hash is not stable")
	}
	if identityHash("a") == identityHash("b") {
		t.Error("identity hash does not separate different sources")
	}
}

func newTestModule(source string, specs []string) *Module {
	return &Module{info: &moduleInfo{
		identityHash: identityHash(source),
		source:       source,
		filename:     "test.js",
		specifiers:   specs,
		resolved:     make(map[string]*moduleInfo),
	}}
}

func TestLinkerResolvesGraph(t *testing.T) {
	leaf := newTestModule("export default 1;", nil)
	root := newTestModule("import x from 'leaf';", []string{"leaf"})

	var calls []string
	linker := &moduleLinker{resolve: func(spec string, referrer *Module) (*Module, error) {
		calls = append(calls, spec)
		return leaf, nil
	}}
	err := linker.link(root)
	linker.finish(err)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "leaf" {
		t.Errorf("resolver calls %v; want one call for leaf", calls)
	}
	if root.info.resolved["leaf"] != leaf.info {
		t.Error("resolved module not recorded")
	}
	if root.info.linkStatus != linkLinked || leaf.info.linkStatus != linkLinked {
		t.Error("modules not marked linked")
	}
}

func TestLinkerRejectsConcurrentLink(t *testing.T) {
	mod := newTestModule("export default 1;", nil)
	other := &moduleLinker{}
	mod.info.linkStatus = linkLinking
	mod.info.linker = other

	linker := &moduleLinker{resolve: func(string, *Module) (*Module, error) { return nil, nil }}
	err := linker.link(mod)
	linker.finish(err)
	if err == nil {
		t.Fatal("second linker claimed a module mid-link")
	}
}

func TestLinkerResetsOnFailure(t *testing.T) {
	root := newTestModule("import x from 'missing';", []string{"missing"})
	linker := &moduleLinker{resolve: func(spec string, _ *Module) (*Module, error) {
		return nil, newGenericError("cannot resolve %q", spec)
	}}
	err := linker.link(root)
	linker.finish(err)
	if err == nil {
		t.Fatal("resolver failure not propagated")
	}
	if root.info.linkStatus != linkNone {
		t.Errorf("link status %d after failure; want reset to none", root.info.linkStatus)
	}
}

func TestLinkerHandlesCycles(t *testing.T) {
	a := newTestModule("import b from 'b'; export default 'a';", []string{"b"})
	b := newTestModule("import a from 'a'; export default 'b';", []string{"a"})
	mods := map[string]*Module{"a": a, "b": b}

	linker := &moduleLinker{resolve: func(spec string, _ *Module) (*Module, error) {
		return mods[spec], nil
	}}
	err := linker.link(a)
	linker.finish(err)
	if err != nil {
		t.Fatalf("cyclic graph failed to link: %v", err)
	}
	if a.info.linkStatus != linkLinked || b.info.linkStatus != linkLinked {
		t.Error("cycle members not linked")
	}
}

func TestBundleModuleGraph(t *testing.T) {
	leaf := newTestModule("export default 41;", nil)
	root := newTestModule("import n from 'leaf';\nglobalThis.__out = n + 1;", []string{"leaf"})
	root.info.resolved["leaf"] = leaf.info

	code, err := bundleModuleGraph(root.info)
	if err != nil {
		t.Fatal(err)
	}
	if code == "" {
		t.Fatal("empty bundle")
	}
	if !strings.Contains(code, "41") || !strings.Contains(code, "__out") {
		t.Errorf("bundle missing expected content:\n%s", code)
	}
}

func TestBundleModuleGraphUnresolved(t *testing.T) {
	root := newTestModule("import n from 'nowhere';", []string{"nowhere"})
	if _, err := bundleModuleGraph(root.info); err == nil {
		t.Error("unresolved specifier did not fail the bundle")
	}
}
