package ivm

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("globalThis.lib = { add(a, b) { return a + b; } };\n"), 50)
	compressed := compress(src)
	if len(compressed) >= len(src) {
		t.Errorf("compression grew the payload: %d -> %d", len(src), len(compressed))
	}
	out, err := decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, src) {
		t.Error("round trip lost data")
	}
}

func TestSnapshotKey(t *testing.T) {
	scripts := []SnapshotScript{{Code: "var a = 1;", Filename: "a.js"}}
	k1 := snapshotKey(scripts, "warm()")
	k2 := snapshotKey(scripts, "warm()")
	if k1 != k2 {
		t.Error("key is not stable")
	}
	if k1 == snapshotKey(scripts, "other()") {
		t.Error("warmup not part of the key")
	}
	if k1 == snapshotKey([]SnapshotScript{{Code: "var a = 2;", Filename: "a.js"}}, "warm()") {
		t.Error("script contents not part of the key")
	}
}

func TestBundleSnapshotScripts(t *testing.T) {
	bundle, err := bundleSnapshotScripts([]SnapshotScript{
		{Code: "globalThis.a = 1;", Filename: "a.js"},
		{Code: "globalThis.b = globalThis.a + 1;", Filename: "b.js"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bundle, "globalThis.a") || !strings.Contains(bundle, "globalThis.b") {
		t.Errorf("bundle missing scripts:\n%s", bundle)
	}
	if strings.Index(bundle, "globalThis.a = 1") > strings.Index(bundle, "globalThis.b") {
		t.Error("scripts out of order")
	}
}

func TestBundleSnapshotScriptsSyntaxError(t *testing.T) {
	_, err := bundleSnapshotScripts([]SnapshotScript{{Code: "var = ;", Filename: "bad.js"}})
	if err == nil {
		t.Error("syntax error not reported")
	}
}

func TestSnapshotCacheStoresBundles(t *testing.T) {
	cache, err := OpenSnapshotCache(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	key := "test-key"
	bundle := []byte("globalThis.cached = true;")
	if _, err := cache.db.Exec(
		"INSERT INTO snapshots (key, bundle, warmup, created_at) VALUES (?, ?, ?, ?)",
		key, compress(bundle), compress(nil), time.Now().Unix(),
	); err != nil {
		t.Fatal(err)
	}

	var stored []byte
	if err := cache.db.QueryRow("SELECT bundle FROM snapshots WHERE key = ?", key).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	out, err := decompress(stored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, bundle) {
		t.Errorf("cache returned %q; want %q", out, bundle)
	}
}
