package ivm

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/evanw/esbuild/pkg/api"
	v8 "github.com/tommie/v8go"

	// Pure-Go SQLite driver for database/sql (used by SnapshotCache).
	_ "github.com/glebarez/sqlite"
)

// Snapshot is a pre-initialized isolate image: the engine's startup blob
// plus the bundled source it was built from. The engine blob is process
// local; the bundle is what persists and what a cache rebuilds from.
type Snapshot struct {
	data   *v8.StartupData
	bundle string
	warmup string
}

func (s *Snapshot) startupData() (*v8.StartupData, error) {
	if s == nil || s.data == nil {
		return nil, newGenericError("Snapshot has no engine data; rebuild it with CreateSnapshot")
	}
	return s.data, nil
}

// Bundle returns the bundled init source behind the snapshot.
func (s *Snapshot) Bundle() string { return s.bundle }

// SnapshotScript is one init script for a snapshot build.
type SnapshotScript struct {
	Code     string
	Filename string
}

// snapshotTaskQueue is the private deque the snapshot build drains between
// scripts: the engine may post work during setup, and the builder's isolate
// has no scheduler of its own.
type snapshotTaskQueue struct {
	tasks []func()
}

func (q *snapshotTaskQueue) post(fn func()) { q.tasks = append(q.tasks, fn) }

func (q *snapshotTaskQueue) drain() {
	for len(q.tasks) > 0 {
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		fn()
	}
}

// CreateSnapshot spawns a throwaway isolate, runs the init scripts plus an
// optional warmup script in a dirty context, and serializes the result.
// The warmup script runs in the same context after the init scripts, so its
// side effects are part of the snapshot; an error it throws is ignored.
func CreateSnapshot(scripts []SnapshotScript, warmup string) (*Snapshot, error) {
	bundle, err := bundleSnapshotScripts(scripts)
	if err != nil {
		return nil, err
	}
	return buildSnapshot(bundle, warmup)
}

func buildSnapshot(bundle, warmup string) (*Snapshot, error) {
	creator := v8.NewSnapshotCreator()
	iso, err := creator.GetIsolate()
	if err != nil {
		return nil, fmt.Errorf("creating snapshot isolate: %w", err)
	}
	ctx := v8.NewContext(iso)

	queue := &snapshotTaskQueue{}
	if _, err := ctx.RunScript(bundle, "snapshot.js"); err != nil {
		ctx.Close()
		return nil, wrapJSError(err)
	}
	queue.post(func() { ctx.PerformMicrotaskCheckpoint() })
	if warmup != "" {
		queue.post(func() {
			// Warmup runs in the same dirty context; failures are not fatal
			// to the build.
			_, _ = ctx.RunScript(warmup, "warmup.js")
			ctx.PerformMicrotaskCheckpoint()
		})
	}
	queue.drain()

	if err := creator.SetDefaultContext(ctx); err != nil {
		return nil, fmt.Errorf("setting snapshot context: %w", err)
	}
	data, err := creator.Create(v8.FunctionCodeHandlingKeep)
	if err != nil {
		return nil, fmt.Errorf("serializing snapshot: %w", err)
	}
	return &Snapshot{data: data, bundle: bundle, warmup: warmup}, nil
}

// bundleSnapshotScripts folds the init scripts into one validated bundle.
func bundleSnapshotScripts(scripts []SnapshotScript) (string, error) {
	var out strings.Builder
	for _, script := range scripts {
		name := script.Filename
		if name == "" {
			name = "<snapshot>"
		}
		result := api.Transform(script.Code, api.TransformOptions{
			Target:     api.ESNext,
			Sourcefile: name,
			LogLevel:   api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return "", newGenericError("snapshot script %s failed to parse: %s", name, result.Errors[0].Text)
		}
		out.Write(result.Code)
		out.WriteString(";\n")
	}
	return out.String(), nil
}

// SnapshotCache persists snapshot bundles on disk, brotli-compressed and
// keyed by content hash, so repeat hosts skip the bundling pass and rebuild
// the engine blob directly.
type SnapshotCache struct {
	db *sql.DB
}

// OpenSnapshotCache opens (or creates) a cache database at path.
func OpenSnapshotCache(path string) (*SnapshotCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot cache: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		bundle BLOB NOT NULL,
		warmup BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing snapshot cache: %w", err)
	}
	return &SnapshotCache{db: db}, nil
}

// Close releases the database handle.
func (c *SnapshotCache) Close() error { return c.db.Close() }

func snapshotKey(scripts []SnapshotScript, warmup string) string {
	h := sha256.New()
	for _, s := range scripts {
		io.WriteString(h, s.Filename)
		io.WriteString(h, "\x00")
		io.WriteString(h, s.Code)
		io.WriteString(h, "\x00")
	}
	io.WriteString(h, warmup)
	return hex.EncodeToString(h.Sum(nil))
}

// CreateSnapshotCached builds a snapshot, reusing the cached bundle when the
// same scripts were built before and storing the bundle otherwise.
func (c *SnapshotCache) CreateSnapshotCached(scripts []SnapshotScript, warmup string) (*Snapshot, error) {
	key := snapshotKey(scripts, warmup)

	var compressed, compressedWarmup []byte
	err := c.db.QueryRow("SELECT bundle, warmup FROM snapshots WHERE key = ?", key).
		Scan(&compressed, &compressedWarmup)
	switch err {
	case nil:
		bundle, err := decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("reading cached bundle: %w", err)
		}
		cachedWarmup, err := decompress(compressedWarmup)
		if err != nil {
			return nil, fmt.Errorf("reading cached warmup: %w", err)
		}
		return buildSnapshot(string(bundle), string(cachedWarmup))
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("querying snapshot cache: %w", err)
	}

	snapshot, err := CreateSnapshot(scripts, warmup)
	if err != nil {
		return nil, err
	}
	if _, err := c.db.Exec(
		"INSERT OR REPLACE INTO snapshots (key, bundle, warmup, created_at) VALUES (?, ?, ?, ?)",
		key, compress([]byte(snapshot.bundle)), compress([]byte(warmup)), time.Now().Unix(),
	); err != nil {
		return nil, fmt.Errorf("storing snapshot bundle: %w", err)
	}
	return snapshot, nil
}

func compress(data []byte) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func decompress(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}
