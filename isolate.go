package ivm

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	v8 "github.com/tommie/v8go"
)

// MinMemoryLimitMB is the smallest accepted isolate heap cap.
const MinMemoryLimitMB = 8

// lifecycle states. Disposal is one-way and idempotent once started.
const (
	lifeNormal int32 = iota
	lifeDisposing
	lifeDisposed
)

// weakCallback fires exactly once when its registration is collected or when
// the isolate is torn down with registrations outstanding.
type weakCallback struct {
	fn    func(param any)
	param any
}

// environment is one isolate instance: the engine isolate, its default
// context, scheduler, memory accounting, weak-callback bookkeeping, and the
// module registry. At most one goroutine is inside the engine at a time.
type environment struct {
	id  string
	iso *v8.Isolate

	// engineMu is the engine lock: the single-writer discipline over iso.
	// insideGid tracks the goroutine currently holding it so reentrant
	// enters short-circuit instead of deadlocking.
	engineMu  sync.Mutex
	insideGid atomic.Int64

	defaultCtx *v8.Context

	lifeMu sync.Mutex
	life   atomic.Int32

	sched    *scheduler
	affinity threadAffinity

	root bool
	loop *HostLoop

	memoryLimit   uint64 // bytes
	externalBytes atomic.Int64
	memoryFlagged atomic.Bool

	remotes atomic.Int64

	cpuTimer  runTimer
	wallTimer runTimer

	terminateDepth atomic.Int32

	// Guarded by the engine lock.
	weak     map[uint64]weakCallback
	nextWeak uint64

	// moduleMu guards the registry for host-side linker reads; writes still
	// happen entered.
	moduleMu sync.Mutex
	modules  map[int32][]*moduleInfo

	catastrophic func(*FatalError)

	inspector *inspectorAgent
}

// IsolateOptions configures a new isolate.
type IsolateOptions struct {
	// MemoryLimitMB caps the engine heap plus externally allocated bytes.
	// Must be at least MinMemoryLimitMB. Zero means the default of 128.
	MemoryLimitMB int
	// Snapshot pre-initializes the isolate from a snapshot built with
	// CreateSnapshot.
	Snapshot *Snapshot
	// Inspector attaches an inspector agent at creation.
	Inspector bool
	// OnCatastrophicError is invoked once when the isolate dies from a
	// memory-limit breach or another unrecoverable engine failure.
	OnCatastrophicError func(*FatalError)
	// Loop binds the isolate's dispatch to a specific host loop. Nil uses
	// the process-wide loop.
	Loop *HostLoop
	// RunOnHostLoop dispatches this isolate's work on the host loop instead
	// of the worker pool, the way a default isolate runs. Such an isolate
	// cannot be disposed and may make synchronous calls into others.
	RunOnHostLoop bool
}

// Isolate is the public handle to one isolated execution environment.
type Isolate struct {
	env *environment
}

// NewIsolate builds an engine isolate with the configured memory limit and
// optional snapshot, installs rejection tracking, and creates the default
// context used for library-internal work.
func NewIsolate(opts IsolateOptions) (*Isolate, error) {
	limitMB := opts.MemoryLimitMB
	if limitMB == 0 {
		limitMB = 128
	}
	if limitMB < MinMemoryLimitMB {
		return nil, newGenericError("memoryLimit must be at least %d", MinMemoryLimitMB)
	}

	env := &environment{
		id:           uuid.NewString(),
		memoryLimit:  uint64(limitMB) * 1024 * 1024,
		weak:         make(map[uint64]weakCallback),
		modules:      make(map[int32][]*moduleInfo),
		catastrophic: opts.OnCatastrophicError,
		loop:         opts.Loop,
		root:         opts.RunOnHostLoop,
	}
	if env.loop == nil {
		env.loop = sharedLoop()
	}
	env.sched = newScheduler(env)

	heap := env.memoryLimit
	if opts.Snapshot != nil {
		data, err := opts.Snapshot.startupData()
		if err != nil {
			return nil, err
		}
		env.iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap), v8.WithStartupData(data))
	} else {
		env.iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	}
	env.defaultCtx = v8.NewContext(env.iso)

	if err := installRejectionTracker(env.defaultCtx); err != nil {
		env.defaultCtx.Close()
		env.iso.Dispose()
		return nil, fmt.Errorf("installing rejection tracker: %w", err)
	}

	if opts.Inspector {
		env.inspector = newInspectorAgent(env)
	}

	metricIsolatesActive.Inc()
	return &Isolate{env: env}, nil
}

// enter takes the engine lock, pushes an executor scope, and runs fn. A
// goroutine already inside this isolate runs fn inline. The CPU timer does
// not count time spent blocked on the lock.
func (e *environment) enter(fn func() error) error {
	if e.insideGid.Load() == gid() {
		return fn()
	}
	e.cpuTimer.pause()
	e.engineMu.Lock()
	e.cpuTimer.resume()
	e.insideGid.Store(gid())
	scope := enterScope(e)
	defer func() {
		scope.exit()
		e.insideGid.Store(0)
		e.engineMu.Unlock()
	}()
	return fn()
}

// entered reports whether the calling goroutine is inside this isolate.
func (e *environment) entered() bool {
	return e.insideGid.Load() == gid()
}

func (e *environment) disposed() bool {
	return e.life.Load() != lifeNormal
}

// taskEpilogue runs after every user task while still entered: drain
// microtasks, fail hard on a memory breach, then rethrow a recorded
// unhandled rejection as a synthetic exception.
func (e *environment) taskEpilogue() error {
	e.defaultCtx.PerformMicrotaskCheckpoint()
	if err := e.checkMemoryPressure(); err != nil {
		return err
	}
	if rejection := takeUnhandledRejection(e.defaultCtx); rejection != nil {
		return rejection
	}
	return nil
}

// checkMemoryPressure polices the heap cap: at ~80% usage it nudges the
// engine toward collection; at a breach it flags the isolate fatal and starts
// disposal. Caller must be inside the isolate.
func (e *environment) checkMemoryPressure() error {
	hs := e.iso.GetHeapStatistics()
	used := hs.TotalHeapSize + uint64(e.externalBytes.Load())
	if used >= e.memoryLimit {
		return e.failMemory()
	}
	if used*10 >= e.memoryLimit*8 {
		// Best effort: ask the engine for an aggressive collection pass.
		_, _ = e.defaultCtx.RunScript("typeof gc === 'function' && gc()", "lowmem.js")
	}
	return nil
}

// failMemory marks the isolate fatally out of memory and begins disposal.
func (e *environment) failMemory() error {
	if e.memoryFlagged.Swap(true) {
		return &FatalError{Message: "Isolate was disposed during execution due to memory limit"}
	}
	fatal := &FatalError{Message: "Isolate was disposed during execution due to memory limit"}
	if e.catastrophic != nil {
		e.catastrophic(fatal)
	}
	// Disposal cannot run from inside the isolate; hand it to the loop.
	e.loop.post(func() {
		if err := e.disposeInternal(); err != nil {
			log.Printf("ivm: disposing isolate %s after memory breach: %v", e.id, err)
		}
	})
	return fatal
}

// adjustExternalBytes tracks out-of-heap allocations (external strings,
// copied buffers) against the memory limit.
func (e *environment) adjustExternalBytes(delta int64) {
	e.externalBytes.Add(delta)
}

// addWeakCallback registers fn to fire exactly once, at the latest during
// forced disposal. Caller must be inside the isolate.
func (e *environment) addWeakCallback(fn func(any), param any) uint64 {
	e.nextWeak++
	id := e.nextWeak
	e.weak[id] = weakCallback{fn: fn, param: param}
	return id
}

// clearWeakCallback fires and removes one registration. Caller must be inside
// the isolate.
func (e *environment) clearWeakCallback(id uint64) {
	if cb, ok := e.weak[id]; ok {
		delete(e.weak, id)
		cb.fn(cb.param)
	}
}

// Dispose releases the isolate: handle tasks drain, every outstanding weak
// callback fires once in registration order, and the engine isolate is
// destroyed. Pending regular tasks are discarded; their async callers reject
// with the disposed error. An isolate cannot dispose itself.
func (i *Isolate) Dispose() error {
	return i.env.dispose()
}

func (e *environment) dispose() error {
	if e.entered() {
		return errSelfDisposal
	}
	if e.root {
		return newGenericError("Cannot dispose the default isolate")
	}
	return e.disposeInternal()
}

func (e *environment) disposeInternal() error {
	e.lifeMu.Lock()
	if e.life.Load() != lifeNormal {
		e.lifeMu.Unlock()
		return nil
	}
	e.life.Store(lifeDisposing)
	e.lifeMu.Unlock()

	orphans := e.sched.discardForDisposal()

	err := e.enter(func() error {
		e.sched.drainHandleTasks()
		for _, id := range sortedWeakIDs(e.weak) {
			cb := e.weak[id]
			delete(e.weak, id)
			cb.fn(cb.param)
		}
		if e.inspector != nil {
			e.inspector.teardown()
		}
		e.defaultCtx.Close()
		e.iso.Dispose()
		return nil
	})

	e.life.Store(lifeDisposed)
	for _, orphan := range orphans {
		orphan()
	}
	metricIsolatesActive.Dec()
	return err
}

// sortedWeakIDs yields registration ids in order so forced teardown is
// deterministic.
func sortedWeakIDs(weak map[uint64]weakCallback) []uint64 {
	ids := make([]uint64, 0, len(weak))
	for id := range weak {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsDisposed reports whether disposal has started.
func (i *Isolate) IsDisposed() bool { return i.env.disposed() }

// ID returns the isolate's unique id.
func (i *Isolate) ID() string { return i.env.id }

// RemoteCount reports live remote handles owned by this isolate. It reaches
// zero once every outstanding handle's reset task has run.
func (i *Isolate) RemoteCount() int64 { return i.env.remotes.Load() }

// RequestInterrupt queues fn to run inside the isolate at the next safe
// point: between queued tasks, or while a bridged promise is being pumped.
func (i *Isolate) RequestInterrupt(fn func()) error {
	if err := i.env.checkUsable(); err != nil {
		return err
	}
	i.env.sched.postInterrupt(fn)
	return nil
}

// CPUTime returns time spent executing inside this isolate, excluding time
// blocked on the engine lock.
func (i *Isolate) CPUTime() time.Duration { return i.env.cpuTimer.elapsed() }

// WallTime returns wall-clock time attributed to this isolate's executor.
func (i *Isolate) WallTime() time.Duration { return i.env.wallTimer.elapsed() }

// HeapStatistics describes current heap usage.
type HeapStatistics struct {
	TotalHeapSize       uint64
	UsedHeapSize        uint64
	ExternallyAllocated uint64
	HeapSizeLimit       uint64
}

// GetHeapStatistics reads heap usage by entering the isolate.
func (i *Isolate) GetHeapStatistics() (HeapStatistics, error) {
	var out HeapStatistics
	if i.env.disposed() {
		return out, errDisposed
	}
	err := i.env.enter(func() error {
		hs := i.env.iso.GetHeapStatistics()
		out = HeapStatistics{
			TotalHeapSize:       hs.TotalHeapSize,
			UsedHeapSize:        hs.UsedHeapSize,
			ExternallyAllocated: uint64(i.env.externalBytes.Load()),
			HeapSizeLimit:       i.env.memoryLimit,
		}
		return nil
	})
	return out, err
}

// checkUsable is the API-entry guard every public operation goes through.
func (e *environment) checkUsable() error {
	if e.disposed() {
		return errDisposed
	}
	return nil
}
