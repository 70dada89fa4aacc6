package ivm

import (
	"container/heap"
	"sync"
	"time"
)

// timerService fires callbacks after a delay without dedicating a goroutine
// per timer. Timers are ordered by deadline in a heap and driven by a single
// sleeper goroutine, spawned lazily and woken through the condvar whenever the
// queue changes. Callbacks run one at a time on that goroutine, so a callback
// that blocks delays every later timer.
type timerService struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    timerHeap
	sleepers int
	paused   map[any]*pauseGroup
	nextSeq  uint64
}

// pauseGroup accumulates the time a holder (an isolate) has spent paused so
// its timers fire late by exactly that much.
type pauseGroup struct {
	since time.Time
	count int
}

type timerEntry struct {
	deadline time.Time
	seq      uint64
	callback func()
	holder   any
	running  bool
	done     chan struct{}
	index    int
}

var timers = newTimerService()

func newTimerService() *timerService {
	ts := &timerService{paused: make(map[any]*pauseGroup)}
	ts.cond = sync.NewCond(&ts.mu)
	return ts
}

// Timer is a handle to a scheduled callback. Releasing it cancels the
// callback; if the callback is already running, Release blocks until it
// finishes so the caller can rely on it never firing afterwards.
type Timer struct {
	ts    *timerService
	entry *timerEntry
}

// schedule runs callback on a service goroutine roughly delay from now.
// holder associates the timer with a pause group (may be nil).
func (ts *timerService) schedule(delay time.Duration, holder any, callback func()) *Timer {
	ts.mu.Lock()
	ts.nextSeq++
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		seq:      ts.nextSeq,
		callback: callback,
		holder:   holder,
		done:     make(chan struct{}),
	}
	heap.Push(&ts.queue, entry)
	ts.ensureSleeperLocked()
	ts.mu.Unlock()
	return &Timer{ts: ts, entry: entry}
}

// waitDetached is fire-and-forget: the callback cannot be cancelled.
func (ts *timerService) waitDetached(delay time.Duration, holder any, callback func()) {
	ts.schedule(delay, holder, callback)
}

// Release cancels the timer. Blocks while the callback is mid-flight.
func (t *Timer) Release() {
	if t == nil || t.entry == nil {
		return
	}
	ts := t.ts
	ts.mu.Lock()
	entry := t.entry
	t.entry = nil
	if entry.running {
		ts.mu.Unlock()
		<-entry.done
		return
	}
	heap.Remove(&ts.queue, entry.index)
	close(entry.done)
	ts.mu.Unlock()
}

// pause delays all timers associated with holder until resume, by shifting
// their deadlines by the paused duration on resume. Nested pauses stack.
func (ts *timerService) pause(holder any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pg := ts.paused[holder]
	if pg == nil {
		pg = &pauseGroup{since: time.Now()}
		ts.paused[holder] = pg
	}
	pg.count++
}

func (ts *timerService) resume(holder any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pg := ts.paused[holder]
	if pg == nil {
		return
	}
	pg.count--
	if pg.count > 0 {
		return
	}
	delete(ts.paused, holder)
	shift := time.Since(pg.since)
	for _, entry := range ts.queue {
		if entry.holder == holder {
			entry.deadline = entry.deadline.Add(shift)
		}
	}
	heap.Init(&ts.queue)
	if len(ts.queue) > 0 {
		ts.ensureSleeperLocked()
	}
	ts.cond.Broadcast()
}

// ensureSleeperLocked spawns a sleeper goroutine if none is alive. A single
// sleeper drives the contiguous tail of the queue; waking it via the condvar
// is enough when a new timer lands earlier. Caller holds mu.
func (ts *timerService) ensureSleeperLocked() {
	if ts.sleepers > 0 {
		ts.cond.Broadcast()
		return
	}
	ts.sleepers++
	go ts.sleeperLoop()
}

func (ts *timerService) sleeperLoop() {
	ts.mu.Lock()
	for {
		entry := ts.nextRunnableLocked()
		if entry == nil {
			ts.sleepers--
			ts.mu.Unlock()
			return
		}
		now := time.Now()
		if entry.deadline.After(now) {
			ts.sleepUntilLocked(entry.deadline)
			continue
		}
		heap.Remove(&ts.queue, entry.index)
		entry.running = true
		ts.mu.Unlock()
		entry.callback()
		close(entry.done)
		ts.mu.Lock()
	}
}

// nextRunnableLocked returns the earliest timer whose holder is not paused.
func (ts *timerService) nextRunnableLocked() *timerEntry {
	var best *timerEntry
	for _, entry := range ts.queue {
		if entry.holder != nil {
			if _, paused := ts.paused[entry.holder]; paused {
				continue
			}
		}
		if best == nil || entry.deadline.Before(best.deadline) {
			best = entry
		}
	}
	return best
}

// sleepUntilLocked releases mu while sleeping and reacquires it before
// returning. Wakes early when the queue changes under it.
func (ts *timerService) sleepUntilLocked(deadline time.Time) {
	stop := time.AfterFunc(time.Until(deadline), func() {
		ts.mu.Lock()
		ts.cond.Broadcast()
		ts.mu.Unlock()
	})
	ts.cond.Wait()
	stop.Stop()
}

// timerHeap orders entries by (deadline, seq).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
