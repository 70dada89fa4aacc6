package ivm

// scheduler status values. Only one worker may observe the Waiting→Running
// transition, which is what serializes dispatch without a separate lock.
const (
	statusWaiting = iota
	statusRunning
)

// job is one unit of queued isolate work, executed while entered.
type job func()

// taskEntry pairs a task with its orphan callback, invoked instead of run
// when the task is discarded and will never execute (isolate disposed or
// memory-flagged).
type taskEntry struct {
	run    job
	orphan func()
}

// asyncWait suspends a scheduler until the external party calls Done. Used by
// promise-bridging tasks whose Phase 2 finishes before the bridged promise
// settles.
type asyncWait struct {
	sched *scheduler
}

// Done releases the suspension and resumes dispatch.
func (w *asyncWait) Done() {
	s := w.sched
	wake := false
	s.state.write(func(st *schedulerState) {
		if st.asyncWait == w {
			st.asyncWait = nil
			wake = true
		}
	})
	s.state.notify()
	if wake {
		s.dispatch()
	}
}

type schedulerState struct {
	tasks          []taskEntry
	handleTasks    []job
	interrupts     []job
	syncInterrupts []job
	status         int
	asyncWait      *asyncWait
	loopRef        bool
}

// scheduler owns one isolate's task, handle-task, and interrupt queues and
// arbitrates between the worker pool and the host loop.
type scheduler struct {
	env   *environment
	state *lockable[schedulerState]
}

func newScheduler(env *environment) *scheduler {
	return &scheduler{env: env, state: newLockable(schedulerState{}, true)}
}

// postTask queues a user-visible task and wakes the isolate. Returns false if
// the isolate is past the point of accepting work; the caller owns rejection.
func (s *scheduler) postTask(fn job, onOrphan func()) bool {
	if s.env.disposed() {
		return false
	}
	s.state.write(func(st *schedulerState) {
		st.tasks = append(st.tasks, taskEntry{run: fn, orphan: onOrphan})
		s.wakeLocked(st)
	})
	s.state.notify()
	return true
}

// postHandleTask queues bookkeeping work that must run even while disposal is
// being prepared.
func (s *scheduler) postHandleTask(fn job) {
	if s.env.life.Load() == lifeDisposed {
		// Too late for in-isolate bookkeeping; the engine is gone.
		return
	}
	s.state.write(func(st *schedulerState) {
		st.handleTasks = append(st.handleTasks, fn)
		s.wakeLocked(st)
	})
	s.state.notify()
}

// postInterrupt queues a cooperative interrupt. Interrupts drain at the
// scheduler's safe points: before and between queued tasks.
func (s *scheduler) postInterrupt(fn job) {
	s.state.write(func(st *schedulerState) {
		st.interrupts = append(st.interrupts, fn)
		s.wakeLocked(st)
	})
	s.state.notify()
}

// postSyncInterrupt queues an interrupt on the sync-interrupt queue. The
// timed-run watchdog (runWithTimeout) posts there and drains the queue itself,
// on the timer goroutine.
func (s *scheduler) postSyncInterrupt(fn job) {
	s.state.write(func(st *schedulerState) {
		st.syncInterrupts = append(st.syncInterrupts, fn)
	})
	s.state.notify()
}

// drainSyncInterrupts services queued sync interrupts. The synchronous entry
// point's watchdog runs this with its own interrupt identity, separate from
// the regular interrupt queue; a disposal between post and drain simply
// clears the queue.
func (s *scheduler) drainSyncInterrupts() {
	for {
		var fn job
		s.state.write(func(st *schedulerState) {
			if len(st.syncInterrupts) > 0 {
				fn = st.syncInterrupts[0]
				st.syncInterrupts = st.syncInterrupts[1:]
			}
		})
		if fn == nil {
			return
		}
		fn()
	}
}

// wakeLocked flips Waiting→Running and dispatches. Caller holds the state
// lock. Returns whether a wake was actually scheduled.
func (s *scheduler) wakeLocked(st *schedulerState) bool {
	if st.status != statusWaiting {
		return false
	}
	st.status = statusRunning
	if !st.loopRef {
		st.loopRef = true
		s.env.loop.ref()
	}
	s.dispatch()
	return true
}

// dispatch hands the run loop to the host loop for the root isolate, or to
// the worker pool with affinity otherwise.
func (s *scheduler) dispatch() {
	if s.env.root {
		s.env.loop.post(func() { s.runLoop(true) })
		return
	}
	pool.exec(&s.env.affinity, s.runLoop)
}

// runLoop drains the queues under an executor scope. Handle tasks always run
// first; a memory-limit breach discards the remaining regular tasks, firing
// their orphan callbacks.
func (s *scheduler) runLoop(poolThread bool) {
	_ = poolThread
	_ = s.env.enter(func() error {
		for {
			var tasks []taskEntry
			var handles, interrupts []job
			suspended := false
			s.state.write(func(st *schedulerState) {
				if st.asyncWait != nil {
					suspended = true
					return
				}
				handles, st.handleTasks = st.handleTasks, nil
				tasks, st.tasks = st.tasks, nil
				interrupts, st.interrupts = st.interrupts, nil
				if len(handles) == 0 && len(tasks) == 0 && len(interrupts) == 0 {
					st.status = statusWaiting
					if st.loopRef {
						st.loopRef = false
						s.env.loop.unref()
					}
				}
			})
			if suspended {
				// Status stays Running so no second worker enters; Done()
				// re-dispatches.
				return nil
			}
			if len(handles) == 0 && len(tasks) == 0 && len(interrupts) == 0 {
				return nil
			}
			for _, fn := range handles {
				fn()
			}
			for _, fn := range interrupts {
				fn()
			}
			for i, entry := range tasks {
				if s.env.memoryFlagged.Load() {
					for _, dropped := range tasks[i:] {
						if dropped.orphan != nil {
							dropped.orphan()
						}
					}
					break
				}
				entry.run()
				// A task may have suspended the scheduler; the rest of the
				// batch goes back to the head of the queue for after Done.
				requeued := false
				s.state.write(func(st *schedulerState) {
					if st.asyncWait != nil && i+1 < len(tasks) {
						st.tasks = append(append([]taskEntry{}, tasks[i+1:]...), st.tasks...)
						requeued = true
					}
				})
				if requeued {
					break
				}
			}
		}
	})
}

// runPendingInterrupts services the cooperative interrupt queue at an engine
// safe point. Caller must be inside the isolate.
func (s *scheduler) runPendingInterrupts() {
	var interrupts []job
	s.state.write(func(st *schedulerState) {
		interrupts, st.interrupts = st.interrupts, nil
	})
	for _, fn := range interrupts {
		fn()
	}
}

// drainHandleTasks runs queued handle tasks inline. Caller must be inside the
// isolate; used by the disposal path.
func (s *scheduler) drainHandleTasks() {
	for {
		var handles []job
		s.state.write(func(st *schedulerState) {
			handles, st.handleTasks = st.handleTasks, nil
		})
		if len(handles) == 0 {
			return
		}
		for _, fn := range handles {
			fn()
		}
	}
}

// discardForDisposal empties the regular task queue and returns the orphan
// callbacks for tasks that will now never run.
func (s *scheduler) discardForDisposal() []func() {
	var orphans []func()
	s.state.write(func(st *schedulerState) {
		for _, entry := range st.tasks {
			if entry.orphan != nil {
				orphans = append(orphans, entry.orphan)
			}
		}
		st.tasks = nil
		st.interrupts = nil
		st.syncInterrupts = nil
		st.asyncWait = nil
	})
	s.state.notify()
	return orphans
}

// suspend parks the scheduler on wait until wait.Done. Caller is the task
// currently running on this scheduler.
func (s *scheduler) suspend(wait *asyncWait) {
	s.state.write(func(st *schedulerState) {
		st.asyncWait = wait
	})
}
