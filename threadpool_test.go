package ivm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestThreadPoolExecRunsOnce(t *testing.T) {
	p := newThreadPool(2)
	defer p.shutdown()
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.exec(nil, func(bool) {
			count.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	if got := count.Load(); got != 20 {
		t.Errorf("ran %d times; want 20", got)
	}
}

func TestThreadPoolAffinityReusesWorker(t *testing.T) {
	p := newThreadPool(4)
	defer p.shutdown()
	affinity := &threadAffinity{}

	// Seed the affinity with one run.
	done := make(chan struct{})
	p.exec(affinity, func(bool) { close(done) })
	<-done

	preferred := affinity.preferred()
	if len(preferred) != 1 {
		t.Fatalf("affinity recorded %d workers; want 1", len(preferred))
	}

	// Repeat executions should keep landing on the same worker.
	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		p.exec(affinity, func(bool) { close(done) })
		<-done
	}
	after := affinity.preferred()
	if len(after) != 1 || after[0] != preferred[0] {
		t.Errorf("affinity drifted: started with %p, now %v", preferred[0], after)
	}
}

func TestThreadPoolOverflowRunsDetached(t *testing.T) {
	p := newThreadPool(1)
	defer p.shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	p.exec(nil, func(bool) {
		close(started)
		<-block
	})
	<-started

	// Pool is size 1 and its only worker is busy; overflow work must still
	// run, detached, and report poolThread=false.
	result := make(chan bool, 1)
	p.exec(nil, func(poolThread bool) { result <- poolThread })
	select {
	case poolThread := <-result:
		if poolThread {
			t.Error("overflow work reported poolThread=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overflow work never ran")
	}
	close(block)
}

func TestThreadAffinityBounded(t *testing.T) {
	a := &threadAffinity{}
	workers := make([]*poolWorker, 8)
	for i := range workers {
		workers[i] = &poolWorker{}
		a.note(workers[i])
	}
	if got := len(a.preferred()); got > 4 {
		t.Errorf("affinity kept %d workers; want at most 4", got)
	}
}
