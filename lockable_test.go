package ivm

import (
	"testing"
	"time"
)

func TestLockableReadWrite(t *testing.T) {
	l := newLockable(10, false)
	l.write(func(v *int) { *v = 42 })
	var got int
	l.read(func(v *int) { got = *v })
	if got != 42 {
		t.Errorf("read %d; want 42", got)
	}
}

func TestLockableWriteWaiting(t *testing.T) {
	l := newLockable(0, true)
	done := make(chan int, 1)
	go func() {
		l.writeWaiting(
			func(v *int) bool { return *v > 0 },
			func(v *int) { done <- *v })
	}()

	// The waiter must stay parked until the predicate holds.
	select {
	case <-done:
		t.Fatal("writeWaiting returned before predicate held")
	case <-time.After(20 * time.Millisecond):
	}

	l.write(func(v *int) { *v = 7 })
	l.notify()
	select {
	case got := <-done:
		if got != 7 {
			t.Errorf("waiter saw %d; want 7", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writeWaiting never woke")
	}
}
