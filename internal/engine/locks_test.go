package engine

import (
	"sync"
	"testing"
)

func TestTaskLocksSerializeAndRelease(t *testing.T) {
	l := newTaskLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("t1")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("expected idle locks to be freed, %d left", n)
	}
}

func TestTaskLocksIndependentKeys(t *testing.T) {
	l := newTaskLocks()
	unlockA := l.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := l.lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
