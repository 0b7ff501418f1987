package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockExcludesSameName(t *testing.T) {
	r := NewRegistry()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("file")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if r.Len() != 0 {
		t.Errorf("expected registry to be empty after release, got %d entries", r.Len())
	}
}

func TestDifferentNamesDoNotBlock(t *testing.T) {
	r := NewRegistry()

	unlockA := r.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := r.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different name blocked")
	}
}

func TestReadersShare(t *testing.T) {
	r := NewRegistry()

	unlock1 := r.RLock("index")
	unlock2 := r.RLock("index")

	acquired := make(chan struct{})
	go func() {
		unlock := r.Lock("index")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired the lock while readers held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock1()
	unlock2()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired the lock")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	r := NewRegistry()
	unlock := r.Lock("x")
	unlock()
	unlock()

	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}
