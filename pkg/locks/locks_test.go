package locks

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireSerializesSameName(t *testing.T) {
	r := NewRegistry()

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := r.Acquire("ds.tenant.vol")
			defer l.Release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Errorf("max concurrent holders = %d, want 1", max)
	}
}

func TestDifferentNamesDoNotBlock(t *testing.T) {
	r := NewRegistry()

	a := r.Acquire("volume-a")
	done := make(chan struct{})
	go func() {
		b := r.Acquire("volume-b")
		b.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire on a different name blocked")
	}
	a.Release()
}

func TestRegistryCleanup(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := r.Acquire("shared")
			time.Sleep(time.Millisecond)
			l.Release()
		}()
	}
	wg.Wait()

	if got := r.Len(); got != 0 {
		t.Errorf("registry holds %d entries after all releases, want 0", got)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	r := NewRegistry()
	l := r.Acquire("x")
	l.Release()

	defer func() {
		if recover() == nil {
			t.Error("second Release did not panic")
		}
	}()
	l.Release()
}
