package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const limit = 4
	const tasks = 40

	p := New(limit)
	defer p.Close()

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	wg.Add(tasks)

	for i := 0; i < tasks; i++ {
		err := p.Submit(context.Background(), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Fatalf("observed %d concurrent tasks; limit is %d", got, limit)
	}
}

func TestPoolFIFOStart(t *testing.T) {
	p := New(1)
	defer p.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		if err := p.Submit(context.Background(), func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("start order %v; want ascending", order)
		}
	}
}

func TestPoolIndependentFailure(t *testing.T) {
	p := New(2)
	defer p.Close()

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		i := i
		if err := p.Submit(context.Background(), func() {
			if i == 1 {
				results <- context.DeadlineExceeded // stand-in failure
				return
			}
			results <- nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var failures int
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("failures=%d; want exactly the one failing task", failures)
	}
}

func TestPoolClearDropsQueued(t *testing.T) {
	p := New(1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(context.Background(), func() {
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(context.Background(), func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	if dropped := p.Clear(); dropped != 5 {
		t.Fatalf("Clear dropped %d; want 5", dropped)
	}
	close(block)
	p.Close()

	if got := ran.Load(); got != 0 {
		t.Fatalf("%d cleared tasks still ran", got)
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	if err := p.Submit(context.Background(), func() {}); err != ErrClosed {
		t.Fatalf("Submit after Close: %v; want ErrClosed", err)
	}
}
