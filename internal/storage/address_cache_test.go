package storage

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestMarkAndIsMarkedBasic(t *testing.T) {
	c := NewAddressCache(true, time.Hour)

	if c.IsMarked("__reply.1") {
		t.Fatalf("expected not marked")
	}
	c.Mark("__reply.1")
	if !c.IsMarked("__reply.1") {
		t.Fatalf("expected marked after Mark")
	}
	c.Remove("__reply.1")
	if c.IsMarked("__reply.1") {
		t.Fatalf("expected not marked after Remove")
	}
}

func TestExpiry(t *testing.T) {
	c := NewAddressCache(true, 20*time.Millisecond)
	c.Mark("a")
	c.Mark("b")
	time.Sleep(40 * time.Millisecond)
	c.Mark("c")

	if c.IsMarked("a") {
		t.Fatalf("expired entry still reported as marked")
	}
	if removed := c.Cleanup(); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if c.Len() != 1 || !c.IsMarked("c") {
		t.Fatalf("expected only c to remain, len=%d", c.Len())
	}
}

func TestConcurrentMark(t *testing.T) {
	const total = 10000
	c := NewAddressCache(true, time.Hour)
	workers := runtime.NumCPU() * 4

	jobs := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range jobs {
				c.Mark(addr)
				if !c.IsMarked(addr) {
					t.Errorf("%s not marked", addr)
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		jobs <- fmt.Sprintf("addr.%d", i)
	}
	close(jobs)
	wg.Wait()

	if c.Len() != total {
		t.Fatalf("expected %d entries, got %d", total, c.Len())
	}
}

func TestNoopAddressCache(t *testing.T) {
	c := NewAddressCache(false, time.Hour)
	c.Mark("a")
	if c.IsMarked("a") || c.Len() != 0 || c.Cleanup() != 0 {
		t.Fatalf("noop cache must not remember anything")
	}
}
