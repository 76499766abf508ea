package analytics

import (
	"sync"
	"testing"
)

func TestRingCollector_TryAdd_Basic(t *testing.T) {
	rc := NewRingCollector(3)
	b := NewEventBuilder("/eventbus", "test")

	for i, name := range []string{"a", "b", "c"} {
		if !rc.TryAdd(b.Subscribed("s1", name)) {
			t.Fatalf("expected add %d to succeed", i)
		}
	}
	if rc.Len() != 3 {
		t.Errorf("expected length 3, got %d", rc.Len())
	}

	// buffer full, newest is dropped
	if rc.TryAdd(b.Subscribed("s1", "d")) {
		t.Error("expected fourth TryAdd to fail")
	}
	if rc.Dropped() != 1 {
		t.Errorf("expected dropped count 1, got %d", rc.Dropped())
	}

	events := rc.PopAll()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"a", "b", "c"} {
		if events[i].Address != want || events[i].Name != EventSubscribed {
			t.Errorf("event %d = %+v", i, events[i])
		}
	}
	if rc.Len() != 0 || rc.PopAll() != nil {
		t.Error("expected empty buffer after PopAll")
	}
}

func TestRingCollector_Notify(t *testing.T) {
	rc := NewRingCollector(10)
	rc.TryAdd(Event{Name: "x"})
	rc.TryAdd(Event{Name: "y"})
	select {
	case <-rc.Notify():
	default:
		t.Fatal("expected a notification")
	}
	select {
	case <-rc.Notify():
		t.Fatal("notifications must coalesce")
	default:
	}
}

func TestRingCollector_Concurrent(t *testing.T) {
	rc := NewRingCollector(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rc.TryAdd(Event{Name: "e"})
			}
		}()
	}
	wg.Wait()
	if got := uint64(rc.Len()) + rc.Dropped(); got != 200 {
		t.Fatalf("expected 200 accounted events, got %d", got)
	}
	if rc.Len() != 100 {
		t.Fatalf("expected a full buffer, got %d", rc.Len())
	}
}
