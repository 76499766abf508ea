package analytics

import "sync"

// EventCollector is a non-blocking analytics producer API.
type EventCollector interface {
	// TryAdd enqueues the event and reports false when it was dropped.
	TryAdd(Event) bool
}

// RingCollector is a bounded, non-blocking event buffer. When full, new
// events are dropped.
type RingCollector struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	dropped  uint64
	notify   chan struct{}
}

func NewRingCollector(capacity int) *RingCollector {
	return &RingCollector{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// TryAdd enqueues without blocking. If full, returns false and increments drop count.
func (c *RingCollector) TryAdd(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) >= c.capacity {
		c.dropped++
		droppedEventsMetric.Inc()
		return false
	}
	c.events = append(c.events, event)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// PopAll drains all pending events.
func (c *RingCollector) PopAll() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		return nil
	}
	result := c.events
	c.events = make([]Event, 0, c.capacity)
	return result
}

// Notify returns a channel signaled when new events arrive.
func (c *RingCollector) Notify() <-chan struct{} {
	return c.notify
}

func (c *RingCollector) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *RingCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// NoopCollector discards every event.
type NoopCollector struct{}

func (NoopCollector) TryAdd(Event) bool { return true }
