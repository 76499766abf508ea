package storage

import (
	"sync"
	"time"
)

// AddressCache remembers addresses for a limited time. Bridges use it to
// let clients answer reply addresses they were handed.
type AddressCache interface {
	Mark(addr string)
	IsMarked(addr string) bool
	Remove(addr string)
	Cleanup() int
	Len() int
}

// InMemoryAddressCache is an AddressCache guarded by a RWMutex. Entries
// older than ttl are reported as absent and removed by Cleanup.
type InMemoryAddressCache struct {
	marked map[string]time.Time
	mutex  sync.RWMutex
	ttl    time.Duration
}

// NewAddressCache creates a cache; a disabled cache never remembers anything.
func NewAddressCache(enable bool, ttl time.Duration) AddressCache {
	if !enable {
		return NoopAddressCache{}
	}
	return &InMemoryAddressCache{
		marked: make(map[string]time.Time),
		ttl:    ttl,
	}
}

func (c *InMemoryAddressCache) Mark(addr string) {
	c.mutex.Lock()
	c.marked[addr] = time.Now()
	c.mutex.Unlock()
}

func (c *InMemoryAddressCache) IsMarked(addr string) bool {
	c.mutex.RLock()
	at, ok := c.marked[addr]
	c.mutex.RUnlock()
	return ok && time.Since(at) < c.ttl
}

func (c *InMemoryAddressCache) Remove(addr string) {
	c.mutex.Lock()
	delete(c.marked, addr)
	c.mutex.Unlock()
}

// Cleanup removes expired entries and returns how many were removed.
func (c *InMemoryAddressCache) Cleanup() int {
	counter := 0
	cutoff := time.Now().Add(-c.ttl)
	c.mutex.Lock()
	for addr, at := range c.marked {
		if at.Before(cutoff) {
			delete(c.marked, addr)
			counter++
		}
	}
	c.mutex.Unlock()
	return counter
}

func (c *InMemoryAddressCache) Len() int {
	c.mutex.RLock()
	size := len(c.marked)
	c.mutex.RUnlock()
	return size
}

// NoopAddressCache is a no-operation implementation of AddressCache
type NoopAddressCache struct{}

func (NoopAddressCache) Mark(string)          {}
func (NoopAddressCache) IsMarked(string) bool { return false }
func (NoopAddressCache) Remove(string)        {}
func (NoopAddressCache) Cleanup() int         { return 0 }
func (NoopAddressCache) Len() int             { return 0 }
