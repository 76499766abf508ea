package middleware

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

// ConnectionsLimiter caps the number of simultaneous streaming connections
// per client IP.
type ConnectionsLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	max         int
	realIP      *utils.RealIPExtractor
}

func NewConnectionLimiter(max int, extractor *utils.RealIPExtractor) *ConnectionsLimiter {
	return &ConnectionsLimiter{
		connections: map[string]int{},
		max:         max,
		realIP:      extractor,
	}
}

func (l *ConnectionsLimiter) clientKey(request *http.Request) string {
	if l.realIP == nil {
		return "ip-" + request.RemoteAddr
	}
	return "ip-" + l.realIP.Extract(request)
}

// LeaseConnection counts one more connection for the request's client and
// returns the function releasing it. Once the client holds max connections
// it fails instead.
func (l *ConnectionsLimiter) LeaseConnection(request *http.Request) (release func(), err error) {
	key := l.clientKey(request)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[key] >= l.max {
		return nil, fmt.Errorf("you have reached the limit of streaming connections: %v max", l.max)
	}
	l.connections[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.connections[key]--
			if l.connections[key] <= 0 {
				delete(l.connections, key)
			}
		})
	}, nil
}

// Active returns the number of leased connections across all clients.
func (l *ConnectionsLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.connections {
		total += n
	}
	return total
}
