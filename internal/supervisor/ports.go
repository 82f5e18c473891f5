package supervisor

import (
	"fmt"
	"net"
	"sync"
)

// portAllocator hands out listen ports for provider processes. All allocation
// goes through one mutex so concurrently starting providers can never race for
// the same port.
type portAllocator struct {
	mu    sync.Mutex
	base  int
	next  int
	inUse map[int]bool
}

func newPortAllocator(base int) *portAllocator {
	return &portAllocator{base: base, next: base, inUse: make(map[int]bool)}
}

// Acquire scans upward from the base port for one that is both unclaimed and
// bindable, claims it, and returns it.
func (a *portAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.next; port < a.base+4096; port++ {
		if a.inUse[port] {
			continue
		}
		if !probe(port) {
			continue
		}
		a.inUse[port] = true
		a.next = port + 1
		return port, nil
	}
	// Wrap around once before giving up.
	for port := a.base; port < a.next; port++ {
		if a.inUse[port] {
			continue
		}
		if !probe(port) {
			continue
		}
		a.inUse[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.base, a.base+4096)
}

// Claim marks a manifest-pinned port as in use without scanning.
func (a *portAllocator) Claim(port int) {
	a.mu.Lock()
	a.inUse[port] = true
	a.mu.Unlock()
}

// Release returns a port to the pool once its process is gone.
func (a *portAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	if port < a.next {
		a.next = port
	}
	a.mu.Unlock()
}

// probe reports whether the port can currently be bound on localhost.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
