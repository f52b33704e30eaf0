package backend

import (
	"fmt"
	"sync"
)

// PortAllocator hands out loopback ports for dedicated-process server
// workers. Port 0 (let the OS pick) is handled by the caller before
// allocation is ever consulted; this allocator only matters when a profile
// pins a specific port, via ReservePort, so two profiles can never be
// double-bound to the same pinned port (spec §5 shared resource 3).
type PortAllocator struct {
	basePort    int
	maxPort     int
	allocated   map[int]string
	unavailable map[int]struct{}
	mu          sync.Mutex
}

// NewPortAllocator creates an allocator over the inclusive range [basePort, maxPort].
func NewPortAllocator(basePort, maxPort int) *PortAllocator {
	return &PortAllocator{
		basePort:    basePort,
		maxPort:     maxPort,
		allocated:   make(map[int]string),
		unavailable: make(map[int]struct{}),
	}
}

// Allocate reserves the lowest free port in range for profileID.
func (p *PortAllocator) Allocate(profileID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.basePort; port <= p.maxPort; port++ {
		if _, blocked := p.unavailable[port]; blocked {
			continue
		}
		if _, exists := p.allocated[port]; !exists {
			p.allocated[port] = profileID
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range [%d, %d]", p.basePort, p.maxPort)
}

// ReservePort reserves profile-pinned port for profileID, failing if another
// profile currently holds it or it was previously marked unavailable. A
// profile re-reserving its own already-held port succeeds (respawn).
func (p *PortAllocator) ReservePort(port int, profileID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, blocked := p.unavailable[port]; blocked {
		return 0, fmt.Errorf("port %d is marked unavailable", port)
	}
	if holder, exists := p.allocated[port]; exists && holder != profileID {
		return 0, fmt.Errorf("port %d is pinned by profile %q and already in use by %q", port, profileID, holder)
	}
	p.allocated[port] = profileID
	return port, nil
}

// MarkUnavailable excludes port from future allocation, e.g. after a pinned
// port fails to bind despite the allocator's own bookkeeping believing it
// free (something outside this pool's tracking is holding it).
func (p *PortAllocator) MarkUnavailable(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
	p.unavailable[port] = struct{}{}
}

// Release frees port for reuse.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}
