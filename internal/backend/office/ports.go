package office

import (
	"fmt"
	"sync"
)

// portAllocator hands out vsock ports so concurrent engines never collide.
// Replacement engines start before their predecessors are fully gone, so the
// scan range is wider than the number of engines.
type portAllocator struct {
	mu    sync.Mutex
	base  uint32
	next  uint32
	span  uint32
	inUse map[uint32]bool
}

func newPortAllocator(base uint32, maxEngines int) *portAllocator {
	return &portAllocator{
		base:  base,
		next:  base,
		span:  uint32(maxEngines*2 + 10),
		inUse: make(map[uint32]bool),
	}
}

// allocate returns the next free port, scanning forward and wrapping.
func (a *portAllocator) allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.span {
		candidate := a.base + (a.next-a.base+i)%a.span
		if !a.inUse[candidate] {
			a.inUse[candidate] = true
			a.next = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available vsock ports (all %d slots in use)", len(a.inUse))
}

// release returns a port to the pool.
func (a *portAllocator) release(port uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}
