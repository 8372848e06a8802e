package framerelay

import (
	"fmt"
	"sync"

	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/runtime"
)

// PortAllocator hands out container-side vsock ports for new attachments.
// The matching helper-VM-side port is always containerPort + RelayHelperPortOffset
// (spec §4.5), so only one counter is needed.
type PortAllocator struct {
	mu        sync.Mutex
	next      int
	allocated map[int]bool
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		next:      runtime.RelayContainerPortBase,
		allocated: make(map[int]bool),
	}
}

// Allocate returns a free container-side port.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < 1<<16; i++ {
		port := p.next
		p.next++
		if p.next >= runtime.RelayContainerPortBase+10000 {
			p.next = runtime.RelayContainerPortBase
		}
		if !p.allocated[port] {
			p.allocated[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free frame-relay ports", dockererr.ResourceExhausted)
}

// Reserve marks port as already in use, for replaying persisted
// attachments at startup.
func (p *PortAllocator) Reserve(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated[port] = true
}

// Release frees a container-side port after its attachment is torn down.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// HelperPort returns the helper-VM-side port paired with a container-side port.
func HelperPort(containerPort int) int {
	return containerPort + runtime.RelayHelperPortOffset
}
