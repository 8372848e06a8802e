package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/ipam"
	"github.com/xfeldman/arca/internal/statestore"
)

// SharedNetwork is the per-network record NativeBackend attachments share —
// one instance per network, holding a pool built from the network's subnet
// and a mutex that serializes Attach calls on that network. It does not
// serialize IP allocation: addresses are allocated by the network
// Manager's IPAM before Attach is called, and this pool is not consulted.
type SharedNetwork struct {
	mu   sync.Mutex
	pool *ipam.Pool
}

// NativeBackend implements Driver over a host-native virtual network: one
// interface per container, wired at VM-create time only, since the host
// virtualization API's network configuration is immutable after boot.
// There is no hot-plug, no port mapping, and no helper VM involved at all.
type NativeBackend struct {
	mu       sync.Mutex
	networks map[string]*SharedNetwork // networkID -> shared allocator
}

func NewNativeBackend() *NativeBackend {
	return &NativeBackend{networks: make(map[string]*SharedNetwork)}
}

func (b *NativeBackend) SupportsDynamicAttach() bool { return false }
func (b *NativeBackend) SupportsPortMapping() bool   { return false }

// CreateBridge registers the network's IPAM pool; the "bridge" itself is
// just host-native virtual-network plumbing assumed already provisioned by
// the platform, so there is no remote call here — only bookkeeping.
func (b *NativeBackend) CreateBridge(ctx context.Context, n *statestore.Network) (string, error) {
	pool, err := ipam.NewPool(n.Subnet, n.Gateway)
	if err != nil {
		return "", fmt.Errorf("native network %s: %w", n.ID, err)
	}

	b.mu.Lock()
	b.networks[n.ID] = &SharedNetwork{pool: pool}
	b.mu.Unlock()

	return "native-" + n.ID[:12], nil
}

func (b *NativeBackend) DeleteBridge(ctx context.Context, networkID string) error {
	b.mu.Lock()
	delete(b.networks, networkID)
	b.mu.Unlock()
	return nil
}

// Attach only runs as part of a container's initial start — Manager.Connect
// refuses any later explicit attach itself, since SupportsDynamicAttach
// reports false.
func (b *NativeBackend) Attach(ctx context.Context, n *statestore.Network, req AttachRequest) (AttachResult, error) {
	b.mu.Lock()
	shared, ok := b.networks[n.ID]
	b.mu.Unlock()
	if !ok {
		return AttachResult{}, fmt.Errorf("%w: native network %s has no shared allocator", dockererr.Internal, n.ID)
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()
	// Address allocation itself is handled by NetworkManager's IPAM
	// manager before Attach is called; SharedNetwork's mutex here only
	// serializes the host-native interface wiring step, which has no
	// vsock or relay component to wait on.
	return AttachResult{}, nil
}

func (b *NativeBackend) Detach(ctx context.Context, networkID, containerID string, hostVsockPort int) error {
	return fmt.Errorf("%w: native backend attachments are removed only by destroying the container", dockererr.Unsupported)
}
