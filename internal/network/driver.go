package network

import (
	"context"

	"github.com/xfeldman/arca/internal/statestore"
)

// AttachRequest carries everything a Driver needs to wire one container
// into one network. IPv4/MAC are already allocated by NetworkManager
// before the driver is called — drivers never touch IPAM directly.
type AttachRequest struct {
	ContainerID string
	DeviceName  string
	IPv4        string
	MAC         string
	Gateway     string

	// PreferredHostPort, when > 0, pins the relay's container-side vsock
	// port — used when the Reconciler replays a persisted attachment and
	// must reuse its original port rather than allocate a new one.
	PreferredHostPort int
}

// AttachResult reports what the driver actually set up, for persistence.
type AttachResult struct {
	HostVsockPort   int
	HelperVsockPort int
}

// Driver is the network backend abstraction NetworkManager delegates to.
// Capability probing (SupportsDynamicAttach/SupportsPortMapping) lets the
// manager reject operations the active driver cannot perform instead of
// scattering backend-specific conditionals through its own methods.
type Driver interface {
	CreateBridge(ctx context.Context, n *statestore.Network) (bridgeName string, err error)
	DeleteBridge(ctx context.Context, networkID string) error
	Attach(ctx context.Context, n *statestore.Network, req AttachRequest) (AttachResult, error)
	Detach(ctx context.Context, networkID, containerID string, hostVsockPort int) error

	SupportsDynamicAttach() bool
	SupportsPortMapping() bool
}
