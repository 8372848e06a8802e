package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/xfeldman/arca/internal/framerelay"
	"github.com/xfeldman/arca/internal/runtime"
	"github.com/xfeldman/arca/internal/statestore"
)

// helperAdminPort is the RPC port the networking helper VM serves its
// bridge/attachment administration on (CreateBridge/DeleteBridge/
// AttachContainer/DetachContainer, and the GetHealth that
// controlplane.Supervisor polls) — the control port. A regular
// container's own ConfigureNetwork/TeardownNetwork calls go to its
// tap-forwarder on runtime.TapForwarderPort instead.
const helperAdminPort = runtime.ControlPort

// HelperLocator resolves the current container ID backing the networking
// helper VM. It is a function rather than a stored field because the
// helper VM can be replaced by the Reconciler or restarted by
// ControlPlaneSupervisor, changing which VM handle answers for it.
type HelperLocator func() (string, error)

// OverlayBackend implements Driver with full Docker network semantics:
// dynamic hot-plug attach/detach via a helper VM acting as the L2 switch,
// with frames tunneled between container and helper over vsock through
// FrameRelay (spec §4.3).
type OverlayBackend struct {
	rt        runtime.Runtime
	relays    *framerelay.Manager
	helperID  HelperLocator

	mu sync.Mutex
}

func NewOverlayBackend(rt runtime.Runtime, relays *framerelay.Manager, helperID HelperLocator) *OverlayBackend {
	return &OverlayBackend{rt: rt, relays: relays, helperID: helperID}
}

func (b *OverlayBackend) SupportsDynamicAttach() bool { return true }
func (b *OverlayBackend) SupportsPortMapping() bool   { return false }

type createBridgeParams struct {
	NetworkID string `json:"networkId"`
	Subnet    string `json:"subnet"`
	Gateway   string `json:"gateway"`
}

type createBridgeResult struct {
	BridgeName string `json:"bridgeName"`
}

func (b *OverlayBackend) CreateBridge(ctx context.Context, n *statestore.Network) (string, error) {
	ch, err := b.dialHelper(ctx)
	if err != nil {
		return "", err
	}
	defer ch.Close()

	var res createBridgeResult
	err = call(ctx, ch, "CreateBridge", createBridgeParams{
		NetworkID: n.ID,
		Subnet:    n.Subnet,
		Gateway:   n.Gateway,
	}, &res)
	if err != nil {
		return "", fmt.Errorf("create bridge for network %s: %w", n.ID, err)
	}
	return res.BridgeName, nil
}

type deleteBridgeParams struct {
	NetworkID string `json:"networkId"`
}

func (b *OverlayBackend) DeleteBridge(ctx context.Context, networkID string) error {
	ch, err := b.dialHelper(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := call(ctx, ch, "DeleteBridge", deleteBridgeParams{NetworkID: networkID}, nil); err != nil {
		return fmt.Errorf("delete bridge for network %s: %w", networkID, err)
	}
	return nil
}

type configureNetworkParams struct {
	DeviceName string `json:"deviceName"`
	IPv4       string `json:"ipv4"`
	Netmask    string `json:"netmask"`
	Gateway    string `json:"gateway"`
	MAC        string `json:"mac"`
	VsockPort  int    `json:"vsockPort"`
}

type attachContainerParams struct {
	ContainerID string `json:"containerId"`
	NetworkID   string `json:"networkId"`
	MAC         string `json:"mac"`
	VsockPort   int    `json:"vsockPort"`
}

// Attach implements the four-step hot-plug sequence from spec §4.3: dial
// the container's own forwarder to bring up its TAP device, dial the
// helper to bring up the matching switch port, then start the relay
// joining the two vsock listeners. No VM reconfiguration or restart is
// needed at any step.
func (b *OverlayBackend) Attach(ctx context.Context, n *statestore.Network, req AttachRequest) (AttachResult, error) {
	containerPort, helperPort, err := b.relays.AllocatePort(req.PreferredHostPort)
	if err != nil {
		return AttachResult{}, err
	}

	containerCh, err := b.rt.DialVsock(ctx, runtime.Handle{ID: req.ContainerID}, runtime.TapForwarderPort)
	if err != nil {
		return AttachResult{}, fmt.Errorf("dial container forwarder: %w", err)
	}
	err = call(ctx, containerCh, "ConfigureNetwork", configureNetworkParams{
		DeviceName: req.DeviceName,
		IPv4:       req.IPv4,
		Netmask:    netmaskFromSubnet(n.Subnet),
		Gateway:    req.Gateway,
		MAC:        req.MAC,
		VsockPort:  containerPort,
	}, nil)
	containerCh.Close()
	if err != nil {
		return AttachResult{}, fmt.Errorf("configure network on container %s: %w", req.ContainerID, err)
	}

	helperCh, err := b.dialHelper(ctx)
	if err != nil {
		return AttachResult{}, err
	}
	err = call(ctx, helperCh, "AttachContainer", attachContainerParams{
		ContainerID: req.ContainerID,
		NetworkID:   n.ID,
		MAC:         req.MAC,
		VsockPort:   helperPort,
	}, nil)
	helperCh.Close()
	if err != nil {
		return AttachResult{}, fmt.Errorf("attach container %s on helper: %w", req.ContainerID, err)
	}

	if err := b.relays.StartRelay(ctx, req.ContainerID, n.ID, containerPort, helperPort); err != nil {
		return AttachResult{}, fmt.Errorf("start frame relay: %w", err)
	}

	return AttachResult{HostVsockPort: containerPort, HelperVsockPort: helperPort}, nil
}

type teardownNetworkParams struct {
	DeviceName string `json:"deviceName"`
}

type detachContainerParams struct {
	ContainerID string `json:"containerId"`
	NetworkID   string `json:"networkId"`
}

// Detach implements the symmetric teardown: stop the relay, then tell both
// the container's forwarder and the helper to drop their ends.
func (b *OverlayBackend) Detach(ctx context.Context, networkID, containerID string, hostVsockPort int) error {
	b.relays.Detach(containerID, networkID, hostVsockPort)

	if containerCh, err := b.rt.DialVsock(ctx, runtime.Handle{ID: containerID}, runtime.TapForwarderPort); err == nil {
		call(ctx, containerCh, "TeardownNetwork", teardownNetworkParams{}, nil)
		containerCh.Close()
	}

	helperCh, err := b.dialHelper(ctx)
	if err != nil {
		return nil // helper unreachable: detach is best-effort once the relay is already down
	}
	defer helperCh.Close()
	return call(ctx, helperCh, "DetachContainer", detachContainerParams{
		ContainerID: containerID,
		NetworkID:   networkID,
	}, nil)
}

func (b *OverlayBackend) dialHelper(ctx context.Context) (runtime.ControlChannel, error) {
	id, err := b.helperID()
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	ch, err := b.rt.DialVsock(ctx, runtime.Handle{ID: id}, helperAdminPort)
	if err != nil {
		return nil, fmt.Errorf("dial control-plane helper: %w", err)
	}
	return ch, nil
}

func netmaskFromSubnet(subnet string) string {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "255.255.0.0"
	}
	mask := ipnet.Mask
	if len(mask) != 4 {
		return "255.255.0.0"
	}
	return fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
}
