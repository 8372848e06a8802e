package framerelay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/xfeldman/arca/internal/runtime"
)

// attachmentKey identifies one container-network attachment's relay.
type attachmentKey struct {
	containerID string
	networkID   string
}

// Manager owns the port allocator and the set of active frame relays for
// overlay-backed network attachments. One Manager is shared by every
// OverlayBackend network.
//
// The container-side leg is dialed through the Runtime backend's
// unix-socket vsock convention (cheap, per-container, ephemeral). The
// helper-VM-side leg is dialed with real AF_VSOCK against the helper VM's
// fixed CID, since the helper VM is a single long-lived process for which
// a genuine vsock socket is worth keeping open to.
type Manager struct {
	dialer runtime.RawDialer

	helperCID uint32

	mu      sync.Mutex
	relays  map[attachmentKey]*Relay
	ports   *PortAllocator
}

// NewManager creates a frame-relay manager. dialer reaches container-side
// vsock ports through the active Runtime backend; helperCID is the fixed
// vsock CID the control-plane helper VM boots with.
func NewManager(dialer runtime.RawDialer, helperCID uint32) *Manager {
	return &Manager{
		dialer:    dialer,
		helperCID: helperCID,
		relays:    make(map[attachmentKey]*Relay),
		ports:     NewPortAllocator(),
	}
}

// AllocatePort reserves a container-side port and its paired helper-side
// port for a new attachment (or reuses preferredPort when > 0, replaying a
// persisted attachment after a restart). The caller must configure both
// endpoints' listeners via control-channel RPC using these port numbers
// before calling StartRelay.
func (m *Manager) AllocatePort(preferredPort int) (containerPort, helperPort int, err error) {
	if preferredPort > 0 {
		m.ports.Reserve(preferredPort)
		return preferredPort, HelperPort(preferredPort), nil
	}
	containerPort, err = m.ports.Allocate()
	if err != nil {
		return 0, 0, err
	}
	return containerPort, HelperPort(containerPort), nil
}

// StartRelay dials both endpoints of an already-configured attachment and
// begins relaying frames between them. Both the container's in-VM
// forwarder and the helper VM must already be listening on containerPort
// and helperPort respectively.
func (m *Manager) StartRelay(ctx context.Context, containerID, networkID string, containerPort, helperPort int) error {
	containerConn, err := m.dialer.DialRaw(ctx, containerID, containerPort)
	if err != nil {
		return fmt.Errorf("dial container relay port: %w", err)
	}

	helperConn, err := m.dialHelper(helperPort)
	if err != nil {
		containerConn.Close()
		return fmt.Errorf("dial helper relay port: %w", err)
	}

	key := attachmentKey{containerID, networkID}
	relay := NewRelay(ctx, containerID, networkID, containerConn, helperConn)

	m.mu.Lock()
	m.relays[key] = relay
	m.mu.Unlock()

	return nil
}

// Detach stops the relay backing a container-network attachment and frees
// its container-side port.
func (m *Manager) Detach(containerID, networkID string, containerPort int) {
	key := attachmentKey{containerID, networkID}

	m.mu.Lock()
	relay, ok := m.relays[key]
	delete(m.relays, key)
	m.mu.Unlock()

	if ok {
		relay.Stop()
	}
	m.ports.Release(containerPort)
}

func (m *Manager) dialHelper(port int) (net.Conn, error) {
	conn, err := vsock.Dial(m.helperCID, uint32(port), nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial helper cid=%d port=%d: %w", m.helperCID, port, err)
	}
	return conn, nil
}
