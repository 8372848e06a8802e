// Package runtime defines the thin wrapper over the external VM runtime
// that every container is ultimately backed by. Core code calls only this
// interface — it never sees Cloud Hypervisor's REST API, tap devices, or
// vsock unix-socket conventions directly.
package runtime

import (
	"context"
	"net"
)

// Well-known in-VM control-channel ports (spec §6 "Host-VM control channel").
const (
	// ControlPort is the init/control channel, supporting multiplexed RPC
	// to in-VM services.
	ControlPort = 9999

	// TapForwarderPort is the in-VM tap-forwarder's RPC service:
	// ConfigureNetwork, TeardownNetwork, UpdateDNSMappings.
	TapForwarderPort = 5555

	// RelayContainerPortBase is the first port in the per-attachment
	// container-side L2 frame endpoint range.
	RelayContainerPortBase = 20000

	// RelayHelperPortOffset is added to a container-side relay port to
	// get the matching helper-VM-side port.
	RelayHelperPortOffset = 10000
)

// Handle is an opaque reference to a VM-backed container.
type Handle struct {
	ID string
}

func (h Handle) String() string { return h.ID }

// MountSpec describes one bind mount shared into the guest via virtio-fs.
// Tag is the virtio-fs mount tag the guest's init mounts by.
type MountSpec struct {
	Tag      string
	HostPath string
	ReadOnly bool
}

// VMConfig describes how to create a container's VM.
type VMConfig struct {
	// RootfsPath is the path to the raw block image backing the container's
	// root filesystem (prepared by the image package).
	RootfsPath string

	MemoryMB int
	VCPUs    int

	Command []string
	Env     map[string]string

	// Mounts lists additional shared directories beyond the rootfs,
	// composed from the container's bind-mount specs.
	Mounts []MountSpec

	// NativeTap, when non-empty, is a host tap device created ahead of
	// time by the NativeBackend and wired into the VM at boot — the only
	// point at which NativeBackend networking can attach (spec §4.4).
	NativeTap string
	NativeMAC string
}

// BackendCaps reports what a Runtime backend supports.
type BackendCaps struct {
	Name string
}

// ControlChannel is a message-oriented, bidirectional channel between arcad
// and the guest init process. Framing is newline-delimited JSON — exactly
// one JSON-RPC 2.0 object per Send/Recv.
type ControlChannel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Runtime is the thin wrapper over the external VM runtime (spec §2).
// ContainerManager calls this interface exclusively; it never knows the
// concrete hypervisor in use.
type Runtime interface {
	// Create prepares a VM without starting it. id is the owning
	// container's ID and becomes the Handle's ID — the backend derives
	// all of its socket/tap/disk paths from it so Remove can clean up
	// purely from the Handle after a daemon restart.
	Create(ctx context.Context, id string, cfg VMConfig) (Handle, error)

	// Start boots a previously created VM and returns its control
	// channel, ready to use once Start returns.
	Start(ctx context.Context, h Handle) (ControlChannel, error)

	// Stop sends a graceful shutdown request to the guest and waits up to
	// timeout before the caller should escalate to Signal(SIGKILL).
	Stop(ctx context.Context, h Handle, timeout int) error

	// Wait blocks until the VM has exited and returns its exit code.
	Wait(ctx context.Context, h Handle) (int, error)

	// Signal delivers a signal to the guest's PID 1.
	Signal(ctx context.Context, h Handle, signal int) error

	// Exec runs argv inside the guest and returns a control channel
	// carrying its stdio frames.
	Exec(ctx context.Context, h Handle, argv []string, env map[string]string) (ControlChannel, error)

	// DialVsock opens a control channel (newline-delimited JSON framing)
	// to a well-known in-VM port. FrameRelay does not use it; it reaches
	// the container-side L2 endpoint through RawDialer.
	DialVsock(ctx context.Context, h Handle, port int) (ControlChannel, error)

	// Remove destroys a VM and frees all of its host resources.
	Remove(ctx context.Context, h Handle) error

	Capabilities() BackendCaps
}

// RawDialer is implemented by Runtime backends that can hand out an
// unframed connection to a container-side vsock port, for components like
// FrameRelay that carry their own wire framing instead of the control
// channel's newline-JSON framing.
type RawDialer interface {
	DialRaw(ctx context.Context, containerID string, port int) (net.Conn, error)
}
