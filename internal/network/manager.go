// Package network implements the dual-backend network subsystem: a facade
// (Manager) that owns network and attachment metadata and IPAM, backed by
// either the OverlayBackend (full Docker semantics via a helper VM and
// FrameRelay) or the NativeBackend (host-native, create-time-only attach).
package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"regexp"
	"sync"
	"time"

	gocidr "github.com/apparentlymart/go-cidr/cidr"

	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/ipam"
	"github.com/xfeldman/arca/internal/statestore"
)

const (
	DefaultNetworkName = "bridge"
	DefaultSubnet      = "172.17.0.0/16"
	DefaultGateway     = "172.17.0.1"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)

// DNSPublisher pushes a full topology snapshot to one container's in-guest
// resolver. Implemented by internal/dnstopo; kept as a narrow interface
// here so network doesn't import dnstopo (which in turn needs network's
// Manager to build its snapshot — see Manager.Snapshot).
type DNSPublisher interface {
	PushSnapshot(ctx context.Context, containerID string) error
}

// MemberInfo is one network's view of one attached container, used both to
// build DNS snapshots and to answer InspectNetwork.
type MemberInfo struct {
	ContainerID   string
	ContainerName string
	Aliases       []string
	IPv4          string
}

// Manager is the NetworkManager facade (spec §4.2): authoritative owner of
// network and attachment records, and the single place that picks which
// Driver backs a given network.
type Manager struct {
	mu sync.Mutex

	store *statestore.DB
	ids   *idregistry.Registry
	ipam  *ipam.Manager

	drivers  map[string]Driver // driver name -> Driver
	dns      DNSPublisher
	nameOf   func(containerID string) string // container id -> name, for snapshots
}

// Config wires a Manager's dependencies. Drivers maps a driver name
// ("overlay", "native") to its implementation; at least "overlay" must be
// present since it backs the default bridge network.
type Config struct {
	Store   *statestore.DB
	IDs     *idregistry.Registry
	IPAM    *ipam.Manager
	Drivers map[string]Driver
	DNS     DNSPublisher
	NameOf  func(containerID string) string
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		store:   cfg.Store,
		ids:     cfg.IDs,
		ipam:    cfg.IPAM,
		drivers: cfg.Drivers,
		dns:     cfg.DNS,
		nameOf:  cfg.NameOf,
	}
}

// EnsureDefaultNetwork creates the "bridge" network if it doesn't already
// exist, as the Reconciler's step 4 requires.
func (m *Manager) EnsureDefaultNetwork(ctx context.Context) error {
	existing, err := m.store.GetNetworkByName(DefaultNetworkName)
	if err != nil {
		return fmt.Errorf("lookup default network: %w", err)
	}
	if existing != nil {
		if err := m.loadIPAM(existing); err != nil {
			return err
		}
		return m.reserveAttachmentIPs(existing)
	}

	id, err := idregistry.NewID()
	if err != nil {
		return fmt.Errorf("allocate default network id: %w", err)
	}
	n := &statestore.Network{
		ID:        id,
		Name:      DefaultNetworkName,
		Driver:    "overlay",
		Subnet:    DefaultSubnet,
		Gateway:   DefaultGateway,
		IsDefault: true,
		CreatedAt: time.Now(),
	}
	return m.createNetworkRecord(ctx, n)
}

// CreateNetwork validates and persists a new network, delegating bridge
// creation to the chosen driver.
func (m *Manager) CreateNetwork(ctx context.Context, name, driverName, subnet, gateway string, options, labels map[string]string) (*statestore.Network, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid network name %q", dockererr.InvalidArgument, name)
	}
	if existing, _ := m.store.GetNetworkByName(name); existing != nil {
		return nil, fmt.Errorf("%w: network %q already exists", dockererr.NameConflict, name)
	}
	if driverName == "" {
		driverName = "overlay"
	}
	if _, ok := m.drivers[driverName]; !ok {
		return nil, fmt.Errorf("%w: unknown network driver %q", dockererr.InvalidArgument, driverName)
	}

	if subnet == "" {
		s, err := m.autoSubnet(ctx)
		if err != nil {
			return nil, err
		}
		subnet = s
	}
	if gateway == "" {
		gateway = gatewayForSubnet(subnet)
	}
	if err := m.checkNoOverlap(subnet); err != nil {
		return nil, err
	}

	id, err := idregistry.NewID()
	if err != nil {
		return nil, fmt.Errorf("allocate network id: %w", err)
	}
	n := &statestore.Network{
		ID:        id,
		Name:      name,
		Driver:    driverName,
		Subnet:    subnet,
		Gateway:   gateway,
		Options:   options,
		Labels:    labels,
		CreatedAt: time.Now(),
	}
	if err := m.createNetworkRecord(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (m *Manager) createNetworkRecord(ctx context.Context, n *statestore.Network) error {
	drv := m.drivers[n.Driver]
	if _, err := drv.CreateBridge(ctx, n); err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	if err := m.store.SaveNetwork(n); err != nil {
		return fmt.Errorf("persist network: %w", err)
	}
	if err := m.ids.Register(n.ID, n.Name); err != nil {
		return fmt.Errorf("register network id: %w", err)
	}
	return m.loadIPAM(n)
}

func (m *Manager) loadIPAM(n *statestore.Network) error {
	return m.ipam.AddNetwork(n.ID, n.Subnet, n.Gateway)
}

// reserveAttachmentIPs replays every persisted attachment's address into
// the just-(re)loaded IPAM pool for n, so a restart can never re-allocate
// an address a restarted container already holds (spec §9: "IP
// allocations are rebuilt from the StateStore at startup by replaying
// attachments").
func (m *Manager) reserveAttachmentIPs(n *statestore.Network) error {
	attachments, err := m.store.ListAttachmentsForNetwork(n.ID)
	if err != nil {
		return fmt.Errorf("list attachments for network %s: %w", n.ID, err)
	}
	for _, a := range attachments {
		m.ipam.Reserve(n.ID, a.IPv4)
	}
	return nil
}

// DeleteNetwork removes a network, refusing if it still has attachments or
// is the default network.
func (m *Manager) DeleteNetwork(ctx context.Context, networkID string) error {
	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return fmt.Errorf("lookup network: %w", err)
	}
	if n == nil {
		return fmt.Errorf("%w: network %s", dockererr.NotFound, networkID)
	}
	if n.IsDefault {
		return fmt.Errorf("%w: cannot remove the default network", dockererr.PermissionDenied)
	}
	attachments, err := m.store.ListAttachmentsForNetwork(networkID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	if len(attachments) > 0 {
		return fmt.Errorf("%w: network %s has active endpoints", dockererr.Conflict, networkID)
	}

	drv := m.drivers[n.Driver]
	if err := drv.DeleteBridge(ctx, networkID); err != nil {
		return fmt.Errorf("delete bridge: %w", err)
	}
	if err := m.store.DeleteNetwork(networkID); err != nil {
		return fmt.Errorf("delete network record: %w", err)
	}
	m.ipam.RemoveNetwork(networkID)
	m.ids.Unregister(networkID)
	return nil
}

func (m *Manager) ListNetworks() ([]*statestore.Network, error) {
	return m.store.ListNetworks()
}

// Prune deletes every non-default network with no active attachments and
// returns the ids removed. A failed delete (e.g. a race with a concurrent
// Connect) is logged and skipped rather than aborting the whole prune.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	nets, err := m.store.ListNetworks()
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	var removed []string
	for _, n := range nets {
		if n.IsDefault {
			continue
		}
		attachments, err := m.store.ListAttachmentsForNetwork(n.ID)
		if err != nil || len(attachments) > 0 {
			continue
		}
		if err := m.DeleteNetwork(ctx, n.ID); err != nil {
			log.Printf("network %s: prune delete failed: %v", n.ID, err)
			continue
		}
		removed = append(removed, n.ID)
	}
	return removed, nil
}

// ReapplyNetwork re-registers one persisted network's id/name and IPAM
// pool, then re-issues an idempotent CreateBridge against its driver —
// the Reconciler's step 6 (spec §4.9), run once per persisted network
// after the helper VM has been confirmed healthy.
func (m *Manager) ReapplyNetwork(ctx context.Context, n *statestore.Network) error {
	if err := m.ids.Register(n.ID, n.Name); err != nil {
		return fmt.Errorf("register network id: %w", err)
	}
	if err := m.loadIPAM(n); err != nil {
		return fmt.Errorf("load ipam for network %s: %w", n.ID, err)
	}
	if err := m.reserveAttachmentIPs(n); err != nil {
		return err
	}
	drv, ok := m.drivers[n.Driver]
	if !ok {
		return fmt.Errorf("%w: unknown network driver %q", dockererr.InvalidArgument, n.Driver)
	}
	if _, err := drv.CreateBridge(ctx, n); err != nil {
		return fmt.Errorf("reapply bridge for network %s: %w", n.ID, err)
	}
	return nil
}

func (m *Manager) InspectNetwork(networkID string) (*statestore.Network, []*statestore.Attachment, error) {
	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup network: %w", err)
	}
	if n == nil {
		return nil, nil, fmt.Errorf("%w: network %s", dockererr.NotFound, networkID)
	}
	attachments, err := m.store.ListAttachmentsForNetwork(networkID)
	if err != nil {
		return nil, nil, fmt.Errorf("list attachments: %w", err)
	}
	return n, attachments, nil
}

// Connect attaches a running container to a network on explicit request
// (spec §4.2 Connect, used by docker network connect). Unlike
// ConnectAtCreate, it refuses any driver that cannot hot-plug an
// attachment into an already-booted VM.
func (m *Manager) Connect(ctx context.Context, containerID, networkID, preferredIP string) (*statestore.Attachment, error) {
	return m.connect(ctx, containerID, networkID, preferredIP, true)
}

// ConnectAtCreate attaches a container to a network as part of its
// initial Start (spec §4.1's auto-attach), which every driver must
// support — the NativeBackend's restriction is specifically on attaching
// to a network *after* the VM has already booted with its interfaces
// fixed, not on wiring its declared network in the first place.
func (m *Manager) ConnectAtCreate(ctx context.Context, containerID, networkID, preferredIP string) (*statestore.Attachment, error) {
	return m.connect(ctx, containerID, networkID, preferredIP, false)
}

func (m *Manager) connect(ctx context.Context, containerID, networkID, preferredIP string, requireDynamicAttach bool) (*statestore.Attachment, error) {
	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return nil, fmt.Errorf("lookup network: %w", err)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: network %s", dockererr.NotFound, networkID)
	}
	drv, ok := m.drivers[n.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: driver %q", dockererr.Internal, n.Driver)
	}
	if requireDynamicAttach && !drv.SupportsDynamicAttach() {
		return nil, fmt.Errorf("%w: network %s's %q driver does not support attaching after a container has started; recreate the container with this network specified at create time",
			dockererr.Unsupported, n.Name, n.Driver)
	}

	if existing, _ := m.store.GetAttachment(containerID, networkID); existing != nil {
		return nil, fmt.Errorf("%w: container already connected to network %s", dockererr.Conflict, networkID)
	}

	deviceName, err := m.nextDeviceName(containerID)
	if err != nil {
		return nil, err
	}

	ip, err := m.ipam.Allocate(networkID, preferredIP)
	if err != nil {
		return nil, fmt.Errorf("allocate address: %w", err)
	}
	mac, err := ipam.GenerateMAC()
	if err != nil {
		m.ipam.Release(networkID, ip)
		return nil, fmt.Errorf("generate mac: %w", err)
	}

	res, err := drv.Attach(ctx, n, AttachRequest{
		ContainerID: containerID,
		DeviceName:  deviceName,
		IPv4:        ip,
		MAC:         mac,
		Gateway:     n.Gateway,
	})
	if err != nil {
		m.ipam.Release(networkID, ip)
		return nil, fmt.Errorf("attach: %w", err)
	}

	a := &statestore.Attachment{
		ContainerID:     containerID,
		NetworkID:       networkID,
		DeviceName:      deviceName,
		IPv4:            ip,
		MAC:             mac,
		HostVsockPort:   res.HostVsockPort,
		HelperVsockPort: res.HelperVsockPort,
	}
	if err := m.store.SaveAttachment(a); err != nil {
		return nil, fmt.Errorf("persist attachment: %w", err)
	}

	m.pushTopologyToMembers(ctx, networkID)
	return a, nil
}

// Disconnect removes a container's attachment to a network.
func (m *Manager) Disconnect(ctx context.Context, containerID, networkID string, force bool) error {
	a, err := m.store.GetAttachment(containerID, networkID)
	if err != nil {
		return fmt.Errorf("lookup attachment: %w", err)
	}
	if a == nil {
		if force {
			return nil
		}
		return fmt.Errorf("%w: container not connected to network %s", dockererr.NotFound, networkID)
	}

	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return fmt.Errorf("lookup network: %w", err)
	}
	if n != nil {
		drv := m.drivers[n.Driver]
		if err := drv.Detach(ctx, networkID, containerID, a.HostVsockPort); err != nil && !force {
			return fmt.Errorf("detach: %w", err)
		}
	}

	m.ipam.Release(networkID, a.IPv4)
	if err := m.store.DeleteAttachment(containerID, networkID); err != nil {
		return fmt.Errorf("delete attachment record: %w", err)
	}

	m.pushTopologyToMembers(ctx, networkID)
	return nil
}

// Snapshot builds the DNS topology snapshot for one network (spec §4.6):
// every other running member's name, aliases and address, as seen from
// containerID's perspective. The calling container is excluded from its
// own snapshot, and a peer that has stopped but not yet disconnected is
// excluded too — a stopped container must resolve to NXDOMAIN, not its
// last-known address.
func (m *Manager) Snapshot(networkID, excludeContainerID string) ([]MemberInfo, error) {
	attachments, err := m.store.ListAttachmentsForNetwork(networkID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	out := make([]MemberInfo, 0, len(attachments))
	for _, a := range attachments {
		if a.ContainerID == excludeContainerID {
			continue
		}
		c, err := m.store.GetContainer(a.ContainerID)
		if err != nil {
			return nil, fmt.Errorf("lookup container %s: %w", a.ContainerID, err)
		}
		if c == nil || c.Phase != "running" {
			continue
		}
		name := a.ContainerID
		if m.nameOf != nil {
			if n := m.nameOf(a.ContainerID); n != "" {
				name = n
			}
		}
		out = append(out, MemberInfo{
			ContainerID:   a.ContainerID,
			ContainerName: name,
			IPv4:          a.IPv4,
		})
	}
	return out, nil
}

// NetworksForContainer lists the network IDs a container is currently
// attached to, used by ContainerManager to push DNS updates on exit.
func (m *Manager) NetworksForContainer(containerID string) ([]string, error) {
	attachments, err := m.store.ListAttachmentsForContainer(containerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(attachments))
	for i, a := range attachments {
		ids[i] = a.NetworkID
	}
	return ids, nil
}

func (m *Manager) pushTopologyToMembers(ctx context.Context, networkID string) {
	if m.dns == nil {
		return
	}
	attachments, err := m.store.ListAttachmentsForNetwork(networkID)
	if err != nil {
		log.Printf("network %s: list attachments for dns push: %v", networkID, err)
		return
	}
	for _, a := range attachments {
		if err := m.dns.PushSnapshot(ctx, a.ContainerID); err != nil {
			log.Printf("network %s: dns push to %s failed: %v", networkID, a.ContainerID, err)
		}
	}
}

func (m *Manager) nextDeviceName(containerID string) (string, error) {
	attachments, err := m.store.ListAttachmentsForContainer(containerID)
	if err != nil {
		return "", fmt.Errorf("list attachments: %w", err)
	}
	used := make(map[string]bool, len(attachments))
	for _, a := range attachments {
		used[a.DeviceName] = true
	}
	for i := 0; i < 1<<16; i++ {
		name := fmt.Sprintf("eth%d", i)
		if !used[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free device name for container %s", dockererr.ResourceExhausted, containerID)
}

// autoSubnet draws the next candidate octet from the store's monotonic
// counter, skipping any already claimed by an existing network (a network
// can be deleted without the counter rewinding, so the counter alone isn't
// sufficient — spec §4.2 "skip any N already used").
func (m *Manager) autoSubnet(ctx context.Context) (string, error) {
	used, err := m.store.GetUsedSubnets()
	if err != nil {
		return "", fmt.Errorf("list used subnets: %w", err)
	}
	for {
		octet, err := m.store.NextAutoSubnetOctet()
		if err != nil {
			return "", fmt.Errorf("draw next subnet octet: %w", err)
		}
		if octet > 31 {
			return "", fmt.Errorf("%w: auto subnet range exhausted", dockererr.ResourceExhausted)
		}
		if !used[octet] {
			return fmt.Sprintf("172.%d.0.0/16", octet), nil
		}
	}
}

func (m *Manager) checkNoOverlap(subnet string) error {
	_, candidate, err := net.ParseCIDR(subnet)
	if err != nil {
		return fmt.Errorf("%w: parse subnet %q: %v", dockererr.InvalidArgument, subnet, err)
	}
	networks, err := m.store.ListNetworks()
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	var existing []*net.IPNet
	for _, n := range networks {
		_, sub, err := net.ParseCIDR(n.Subnet)
		if err != nil {
			continue
		}
		existing = append(existing, sub)
	}
	// VerifyNoOverlap checks that its subnets are pairwise disjoint and all
	// lie inside the supernet, so the candidate joins the list and the
	// supernet is the whole IPv4 space.
	_, all, _ := net.ParseCIDR("0.0.0.0/0")
	if err := gocidr.VerifyNoOverlap(append(existing, candidate), all); err != nil {
		return fmt.Errorf("%w: subnet %s overlaps an existing network: %v", dockererr.InvalidArgument, subnet, err)
	}
	return nil
}

func gatewayForSubnet(subnet string) string {
	// The default gateway is the first host address of the subnet (.1 for
	// a subnet whose network address ends in .0).
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil || ipnet.IP.To4() == nil {
		return ""
	}
	gw := make(net.IP, 4)
	copy(gw, ipnet.IP.To4())
	gw[3]++
	return gw.String()
}
