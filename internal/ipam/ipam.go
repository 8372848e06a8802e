// Package ipam allocates per-network IPv4 addresses and MAC addresses.
// Picking a subnet for an auto-assigned network is done by network.Manager,
// not here. There is no persistent IPAM file (spec §9 "No persistent
// IPAM"): allocations are rebuilt from the StateStore's attachment records
// at startup by network.Manager, which calls Reserve for every persisted
// attachment after reloading each network's pool.
package ipam

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	cidr "github.com/apparentlymart/go-cidr/cidr"
	"github.com/xfeldman/arca/internal/dockererr"
)

// Pool tracks IPv4 allocations for a single network.
type Pool struct {
	subnet    *net.IPNet
	gateway   net.IP
	allocated map[string]bool // dotted IPv4 -> in use
}

// NewPool creates an allocation pool for a network's subnet, pre-reserving
// the network address and the gateway.
func NewPool(subnetCIDR, gateway string) (*Pool, error) {
	_, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("%w: parse subnet %q: %v", dockererr.InvalidArgument, subnetCIDR, err)
	}
	gw := net.ParseIP(gateway)
	if gw == nil {
		return nil, fmt.Errorf("%w: parse gateway %q", dockererr.InvalidArgument, gateway)
	}
	p := &Pool{
		subnet:    subnet,
		gateway:   gw,
		allocated: make(map[string]bool),
	}
	p.allocated[networkAddr(subnet).String()] = true
	p.allocated[gw.String()] = true
	return p, nil
}

// Reserve marks ip as already in use, without checking subnet membership
// (used by Manager.Reserve when replaying persisted attachments).
func (p *Pool) Reserve(ip string) {
	p.allocated[ip] = true
}

// Release frees a previously allocated address.
func (p *Pool) Release(ip string) {
	delete(p.allocated, ip)
}

// Allocate returns a free IPv4 address in the pool's subnet. If preferred
// is non-empty, that address is used if it lies in-subnet and is free;
// otherwise the next free address after the gateway is chosen.
func (p *Pool) Allocate(preferred string) (string, error) {
	if preferred != "" {
		ip := net.ParseIP(preferred).To4()
		if ip == nil || !p.subnet.Contains(ip) {
			return "", fmt.Errorf("%w: %q not in subnet %s", dockererr.InvalidArgument, preferred, p.subnet)
		}
		if p.allocated[ip.String()] {
			return "", fmt.Errorf("%w: %q already allocated", dockererr.Conflict, preferred)
		}
		p.allocated[ip.String()] = true
		return ip.String(), nil
	}

	first, last := cidr.AddressRange(p.subnet)
	for ip := nextIP(first); compareIP(ip, last) <= 0; ip = nextIP(ip) {
		s := ip.String()
		if !p.allocated[s] {
			p.allocated[s] = true
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: subnet %s exhausted", dockererr.ResourceExhausted, p.subnet)
}

// GenerateMAC produces a locally-administered unicast MAC of the form
// 02:xx:xx:xx:xx:xx from crypto-random bytes.
func GenerateMAC() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4]), nil
}

// Manager owns one Pool per network.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*Pool // networkID -> pool
}

// NewManager creates an empty IPAM manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// AddNetwork registers a pool for a newly created or loaded network.
func (m *Manager) AddNetwork(networkID, subnetCIDR, gateway string) error {
	pool, err := NewPool(subnetCIDR, gateway)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[networkID] = pool
	return nil
}

// RemoveNetwork drops a network's pool.
func (m *Manager) RemoveNetwork(networkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, networkID)
}

// Allocate requests an address from the named network's pool.
func (m *Manager) Allocate(networkID, preferred string) (string, error) {
	m.mu.Lock()
	pool, ok := m.pools[networkID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: network %s has no ipam pool", dockererr.NotFound, networkID)
	}
	return pool.Allocate(preferred)
}

// Release returns an address to the named network's pool.
func (m *Manager) Release(networkID, ip string) {
	m.mu.Lock()
	pool, ok := m.pools[networkID]
	m.mu.Unlock()
	if ok {
		pool.Release(ip)
	}
}

// Reserve marks ip as used without allocating it fresh — used during
// startup replay of persisted attachments.
func (m *Manager) Reserve(networkID, ip string) {
	m.mu.Lock()
	pool, ok := m.pools[networkID]
	m.mu.Unlock()
	if ok {
		pool.Reserve(ip)
	}
}

func networkAddr(n *net.IPNet) net.IP {
	first, _ := cidr.AddressRange(n)
	return first
}

func nextIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func compareIP(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	for i := range a4 {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
