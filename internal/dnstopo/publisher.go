// Package dnstopo implements the DNS Topology Publisher (spec §4.6): it
// builds a complete per-container topology snapshot and pushes it to that
// container's embedded in-guest DNS resolver over its control channel,
// the same channel used for TAP configuration.
package dnstopo

import (
	"context"
	"fmt"

	"github.com/miekg/dns"

	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/runtime"
)

// forwarderPort is the in-VM forwarder's RPC port — the same one
// OverlayBackend uses for ConfigureNetwork/TeardownNetwork, since
// UpdateDNSMappings is just another method on that forwarder.
const forwarderPort = runtime.TapForwarderPort

// ttl is the answer TTL pushed for every record. Pushes are idempotent
// full-state snapshots (spec §4.6), so a short TTL costs nothing and
// keeps stale in-guest caches from outliving a topology change.
const ttl = 60

// Publisher implements network.DNSPublisher.
type Publisher struct {
	rt  runtime.Runtime
	net *network.Manager
}

func NewPublisher(rt runtime.Runtime, netMgr *network.Manager) *Publisher {
	return &Publisher{rt: rt, net: netMgr}
}

// record is one pushed DNS answer; Name/Data are pre-rendered into the
// miekg/dns RR text form so the in-guest resolver only has to reparse it
// with dns.NewRR, not reconstruct zone syntax itself.
type record struct {
	Name string `json:"name"`
	Type string `json:"type"`
	RR   string `json:"rr"`
}

type updateDNSMappingsParams struct {
	Records []record `json:"records"`
}

// PushSnapshot builds the full topology for containerID's attached
// networks and pushes it to that container's forwarder. Best-effort: the
// caller logs and continues on failure, since the next topology change
// resends the complete snapshot (spec §4.6 "Semantics").
func (p *Publisher) PushSnapshot(ctx context.Context, containerID string) error {
	networkIDs, err := p.net.NetworksForContainer(containerID)
	if err != nil {
		return fmt.Errorf("list networks for container %s: %w", containerID, err)
	}

	var records []record
	for _, networkID := range networkIDs {
		n, _, err := p.net.InspectNetwork(networkID)
		if err != nil {
			return fmt.Errorf("inspect network %s: %w", networkID, err)
		}
		members, err := p.net.Snapshot(networkID, "")
		if err != nil {
			return fmt.Errorf("snapshot network %s: %w", networkID, err)
		}
		for _, m := range members {
			if m.IPv4 == "" {
				continue
			}
			fqdn := dns.Fqdn(m.ContainerName + "." + n.Name + ".internal")
			rr, err := dns.NewRR(fmt.Sprintf("%s %d IN A %s", fqdn, ttl, m.IPv4))
			if err != nil {
				return fmt.Errorf("build RR for %s: %w", fqdn, err)
			}
			records = append(records, record{Name: fqdn, Type: "A", RR: rr.String()})
		}
	}

	ch, err := p.rt.DialVsock(ctx, runtime.Handle{ID: containerID}, forwarderPort)
	if err != nil {
		return fmt.Errorf("dial container forwarder: %w", err)
	}
	defer ch.Close()

	return call(ctx, ch, "UpdateDNSMappings", updateDNSMappingsParams{Records: records}, nil)
}
