// Package reconcile implements the Reconciler (spec §4.9): the startup
// sequence that makes in-memory state match on-disk state after a daemon
// restart, recovers crashed containers, and restores the helper VM's
// network configuration.
package reconcile

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/arca/internal/containers"
	"github.com/xfeldman/arca/internal/controlplane"
	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/statestore"
)

// Reconciler wires the startup sequence's collaborators; Run executes the
// seven ordered steps of spec §4.9 exactly once.
type Reconciler struct {
	Store               *statestore.DB
	WAL                 *statestore.ExitWAL
	IDs                 *idregistry.Registry
	Containers          *containers.Manager
	Network             *network.Manager
	ControlPlane        *controlplane.Supervisor
	MaxOnFailureRetries int
}

// Run executes startup reconciliation. Errors from steps 5-7 are logged
// and do not abort the sequence — a degraded control plane or a single
// failed restart should not prevent the rest of the daemon from starting
// (spec §4.9's invariant is "in-memory equals on-disk", which later
// operations can still converge toward even after a partial failure here).
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.replayExitWAL(); err != nil {
		return fmt.Errorf("replay exit wal: %w", err)
	}

	containerRecs, err := r.Containers.LoadFromStore()
	if err != nil {
		return fmt.Errorf("load containers: %w", err)
	}
	idToName := make(map[string]string, len(containerRecs))
	for _, c := range containerRecs {
		idToName[c.ID] = c.Name
		if c.Phase == "running" {
			if err := r.Containers.MarkCrashed(c.ID); err != nil {
				log.Printf("reconcile: mark %s crashed: %v", c.ID, err)
			}
		}
	}

	if err := r.Network.EnsureDefaultNetwork(ctx); err != nil {
		return fmt.Errorf("ensure default network: %w", err)
	}
	nets, err := r.Network.ListNetworks()
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		idToName[n.ID] = n.Name
	}

	r.IDs.Rebuild(idToName)

	degraded := false
	if err := r.ControlPlane.Ensure(ctx); err != nil {
		log.Printf("reconcile: control plane not ready: %v", err)
		degraded = true
	}

	if !degraded {
		if err := r.reapplyNetworks(ctx, nets); err != nil {
			log.Printf("reconcile: reapply networks: %v", err)
		}
	} else {
		log.Printf("reconcile: skipping network reapply, control plane degraded")
	}

	if err := r.applyRestartPolicies(ctx); err != nil {
		log.Printf("reconcile: apply restart policies: %v", err)
	}

	log.Printf("reconcile: startup reconciliation complete (%d containers, %d networks, degraded=%v)",
		len(containerRecs), len(nets), degraded)
	return nil
}

// replayExitWAL applies any exit codes the WAL recorded but the database
// missed (a crash between WAL append and DB commit), then truncates it.
func (r *Reconciler) replayExitWAL() error {
	records, err := r.WAL.ReplayAndTruncate()
	if err != nil {
		return err
	}
	for _, rec := range records {
		c, err := r.Store.GetContainer(rec.ContainerID)
		if err != nil || c == nil {
			continue
		}
		if c.ExitCode != nil {
			continue
		}
		code := rec.ExitCode
		if err := r.Store.UpdatePhase(rec.ContainerID, "exited", &code, c.StoppedByUser); err != nil {
			log.Printf("reconcile: apply wal exit for %s: %v", rec.ContainerID, err)
		}
	}
	return nil
}

// reapplyNetworks re-issues CreateBridge for every persisted network
// against the now-healthy helper VM, fanning out with errgroup since each
// network is independent (spec §5, SPEC_FULL's added wiring for
// golang.org/x/sync/errgroup).
func (r *Reconciler) reapplyNetworks(ctx context.Context, nets []*statestore.Network) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nets {
		n := n
		g.Go(func() error {
			if err := r.Network.ReapplyNetwork(gctx, n); err != nil {
				return fmt.Errorf("network %s: %w", n.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// applyRestartPolicies starts every container GetContainersToRestart
// selects, fanning out with errgroup for the same reason as
// reapplyNetworks. A single container's failed restart does not cancel
// the others.
func (r *Reconciler) applyRestartPolicies(ctx context.Context) error {
	restartable, err := r.Store.GetContainersToRestart(r.MaxOnFailureRetries)
	if err != nil {
		return fmt.Errorf("list restartable containers: %w", err)
	}

	var g errgroup.Group
	for _, c := range restartable {
		c := c
		g.Go(func() error {
			if err := r.Store.IncrementRestartCount(c.ID); err != nil {
				log.Printf("reconcile: increment restart count for %s: %v", c.ID, err)
			}
			if err := r.Containers.Start(ctx, c.ID); err != nil {
				return fmt.Errorf("container %s: %w", c.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
