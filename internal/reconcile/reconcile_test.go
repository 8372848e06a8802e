package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/containers"
	"github.com/xfeldman/arca/internal/controlplane"
	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/ipam"
	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/runtime"
	"github.com/xfeldman/arca/internal/statestore"
)

type fakeImages struct{}

func (fakeImages) RequireExists(ctx context.Context, ref string) error { return nil }

type fakeDriver struct{}

func (fakeDriver) CreateBridge(ctx context.Context, n *statestore.Network) (string, error) {
	return "br-fake", nil
}
func (fakeDriver) DeleteBridge(ctx context.Context, networkID string) error { return nil }
func (fakeDriver) Attach(ctx context.Context, n *statestore.Network, req network.AttachRequest) (network.AttachResult, error) {
	return network.AttachResult{}, nil
}
func (fakeDriver) Detach(ctx context.Context, networkID, containerID string, hostVsockPort int) error {
	return nil
}
func (fakeDriver) SupportsDynamicAttach() bool { return true }
func (fakeDriver) SupportsPortMapping() bool   { return false }

type fakeControlChannel struct{}

func (fakeControlChannel) Send(ctx context.Context, msg []byte) error { return nil }
func (fakeControlChannel) Recv(ctx context.Context) ([]byte, error) {
	return []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), nil
}
func (fakeControlChannel) Close() error { return nil }

type fakeRuntime struct {
	exitCh map[string]chan int
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{exitCh: make(map[string]chan int)} }

func (f *fakeRuntime) Create(ctx context.Context, id string, cfg runtime.VMConfig) (runtime.Handle, error) {
	f.exitCh[id] = make(chan int, 1)
	return runtime.Handle{ID: id}, nil
}
func (f *fakeRuntime) Start(ctx context.Context, h runtime.Handle) (runtime.ControlChannel, error) {
	return nil, nil
}
func (f *fakeRuntime) Stop(ctx context.Context, h runtime.Handle, timeout int) error {
	select {
	case f.exitCh[h.ID] <- 0:
	default:
	}
	return nil
}
func (f *fakeRuntime) Wait(ctx context.Context, h runtime.Handle) (int, error) {
	return <-f.exitCh[h.ID], nil
}
func (f *fakeRuntime) Signal(ctx context.Context, h runtime.Handle, signal int) error { return nil }
func (f *fakeRuntime) Exec(ctx context.Context, h runtime.Handle, argv []string, env map[string]string) (runtime.ControlChannel, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) DialVsock(ctx context.Context, h runtime.Handle, port int) (runtime.ControlChannel, error) {
	return fakeControlChannel{}, nil
}
func (f *fakeRuntime) Remove(ctx context.Context, h runtime.Handle) error {
	delete(f.exitCh, h.ID)
	return nil
}
func (f *fakeRuntime) Capabilities() runtime.BackendCaps { return runtime.BackendCaps{Name: "fake"} }

func TestReconcilerMarksRunningAsCrashedAndRestarts(t *testing.T) {
	store, err := statestore.Open(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	wal, err := statestore.OpenExitWAL(t.TempDir() + "/exit.wal")
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { wal.Close() })

	ids := idregistry.New()
	netMgr := network.NewManager(network.Config{
		Store:   store,
		IDs:     ids,
		IPAM:    ipam.NewManager(),
		Drivers: map[string]network.Driver{"overlay": fakeDriver{}},
		NameOf:  func(string) string { return "" },
	})

	cfg := &config.Config{
		DataDir:           t.TempDir(),
		VolumesDir:        t.TempDir(),
		DefaultMemoryMB:   256,
		DefaultVCPUs:      1,
		ControlPlaneImage: "arca/control-plane:latest",
	}

	rt := newFakeRuntime()
	mgr := containers.NewManager(containers.Config{
		Store:               store,
		IDs:                 ids,
		Runtime:             rt,
		Network:              netMgr,
		Images:              fakeImages{},
		WAL:                 wal,
		Cfg:                 cfg,
		MaxOnFailureRetries: 3,
	})

	// Seed a container record directly in the store to simulate a
	// previous daemon leaving it "running" at crash time.
	if err := store.SaveContainer(&statestore.Container{
		ID:            "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1",
		Name:          "orphan",
		Image:         "alpine:latest",
		RestartPolicy: "always",
		NetworkMode:   "none",
		Phase:         "running",
		MemoryMB:      256,
		VCPUs:         1,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("seed container: %v", err)
	}

	sup := controlplane.NewSupervisor(mgr, rt, cfg)

	r := &Reconciler{
		Store:               store,
		WAL:                 wal,
		IDs:                 ids,
		Containers:          mgr,
		Network:             netMgr,
		ControlPlane:        sup,
		MaxOnFailureRetries: 3,
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec, err := mgr.Inspect("orphan")
	if err != nil {
		t.Fatalf("inspect orphan: %v", err)
	}
	if rec.Phase != "running" {
		t.Fatalf("expected orphan restarted to running, got %s", rec.Phase)
	}

	nets, err := netMgr.ListNetworks()
	if err != nil {
		t.Fatalf("list networks: %v", err)
	}
	foundDefault := false
	for _, n := range nets {
		if n.Name == network.DefaultNetworkName {
			foundDefault = true
		}
	}
	if !foundDefault {
		t.Fatal("expected default network to be ensured")
	}
}
