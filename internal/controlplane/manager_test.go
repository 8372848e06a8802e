package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/containers"
	"github.com/xfeldman/arca/internal/dockererr"
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

// fakeControlChannel answers a single GetHealth RPC with either a success
// or an error response, depending on healthy.
type fakeControlChannel struct {
	healthy bool
	sent    chan struct{}
}

func (f *fakeControlChannel) Send(ctx context.Context, msg []byte) error {
	close(f.sent)
	return nil
}

func (f *fakeControlChannel) Recv(ctx context.Context) ([]byte, error) {
	resp := rpcResponse{JSONRPC: "2.0", ID: 1}
	if !f.healthy {
		resp.Error = &rpcError{Code: 1, Message: "not ready"}
	} else {
		resp.Result = json.RawMessage(`{"status":"ok"}`)
	}
	return json.Marshal(resp)
}

func (f *fakeControlChannel) Close() error { return nil }

type fakeRuntime struct {
	exitCh  map[string]chan int
	healthy bool
}

func newFakeRuntime(healthy bool) *fakeRuntime {
	return &fakeRuntime{exitCh: make(map[string]chan int), healthy: healthy}
}

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
	return &fakeControlChannel{healthy: f.healthy, sent: make(chan struct{})}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, h runtime.Handle) error {
	delete(f.exitCh, h.ID)
	return nil
}

func (f *fakeRuntime) Capabilities() runtime.BackendCaps { return runtime.BackendCaps{Name: "fake"} }

func newTestSupervisor(t *testing.T, healthy bool) (*Supervisor, *fakeRuntime) {
	t.Helper()
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
	if err := netMgr.EnsureDefaultNetwork(context.Background()); err != nil {
		t.Fatalf("ensure default network: %v", err)
	}

	rt := newFakeRuntime(healthy)
	cfg := &config.Config{
		DataDir:           t.TempDir(),
		VolumesDir:        t.TempDir(),
		DefaultMemoryMB:   256,
		DefaultVCPUs:      1,
		ControlPlaneImage: "arca/control-plane:latest",
	}

	mgr := containers.NewManager(containers.Config{
		Store:   store,
		IDs:     ids,
		Runtime: rt,
		Network: netMgr,
		Images:  fakeImages{},
		WAL:     wal,
		Cfg:     cfg,
	})

	return NewSupervisor(mgr, rt, cfg), rt
}

func TestEnsureHealthy(t *testing.T) {
	sup, _ := newTestSupervisor(t, true)
	ctx := context.Background()

	if err := sup.Ensure(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	id, err := sup.HelperID()
	if err != nil {
		t.Fatalf("helper id: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty helper id")
	}

	// A second Ensure call must be idempotent (reuse the existing container).
	if err := sup.Ensure(ctx); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	id2, _ := sup.HelperID()
	if id2 != id {
		t.Fatalf("expected stable helper id, got %s then %s", id, id2)
	}
}

func TestEnsureDegradedWhenUnhealthy(t *testing.T) {
	sup, _ := newTestSupervisor(t, false)
	sup.baseDelay = time.Millisecond
	sup.maxDelay = 5 * time.Millisecond
	sup.maxAttempts = 3
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Ensure(ctx)
	if !errors.Is(err, dockererr.ControlPlaneUnavailable) {
		t.Fatalf("expected ControlPlaneUnavailable, got %v", err)
	}
	if _, err := sup.HelperID(); !errors.Is(err, dockererr.ControlPlaneUnavailable) {
		t.Fatalf("expected HelperID to report degraded, got %v", err)
	}
}
