package dnstopo

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/ipam"
	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/runtime"
	"github.com/xfeldman/arca/internal/statestore"
)

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

type capturingChannel struct {
	sent []byte
}

func (c *capturingChannel) Send(ctx context.Context, msg []byte) error {
	c.sent = msg
	return nil
}

func (c *capturingChannel) Recv(ctx context.Context) ([]byte, error) {
	resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`{}`)}
	return json.Marshal(resp)
}

func (c *capturingChannel) Close() error { return nil }

type fakeRuntime struct {
	lastChannel *capturingChannel
}

func (f *fakeRuntime) Create(ctx context.Context, id string, cfg runtime.VMConfig) (runtime.Handle, error) {
	return runtime.Handle{ID: id}, nil
}
func (f *fakeRuntime) Start(ctx context.Context, h runtime.Handle) (runtime.ControlChannel, error) {
	return nil, nil
}
func (f *fakeRuntime) Stop(ctx context.Context, h runtime.Handle, timeout int) error { return nil }
func (f *fakeRuntime) Wait(ctx context.Context, h runtime.Handle) (int, error)       { return 0, nil }
func (f *fakeRuntime) Signal(ctx context.Context, h runtime.Handle, signal int) error {
	return nil
}
func (f *fakeRuntime) Exec(ctx context.Context, h runtime.Handle, argv []string, env map[string]string) (runtime.ControlChannel, error) {
	return nil, nil
}
func (f *fakeRuntime) DialVsock(ctx context.Context, h runtime.Handle, port int) (runtime.ControlChannel, error) {
	f.lastChannel = &capturingChannel{}
	return f.lastChannel, nil
}
func (f *fakeRuntime) Remove(ctx context.Context, h runtime.Handle) error { return nil }
func (f *fakeRuntime) Capabilities() runtime.BackendCaps                 { return runtime.BackendCaps{Name: "fake"} }

func TestPushSnapshotSendsRecordsForEachPeer(t *testing.T) {
	store, err := statestore.Open(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ids := idregistry.New()
	names := map[string]string{}
	netMgr := network.NewManager(network.Config{
		Store:   store,
		IDs:     ids,
		IPAM:    ipam.NewManager(),
		Drivers: map[string]network.Driver{"overlay": fakeDriver{}},
		NameOf:  func(id string) string { return names[id] },
	})
	ctx := context.Background()
	if err := netMgr.EnsureDefaultNetwork(ctx); err != nil {
		t.Fatalf("ensure default network: %v", err)
	}
	nets, err := netMgr.ListNetworks()
	if err != nil || len(nets) == 0 {
		t.Fatalf("list networks: %v (nets=%v)", err, nets)
	}
	bridgeID := nets[0].ID

	webID, err := idregistry.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	names[webID] = "web"
	if err := ids.Register(webID, "web"); err != nil {
		t.Fatalf("register web: %v", err)
	}
	if err := store.SaveContainer(&statestore.Container{
		ID: webID, Name: "web", Phase: "running", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save web container: %v", err)
	}
	if _, err := netMgr.Connect(ctx, webID, bridgeID, "172.17.0.2"); err != nil {
		t.Fatalf("connect web: %v", err)
	}

	dbID, err := idregistry.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	names[dbID] = "db"
	if err := ids.Register(dbID, "db"); err != nil {
		t.Fatalf("register db: %v", err)
	}
	if err := store.SaveContainer(&statestore.Container{
		ID: dbID, Name: "db", Phase: "running", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save db container: %v", err)
	}
	if _, err := netMgr.Connect(ctx, dbID, bridgeID, "172.17.0.3"); err != nil {
		t.Fatalf("connect db: %v", err)
	}

	rt := &fakeRuntime{}
	pub := NewPublisher(rt, netMgr)

	if err := pub.PushSnapshot(ctx, webID); err != nil {
		t.Fatalf("push snapshot: %v", err)
	}

	if rt.lastChannel == nil {
		t.Fatal("expected a control channel dial")
	}
	var req rpcRequest
	if err := json.Unmarshal(rt.lastChannel.sent, &req); err != nil {
		t.Fatalf("decode sent request: %v", err)
	}
	if req.Method != "UpdateDNSMappings" {
		t.Fatalf("method = %q, want UpdateDNSMappings", req.Method)
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	var params updateDNSMappingsParams
	if err := json.Unmarshal(paramsJSON, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(params.Records) != 2 {
		t.Fatalf("expected 2 records (web + db), got %d: %+v", len(params.Records), params.Records)
	}
	foundDB := false
	for _, r := range params.Records {
		if strings.HasPrefix(r.Name, "db.bridge.internal") {
			foundDB = true
			if !strings.Contains(r.RR, "172.17.0.3") {
				t.Fatalf("db record missing ip: %s", r.RR)
			}
		}
	}
	if !foundDB {
		t.Fatalf("expected a db.bridge.internal record among %+v", params.Records)
	}
}
