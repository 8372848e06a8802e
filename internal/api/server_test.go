package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/containers"
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
	return nil, nil
}
func (f *fakeRuntime) DialVsock(ctx context.Context, h runtime.Handle, port int) (runtime.ControlChannel, error) {
	return nil, nil
}
func (f *fakeRuntime) Remove(ctx context.Context, h runtime.Handle) error {
	delete(f.exitCh, h.ID)
	return nil
}
func (f *fakeRuntime) Capabilities() runtime.BackendCaps { return runtime.BackendCaps{Name: "fake"} }

func newTestServer(t *testing.T) *Server {
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

	cfg := &config.Config{
		DataDir:           t.TempDir(),
		VolumesDir:        t.TempDir(),
		DefaultMemoryMB:   256,
		DefaultVCPUs:      1,
		NetworkBackend:    "overlay",
		ControlPlaneImage: "arca/control-plane:latest",
	}

	mgr := containers.NewManager(containers.Config{
		Store:               store,
		IDs:                 ids,
		Runtime:             newFakeRuntime(),
		Network:             netMgr,
		Images:              fakeImages{},
		WAL:                 wal,
		Cfg:                 cfg,
		MaxOnFailureRetries: 3,
	})

	return NewServer(cfg, mgr, netMgr, ids, nil)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateStartInspectContainer(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, "POST", "/v1/containers?name=web", map[string]interface{}{
		"Image": "alpine:latest",
		"Cmd":   []string{"/bin/sh"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["Id"]
	if id == "" {
		t.Fatal("expected non-empty Id")
	}

	rec = doRequest(t, s, "POST", "/v1/containers/"+id+"/start", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, "GET", "/v1/containers/web", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inspect status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var inspect map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &inspect); err != nil {
		t.Fatalf("decode inspect response: %v", err)
	}
	state, ok := inspect["State"].(map[string]interface{})
	if !ok || state["Status"] != "running" {
		t.Fatalf("expected running state, got %+v", inspect["State"])
	}
}

func TestInspectMissingContainerReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "GET", "/v1/containers/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateContainerMissingImageIsBadInput(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "POST", "/v1/containers", map[string]interface{}{
		"Cmd": []string{"/bin/sh"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestNetworkCreateListDelete(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, "POST", "/v1/networks", map[string]interface{}{
		"Name":   "mynet",
		"Driver": "overlay",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["Id"]

	rec = doRequest(t, s, "GET", "/v1/networks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(list) != 2 { // default bridge + mynet
		t.Fatalf("expected 2 networks, got %d: %+v", len(list), list)
	}

	rec = doRequest(t, s, "DELETE", "/v1/networks/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPingAndVersion(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, "GET", "/_ping", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("ping = %d %q", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, "GET", "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("version status = %d", rec.Code)
	}
	var v map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode version response: %v", err)
	}
	if v["ApiVersion"] != "1.51" {
		t.Fatalf("ApiVersion = %v, want 1.51", v["ApiVersion"])
	}
}
