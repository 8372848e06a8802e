// arcad is the arca daemon — the local control plane fronting a
// hypervisor-backed container runtime. It speaks a Docker Engine
// API-compatible surface over a Unix domain socket, while every
// "container" is actually a dedicated Linux VM reached over a host-VM
// control channel.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xfeldman/arca/internal/api"
	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/containers"
	"github.com/xfeldman/arca/internal/controlplane"
	"github.com/xfeldman/arca/internal/dnstopo"
	"github.com/xfeldman/arca/internal/framerelay"
	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/image"
	"github.com/xfeldman/arca/internal/ipam"
	"github.com/xfeldman/arca/internal/logstore"
	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/reconcile"
	"github.com/xfeldman/arca/internal/runtime"
	"github.com/xfeldman/arca/internal/statestore"
	"github.com/xfeldman/arca/internal/version"
)

// controlPlaneHelperCID is the fixed AF_VSOCK context ID the control-plane
// helper VM is reachable on once its own Cloud Hypervisor guest is up.
// Unlike the per-attachment container-side legs (reached through the
// backend's unix-socket-per-port convention), the helper VM is the one
// long-lived VM in the system and is worth addressing over a real vsock
// socket — see internal/framerelay's package doc.
const controlPlaneHelperCID = 4

// dnsForwarder breaks the construction cycle between network.Manager
// (which needs a DNSPublisher at Config time) and dnstopo.Publisher
// (which needs a *network.Manager to build its snapshots). main wires
// the real publisher in once both sides exist.
type dnsForwarder struct {
	pub *dnstopo.Publisher
}

func (f *dnsForwarder) PushSnapshot(ctx context.Context, containerID string) error {
	if f.pub == nil {
		return nil
	}
	return f.pub.PushSnapshot(ctx, containerID)
}

// helperLocator resolves the control-plane container's id on demand. It is
// wired to controlplane.Supervisor.HelperID once the supervisor exists,
// breaking the same kind of construction cycle: OverlayBackend needs a
// HelperLocator func at construction, but the Supervisor needs the
// containers.Manager the network stack is itself a dependency of.
type helperLocator struct {
	sup *controlplane.Supervisor
}

func (h *helperLocator) resolve() (string, error) {
	if h.sup == nil {
		return "", fmt.Errorf("control plane supervisor not initialized")
	}
	return h.sup.HelperID()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	if err := cfg.ResolveNetworkBackend(); err != nil {
		log.Fatalf("resolve network backend: %v", err)
	}
	cfg.ResolveBinaries()

	platform, err := config.DetectPlatform()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("arcad starting on %s/%s (backend: %s, network: %s)", platform.OS, platform.Arch, platform.Backend, cfg.NetworkBackend)

	store, err := statestore.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	defer store.Close()
	log.Printf("state store: %s", cfg.DBPath)

	wal, err := statestore.OpenExitWAL(cfg.ExitWALPath)
	if err != nil {
		log.Fatalf("open exit wal: %v", err)
	}
	log.Printf("exit wal: %s", cfg.ExitWALPath)

	ids := idregistry.New()

	rt := runtime.NewCloudHypervisorBackend(cfg.CloudHypervisorBin, cfg.VirtiofsdBin, cfg.KernelPath, cfg.DataDir+"/run")

	relays := framerelay.NewManager(rt, controlPlaneHelperCID)

	ipamMgr := ipam.NewManager()

	images := image.NewResolver()

	logs := logstore.NewStore(cfg.LogsDir)

	locator := &helperLocator{}
	overlayDriver := network.NewOverlayBackend(rt, relays, locator.resolve)
	nativeDriver := network.NewNativeBackend()

	dns := &dnsForwarder{}

	netMgr := network.NewManager(network.Config{
		Store: store,
		IDs:   ids,
		IPAM:  ipamMgr,
		Drivers: map[string]network.Driver{
			"overlay": overlayDriver,
			"native":  nativeDriver,
		},
		DNS:    dns,
		NameOf: ids.NameOf,
	})

	dnsPub := dnstopo.NewPublisher(rt, netMgr)
	dns.pub = dnsPub

	cm := containers.NewManager(containers.Config{
		Store:   store,
		IDs:     ids,
		Runtime: rt,
		Network: netMgr,
		Images:  images,
		DNS:     dns,
		WAL:     wal,
		Cfg:     cfg,
		Logs:    logs,
	})

	supervisor := controlplane.NewSupervisor(cm, rt, cfg)
	locator.sup = supervisor

	server := api.NewServer(cfg, cm, netMgr, ids, supervisor)

	ctx, cancelStartup := context.WithTimeout(context.Background(), 60*time.Second)
	r := &reconcile.Reconciler{
		Store:               store,
		WAL:                 wal,
		IDs:                 ids,
		Containers:          cm,
		Network:             netMgr,
		ControlPlane:        supervisor,
		MaxOnFailureRetries: 3,
	}
	if err := r.Run(ctx); err != nil {
		cancelStartup()
		log.Fatalf("startup reconciliation: %v", err)
	}
	cancelStartup()

	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	pidPath := cfg.DataDir + "/arcad.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("arcad ready (pid %d, version %s, socket %s)", os.Getpid(), version.Version(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ContainerManager.Shutdown blocks for outstanding exit monitors
	// within the same 5s budget (spec §5) before the HTTP server and
	// socket are torn down.
	cm.Shutdown()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	os.Remove(cfg.SocketPath)
	log.Println("arcad stopped")
}
