// Package containers implements the ContainerManager: the authoritative
// in-memory state machine for every container (including the helper VM),
// backed by StateStore for persistence and runtime.Runtime for the actual
// VM objects.
package containers

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/logstore"
	"github.com/xfeldman/arca/internal/mounts"
	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/runtime"
	"github.com/xfeldman/arca/internal/statestore"
)

// Spec describes a container to create, the host-facing equivalent of
// spec's "image reference, configured command, env, labels, host config".
type Spec struct {
	Name          string
	Image         string
	Command       []string
	Env           map[string]string
	Labels        map[string]string
	Binds         []string
	RestartPolicy string
	NetworkMode   string
	MemoryMB      int
	VCPUs         int
}

// tracked is a container's in-memory bookkeeping. record is the canonical
// mutable view, guarded by mu; store writes are made outside mu, after
// the in-memory record has been updated, so no lock is held across I/O.
type tracked struct {
	mu            sync.Mutex
	record        *statestore.Container
	handle        runtime.Handle
	hasHandle     bool
	stoppedByUser bool
	monitorDone   chan struct{}
}

// imageChecker is the narrow slice of image.Resolver the manager needs,
// kept as an interface so tests can stub image existence without hitting
// a real registry.
type imageChecker interface {
	RequireExists(ctx context.Context, imageRef string) error
}

// Manager is the ContainerManager (spec §4.1).
type Manager struct {
	mu         sync.Mutex
	containers map[string]*tracked

	store  *statestore.DB
	ids    *idregistry.Registry
	rt     runtime.Runtime
	net    *network.Manager
	images imageChecker
	dns    network.DNSPublisher
	wal    *statestore.ExitWAL
	cfg    *config.Config
	logs   *logstore.Store

	maxOnFailureRetries int

	wg sync.WaitGroup
}

// Config wires a Manager's dependencies.
type Config struct {
	Store               *statestore.DB
	IDs                 *idregistry.Registry
	Runtime             runtime.Runtime
	Network             *network.Manager
	Images              imageChecker
	DNS                 network.DNSPublisher
	WAL                 *statestore.ExitWAL
	Cfg                 *config.Config
	Logs                *logstore.Store
	MaxOnFailureRetries int
}

func NewManager(cfg Config) *Manager {
	max := cfg.MaxOnFailureRetries
	if max <= 0 {
		max = 3
	}
	return &Manager{
		containers:          make(map[string]*tracked),
		store:               cfg.Store,
		ids:                 cfg.IDs,
		rt:                  cfg.Runtime,
		net:                 cfg.Network,
		images:              cfg.Images,
		dns:                 cfg.DNS,
		wal:                 cfg.WAL,
		cfg:                 cfg.Cfg,
		logs:                cfg.Logs,
		maxOnFailureRetries: max,
	}
}

// logSystem appends a SourceSystem log line for a container, a no-op when
// no logstore is wired (e.g. in tests that don't exercise the Logs
// operation).
func (m *Manager) logSystem(id, line string) {
	if m.logs == nil {
		return
	}
	m.logs.GetOrCreate(id, "", "").Append("", line, "", logstore.SourceSystem)
}

// Logs returns the wired logstore, or nil if none was configured.
func (m *Manager) Logs() *logstore.Store { return m.logs }

func isReserved(c *statestore.Container) bool { return c.Internal() }

// Create validates the image, allocates an id, composes the VM
// configuration, and persists the container record.
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("%w: image is required", dockererr.InvalidArgument)
	}
	if err := m.images.RequireExists(ctx, spec.Image); err != nil {
		return "", err
	}

	bindSpecs, err := mounts.ParseAll(spec.Binds)
	if err != nil {
		return "", err
	}
	if _, err := mounts.Resolve(bindSpecs); err != nil {
		return "", err
	}

	id, err := idregistry.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate container id: %w", err)
	}

	name := spec.Name
	if name == "" {
		name = "container_" + idregistry.ShortID(id)
	}
	if err := m.ids.Register(id, name); err != nil {
		return "", err
	}

	restartPolicy := spec.RestartPolicy
	if restartPolicy == "" {
		restartPolicy = "no"
	}
	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = "default"
	}
	memoryMB := spec.MemoryMB
	if memoryMB == 0 {
		memoryMB = m.cfg.DefaultMemoryMB
	}
	vcpus := spec.VCPUs
	if vcpus == 0 {
		vcpus = m.cfg.DefaultVCPUs
	}

	rec := &statestore.Container{
		ID:            id,
		Name:          name,
		Image:         spec.Image,
		Command:       spec.Command,
		Env:           spec.Env,
		Labels:        spec.Labels,
		Binds:         spec.Binds,
		RestartPolicy: restartPolicy,
		NetworkMode:   networkMode,
		Phase:         "created",
		MemoryMB:      memoryMB,
		VCPUs:         vcpus,
		CreatedAt:     time.Now(),
	}
	if err := m.store.SaveContainer(rec); err != nil {
		m.ids.Unregister(id)
		return "", fmt.Errorf("persist container: %w", err)
	}

	m.mu.Lock()
	m.containers[id] = &tracked{record: rec}
	m.mu.Unlock()

	log.Printf("container %s: created (name=%s image=%s)", idregistry.ShortID(id), name, spec.Image)
	m.logSystem(id, fmt.Sprintf("created (image=%s)", spec.Image))
	return id, nil
}

// Start resolves idOrName, boots (or rebuilds and boots) the VM, attaches
// networks per the container's network mode, and starts the background
// exit monitor. Starting an already-running container is a no-op.
func (m *Manager) Start(ctx context.Context, idOrName string) error {
	id, err := m.resolve(idOrName)
	if err != nil {
		return err
	}
	tc := m.get(id)
	if tc == nil {
		return fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}

	tc.mu.Lock()
	if tc.record.Phase == "running" {
		tc.mu.Unlock()
		return nil
	}
	rec := tc.record
	tc.mu.Unlock()

	vmCfg, err := m.composeVMConfig(rec)
	if err != nil {
		return err
	}

	handle, err := m.rt.Create(ctx, id, vmCfg)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	if _, err := m.rt.Start(ctx, handle); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}

	tc.mu.Lock()
	tc.handle = handle
	tc.hasHandle = true
	tc.stoppedByUser = false
	tc.record.Phase = "running"
	tc.record.ExitCode = nil
	tc.monitorDone = make(chan struct{})
	tc.mu.Unlock()

	if err := m.store.UpdatePhase(id, "running", nil, false); err != nil {
		log.Printf("container %s: persist running phase: %v", idregistry.ShortID(id), err)
	}

	m.wg.Add(1)
	go m.monitorExit(id, handle)

	if err := m.autoAttachNetworks(ctx, id, rec.NetworkMode); err != nil {
		log.Printf("container %s: network auto-attach failed: %v", idregistry.ShortID(id), err)
	}
	if m.dns != nil {
		if err := m.dns.PushSnapshot(ctx, id); err != nil {
			log.Printf("container %s: dns push on start failed: %v", idregistry.ShortID(id), err)
		}
	}

	log.Printf("container %s: started", idregistry.ShortID(id))
	m.logSystem(id, "started")
	return nil
}

func (m *Manager) composeVMConfig(rec *statestore.Container) (runtime.VMConfig, error) {
	specs, err := mounts.ParseAll(rec.Binds)
	if err != nil {
		return runtime.VMConfig{}, err
	}
	mountSpecs, err := mounts.Resolve(specs)
	if err != nil {
		return runtime.VMConfig{}, err
	}
	return runtime.VMConfig{
		RootfsPath: rootfsPath(m.cfg, rec.Image),
		MemoryMB:   rec.MemoryMB,
		VCPUs:      rec.VCPUs,
		Command:    rec.Command,
		Env:        rec.Env,
		Mounts:     mountSpecs,
	}, nil
}

// rootfsPath derives the on-disk rootfs image path for an image reference.
// Building and pulling images is out of scope (spec §1); this assumes the
// image tooling referenced by interface only has already materialized the
// rootfs at this deterministic location.
func rootfsPath(cfg *config.Config, imageRef string) string {
	sanitized := strings.NewReplacer("/", "_", ":", "_").Replace(imageRef)
	return filepath.Join(cfg.DataDir, "images", sanitized+".img")
}

// autoAttachNetworks implements spec §4.1's network-mode auto-attachment:
// skip for "none", attach to the default bridge for "default"/"bridge",
// otherwise the named network. A container with existing attachments
// (the restart-after-crash case) is left alone.
func (m *Manager) autoAttachNetworks(ctx context.Context, id, networkMode string) error {
	if networkMode == "none" {
		return nil
	}
	existing, err := m.net.NetworksForContainer(id)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	var target *statestore.Network
	if networkMode == "default" || networkMode == "bridge" {
		target, err = m.store.GetNetworkByName(network.DefaultNetworkName)
	} else {
		target, err = m.store.GetNetworkByName(networkMode)
		if target == nil && err == nil {
			target, err = m.store.GetNetwork(networkMode)
		}
	}
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: network %s", dockererr.NotFound, networkMode)
	}

	_, err = m.net.ConnectAtCreate(ctx, id, target.ID, "")
	return err
}

// Stop sends a graceful stop, escalating to a forcible kill on timeout,
// and flags stoppedByUser so the background monitor's commit reflects a
// user-initiated stop rather than a crash.
func (m *Manager) Stop(ctx context.Context, idOrName string, timeoutSec int) error {
	id, err := m.resolve(idOrName)
	if err != nil {
		return err
	}
	tc := m.get(id)
	if tc == nil {
		return fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}

	tc.mu.Lock()
	if isReserved(tc.record) {
		tc.mu.Unlock()
		return fmt.Errorf("%w: container %s is reserved", dockererr.OperationNotPermitted, idOrName)
	}
	if tc.record.Phase != "running" {
		tc.mu.Unlock()
		return fmt.Errorf("%w: container %s is not running", dockererr.InvalidState, idOrName)
	}
	tc.stoppedByUser = true
	handle := tc.handle
	done := tc.monitorDone
	tc.mu.Unlock()

	if timeoutSec < 0 {
		timeoutSec = 0
	}

	if err := m.rt.Stop(ctx, handle, timeoutSec); err != nil {
		log.Printf("container %s: graceful stop failed, escalating: %v", idregistry.ShortID(id), err)
		if sigErr := m.rt.Signal(ctx, handle, 9); sigErr != nil {
			log.Printf("container %s: force kill failed: %v", idregistry.ShortID(id), sigErr)
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Kill delivers a signal to the container's PID 1 without flagging
// stoppedByUser; the exit monitor records whatever phase change follows.
func (m *Manager) Kill(ctx context.Context, idOrName, signal string) error {
	id, err := m.resolve(idOrName)
	if err != nil {
		return err
	}
	tc := m.get(id)
	if tc == nil {
		return fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}

	tc.mu.Lock()
	if isReserved(tc.record) {
		tc.mu.Unlock()
		return fmt.Errorf("%w: container %s is reserved", dockererr.OperationNotPermitted, idOrName)
	}
	if tc.record.Phase != "running" {
		tc.mu.Unlock()
		return fmt.Errorf("%w: container %s is not running", dockererr.InvalidState, idOrName)
	}
	handle := tc.handle
	tc.mu.Unlock()

	sig, err := parseSignal(signal)
	if err != nil {
		return err
	}
	return m.rt.Signal(ctx, handle, sig)
}

// Remove stops (if running and force) and deletes a container, rejecting
// reserved containers with OperationNotPermitted.
func (m *Manager) Remove(ctx context.Context, idOrName string, force, removeVolumes bool) error {
	id, err := m.resolve(idOrName)
	if err != nil {
		return err
	}
	tc := m.get(id)
	if tc == nil {
		return fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}

	tc.mu.Lock()
	reserved := isReserved(tc.record)
	running := tc.record.Phase == "running"
	handle := tc.handle
	hasHandle := tc.hasHandle
	tc.mu.Unlock()

	if reserved {
		return fmt.Errorf("%w: container %s is reserved", dockererr.OperationNotPermitted, idOrName)
	}
	if running && !force {
		return fmt.Errorf("%w: container %s is running", dockererr.Conflict, idOrName)
	}
	if running {
		if err := m.Stop(ctx, id, 0); err != nil {
			log.Printf("container %s: stop-before-remove failed: %v", idregistry.ShortID(id), err)
		}
	}

	if networkIDs, err := m.net.NetworksForContainer(id); err == nil {
		for _, networkID := range networkIDs {
			if err := m.net.Disconnect(ctx, id, networkID, true); err != nil {
				log.Printf("container %s: disconnect from %s on remove: %v", idregistry.ShortID(id), networkID, err)
			}
		}
	}

	if hasHandle {
		if err := m.rt.Remove(ctx, handle); err != nil {
			log.Printf("container %s: runtime remove: %v", idregistry.ShortID(id), err)
		}
	}
	if err := m.store.DeleteContainer(id); err != nil {
		return fmt.Errorf("delete container record: %w", err)
	}
	m.ids.Unregister(id)

	m.mu.Lock()
	delete(m.containers, id)
	m.mu.Unlock()

	log.Printf("container %s: removed", idregistry.ShortID(id))
	m.logSystem(id, "removed")
	return nil
}

// Wait blocks until the container reaches phase=exited and returns its
// exit code.
func (m *Manager) Wait(ctx context.Context, idOrName string) (int, error) {
	id, err := m.resolve(idOrName)
	if err != nil {
		return 0, err
	}
	tc := m.get(id)
	if tc == nil {
		return 0, fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}

	for {
		tc.mu.Lock()
		if tc.record.Phase == "exited" && tc.record.ExitCode != nil {
			code := *tc.record.ExitCode
			tc.mu.Unlock()
			return code, nil
		}
		done := tc.monitorDone
		tc.mu.Unlock()

		if done == nil {
			return 0, fmt.Errorf("%w: container %s is not running", dockererr.InvalidState, idOrName)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Inspect returns a snapshot of a container's current record.
func (m *Manager) Inspect(idOrName string) (*statestore.Container, error) {
	id, err := m.resolve(idOrName)
	if err != nil {
		return nil, err
	}
	tc := m.get(id)
	if tc == nil {
		return nil, fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	cp := *tc.record
	return &cp, nil
}

// List returns every container, hiding reserved ones unless filters
// explicitly asks for "internal=true" (spec §9 OQ-ii: filters never
// change ordering or hidden-by-default semantics beyond this one case).
func (m *Manager) List(filters map[string][]string) []*statestore.Container {
	showInternal := false
	for _, v := range filters["label"] {
		if v == "internal=true" {
			showInternal = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*statestore.Container, 0, len(m.containers))
	for _, tc := range m.containers {
		tc.mu.Lock()
		if isReserved(tc.record) && !showInternal {
			tc.mu.Unlock()
			continue
		}
		cp := *tc.record
		tc.mu.Unlock()
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AttachNetwork connects a running container to a network.
func (m *Manager) AttachNetwork(ctx context.Context, idOrName, networkID, preferredIP string) (*statestore.Attachment, error) {
	id, err := m.resolve(idOrName)
	if err != nil {
		return nil, err
	}
	tc := m.get(id)
	if tc == nil {
		return nil, fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}
	tc.mu.Lock()
	running := tc.record.Phase == "running"
	tc.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("%w: container %s is not running", dockererr.InvalidState, idOrName)
	}
	return m.net.Connect(ctx, id, networkID, preferredIP)
}

// DetachNetwork disconnects a container from a network.
func (m *Manager) DetachNetwork(ctx context.Context, idOrName, networkID string, force bool) error {
	id, err := m.resolve(idOrName)
	if err != nil {
		return err
	}
	return m.net.Disconnect(ctx, id, networkID, force)
}

// Exec runs argv inside the container and returns its control channel.
func (m *Manager) Exec(ctx context.Context, idOrName string, argv []string, env map[string]string) (runtime.ControlChannel, error) {
	id, err := m.resolve(idOrName)
	if err != nil {
		return nil, err
	}
	tc := m.get(id)
	if tc == nil {
		return nil, fmt.Errorf("%w: container %s", dockererr.NotFound, idOrName)
	}
	tc.mu.Lock()
	running := tc.record.Phase == "running"
	handle := tc.handle
	tc.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("%w: container %s is not running", dockererr.InvalidState, idOrName)
	}
	ch, err := m.rt.Exec(ctx, handle, argv, env)
	if err != nil {
		return nil, err
	}
	if m.logs != nil {
		m.logs.GetOrCreate(id, "", "").Append("exec", strings.Join(argv, " "), "", logstore.SourceExec)
	}
	return ch, nil
}

// monitorExit awaits the VM's exit and commits the WAL->DB->DNS sequence
// spec §4.1 requires, then signals anyone blocked in Wait.
func (m *Manager) monitorExit(id string, handle runtime.Handle) {
	defer m.wg.Done()

	exitCode, err := m.rt.Wait(context.Background(), handle)
	if err != nil {
		log.Printf("container %s: wait failed: %v", idregistry.ShortID(id), err)
		exitCode = -1
	}

	if err := m.wal.Append(statestore.ExitWALRecord{
		ContainerID: id,
		ExitCode:    exitCode,
		TimestampNs: time.Now().UnixNano(),
	}); err != nil {
		log.Printf("container %s: exit wal append: %v", idregistry.ShortID(id), err)
	}

	tc := m.get(id)
	stoppedByUser := false
	var done chan struct{}
	if tc != nil {
		tc.mu.Lock()
		stoppedByUser = tc.stoppedByUser
		tc.record.Phase = "exited"
		tc.record.ExitCode = &exitCode
		tc.record.StoppedByUser = stoppedByUser
		done = tc.monitorDone
		tc.mu.Unlock()
	}

	if err := m.store.UpdatePhase(id, "exited", &exitCode, stoppedByUser); err != nil {
		log.Printf("container %s: persist exit: %v", idregistry.ShortID(id), err)
	}

	ctx := context.Background()
	if networkIDs, err := m.net.NetworksForContainer(id); err == nil {
		for _, networkID := range networkIDs {
			members, err := m.net.Snapshot(networkID, id)
			if err != nil {
				continue
			}
			for _, mem := range members {
				if m.dns == nil {
					continue
				}
				if err := m.dns.PushSnapshot(ctx, mem.ContainerID); err != nil {
					log.Printf("container %s: dns push to peer %s failed: %v", idregistry.ShortID(id), mem.ContainerID, err)
				}
			}
		}
	}

	log.Printf("container %s: exited code=%d stoppedByUser=%v", idregistry.ShortID(id), exitCode, stoppedByUser)
	m.logSystem(id, fmt.Sprintf("exited code=%d", exitCode))
	if done != nil {
		close(done)
	}
}

// Shutdown waits up to 5 seconds for outstanding exit monitors (spec §4.1
// graceful shutdown), then returns regardless. Containers that remain
// running are recovered as crashed on next startup.
func (m *Manager) Shutdown() {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("containers: shutdown timed out waiting for exit monitors")
	}
}

func (m *Manager) resolve(idOrName string) (string, error) {
	return m.ids.Resolve(idOrName)
}

func (m *Manager) get(id string) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[id]
}

// LoadFromStore rebuilds the in-memory index from persisted records, used
// by the Reconciler at startup (spec §4.9 step 3).
func (m *Manager) LoadFromStore() ([]*statestore.Container, error) {
	recs, err := m.store.ListContainers()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for _, rec := range recs {
		m.containers[rec.ID] = &tracked{record: rec}
	}
	m.mu.Unlock()
	return recs, nil
}

// MarkCrashed force-sets a container's persisted and in-memory phase to
// exited/137, used only by the Reconciler for containers found running at
// a previous daemon's exit.
func (m *Manager) MarkCrashed(id string) error {
	const crashExitCode = 137
	code := crashExitCode
	if err := m.store.UpdatePhase(id, "exited", &code, false); err != nil {
		return err
	}
	tc := m.get(id)
	if tc != nil {
		tc.mu.Lock()
		tc.record.Phase = "exited"
		c := crashExitCode
		tc.record.ExitCode = &c
		tc.record.StoppedByUser = false
		tc.mu.Unlock()
	}
	return nil
}

// parseSignal accepts a signal name ("SIGKILL", "KILL", "TERM") or a
// numeric string, defaulting to SIGKILL (9) when empty.
func parseSignal(s string) (int, error) {
	if s == "" {
		return 9, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	name := strings.ToUpper(strings.TrimPrefix(s, "SIG"))
	switch name {
	case "KILL":
		return 9, nil
	case "TERM":
		return 15, nil
	case "INT":
		return 2, nil
	case "HUP":
		return 1, nil
	case "QUIT":
		return 3, nil
	case "USR1":
		return 10, nil
	case "USR2":
		return 12, nil
	default:
		return 0, fmt.Errorf("%w: unknown signal %q", dockererr.InvalidArgument, s)
	}
}
