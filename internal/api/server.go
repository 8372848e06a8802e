// Package api is the thin net/http surface in front of the core: it
// marshals requests into containers.Manager/network.Manager calls and
// core errors into Docker Engine API v1.51-shaped JSON responses. Full
// wire-schema compliance is out of scope (spec §1, §6) — handlers exist
// so the core is reachable and exercised end to end without a separate
// HTTP-shape project.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/containers"
	"github.com/xfeldman/arca/internal/controlplane"
	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/idregistry"
	"github.com/xfeldman/arca/internal/network"
	"github.com/xfeldman/arca/internal/statestore"
	"github.com/xfeldman/arca/internal/version"
)

// Server is the arcad HTTP API server.
type Server struct {
	cfg          *config.Config
	containers   *containers.Manager
	network      *network.Manager
	ids          *idregistry.Registry
	controlPlane *controlplane.Supervisor
	mux          *http.ServeMux
	server       *http.Server
	ln           net.Listener
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, cm *containers.Manager, nm *network.Manager, ids *idregistry.Registry, cp *controlplane.Supervisor) *Server {
	s := &Server{
		cfg:          cfg,
		containers:   cm,
		network:      nm,
		ids:          ids,
		controlPlane: cp,
		mux:          http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/containers", s.handleCreateContainer)
	s.mux.HandleFunc("GET /v1/containers", s.handleListContainers)
	s.mux.HandleFunc("GET /v1/containers/{id}", s.handleInspectContainer)
	s.mux.HandleFunc("POST /v1/containers/{id}/start", s.handleStartContainer)
	s.mux.HandleFunc("POST /v1/containers/{id}/stop", s.handleStopContainer)
	s.mux.HandleFunc("POST /v1/containers/{id}/kill", s.handleKillContainer)
	s.mux.HandleFunc("DELETE /v1/containers/{id}", s.handleRemoveContainer)
	s.mux.HandleFunc("POST /v1/containers/{id}/wait", s.handleWaitContainer)
	s.mux.HandleFunc("POST /v1/containers/{id}/exec", s.handleExecContainer)
	s.mux.HandleFunc("GET /v1/containers/{id}/logs", s.handleContainerLogs)
	s.mux.HandleFunc("GET /v1/containers/{id}/attach", s.handleAttachStream)
	s.mux.HandleFunc("GET /v1/containers/{id}/changes", s.handleContainerChanges)

	s.mux.HandleFunc("POST /v1/networks", s.handleCreateNetwork)
	s.mux.HandleFunc("GET /v1/networks", s.handleListNetworks)
	s.mux.HandleFunc("GET /v1/networks/{id}", s.handleInspectNetwork)
	s.mux.HandleFunc("DELETE /v1/networks/{id}", s.handleDeleteNetwork)
	s.mux.HandleFunc("POST /v1/networks/{id}/connect", s.handleConnectNetwork)
	s.mux.HandleFunc("POST /v1/networks/{id}/disconnect", s.handleDisconnectNetwork)
	s.mux.HandleFunc("POST /v1/networks/prune", s.handlePruneNetworks)

	s.mux.HandleFunc("GET /_ping", s.handlePing)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("GET /info", s.handleInfo)
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	log.Printf("arcad API listening on %s", s.cfg.SocketPath)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ---- Container operations ----

type createContainerRequest struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd"`
	Env        []string          `json:"Env"`
	Labels     map[string]string `json:"Labels"`
	HostConfig struct {
		Binds         []string `json:"Binds"`
		NetworkMode   string   `json:"NetworkMode"`
		Memory        int64    `json:"Memory"` // bytes
		NanoCpus      int64    `json:"NanoCpus"`
		RestartPolicy struct {
			Name string `json:"Name"`
		} `json:"RestartPolicy"`
	} `json:"HostConfig"`
}

func envSliceToMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	spec := containers.Spec{
		Name:          r.URL.Query().Get("name"),
		Image:         req.Image,
		Command:       req.Cmd,
		Env:           envSliceToMap(req.Env),
		Labels:        req.Labels,
		Binds:         req.HostConfig.Binds,
		RestartPolicy: req.HostConfig.RestartPolicy.Name,
		NetworkMode:   req.HostConfig.NetworkMode,
		MemoryMB:      int(req.HostConfig.Memory / (1024 * 1024)),
		VCPUs:         int(req.HostConfig.NanoCpus / 1e9),
	}

	id, err := s.containers.Create(r.Context(), spec)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"Id": id})
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	filters := parseFilters(r.URL.Query().Get("filters"))
	recs := s.containers.List(filters)
	out := make([]map[string]interface{}, 0, len(recs))
	for _, c := range recs {
		out = append(out, containerSummary(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInspectContainer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.containers.Inspect(pathParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containerInspect(rec))
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.containers.Start(r.Context(), pathParam(r, "id")); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	timeout := 10
	if t := r.URL.Query().Get("t"); t != "" {
		if n, err := strconv.Atoi(t); err == nil {
			timeout = n
		}
	}
	if err := s.containers.Stop(r.Context(), pathParam(r, "id"), timeout); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKillContainer(w http.ResponseWriter, r *http.Request) {
	signal := r.URL.Query().Get("signal")
	if err := s.containers.Kill(r.Context(), pathParam(r, "id"), signal); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"
	volumes := r.URL.Query().Get("v") == "1" || r.URL.Query().Get("v") == "true"
	if err := s.containers.Remove(r.Context(), pathParam(r, "id"), force, volumes); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWaitContainer(w http.ResponseWriter, r *http.Request) {
	code, err := s.containers.Wait(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"StatusCode": code})
}

type execRequest struct {
	Cmd []string          `json:"Cmd"`
	Env map[string]string `json:"Env,omitempty"`
}

// handleExecContainer runs argv inside the container and streams its
// control-channel output back as newline-delimited JSON frames. There is
// no separate exec/create + exec/start pairing (spec's wire-shape
// compliance is explicitly partial); a single call creates and drains one
// exec session.
func (s *Server) handleExecContainer(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(req.Cmd) == 0 {
		writeError(w, http.StatusBadRequest, "Cmd is required")
		return
	}

	ch, err := s.containers.Exec(r.Context(), pathParam(r, "id"), req.Cmd, req.Env)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	defer ch.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		data, err := ch.Recv(ctx)
		if err != nil {
			streamJSON(w, map[string]interface{}{"done": true})
			return
		}
		streamJSON(w, map[string]interface{}{"stream": "stdout", "data": string(data)})
	}
}

// handleContainerLogs streams SourceSystem lifecycle events recorded for
// a container. Real guest stdout/stderr capture would require a console
// relay the runtime.Runtime interface does not expose (spec's VMConfig
// boots a command but wires no host-visible stdio stream); this is the
// minimal wiring the core actually supports today.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := s.containers.Inspect(id); err != nil {
		writeCoreError(w, err)
		return
	}
	store := s.containers.Logs()
	if store == nil {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		return
	}

	follow := r.URL.Query().Get("follow") == "1" || r.URL.Query().Get("follow") == "true"
	tail := 0
	if t := r.URL.Query().Get("tail"); t != "" {
		fmt.Sscanf(t, "%d", &tail)
	}

	il := store.Get(id)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	if il == nil {
		return
	}

	if !follow {
		for _, e := range il.Read(time.Time{}, tail) {
			streamJSON(w, e)
		}
		return
	}

	ch, existing, unsub := il.Subscribe()
	defer unsub()
	for _, e := range existing {
		streamJSON(w, e)
	}
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			streamJSON(w, entry)
		}
	}
}

// handleAttachStream reuses the Logs feed in follow mode; the core has no
// raw-console relay distinct from Exec's per-command control channel (see
// handleContainerLogs), so this is the same skeleton wiring under a
// separate route name matching the operation table.
func (s *Server) handleAttachStream(w http.ResponseWriter, r *http.Request) {
	s.handleContainerLogs(w, r)
}

func (s *Server) handleContainerChanges(w http.ResponseWriter, r *http.Request) {
	if _, err := s.containers.Inspect(pathParam(r, "id")); err != nil {
		writeCoreError(w, err)
		return
	}
	writeCoreError(w, fmt.Errorf("%w: filesystem change tracking across the VM boundary", dockererr.Unsupported))
}

func containerSummary(c *statestore.Container) map[string]interface{} {
	return map[string]interface{}{
		"Id":      c.ID,
		"Names":   []string{"/" + c.Name},
		"Image":   c.Image,
		"Command": strings.Join(c.Command, " "),
		"State":   c.Phase,
		"Labels":  c.Labels,
		"Created": c.CreatedAt.Unix(),
	}
}

func containerInspect(c *statestore.Container) map[string]interface{} {
	state := map[string]interface{}{
		"Status":  c.Phase,
		"Running": c.Phase == "running",
	}
	if c.ExitCode != nil {
		state["ExitCode"] = *c.ExitCode
	}
	return map[string]interface{}{
		"Id":      c.ID,
		"Name":    "/" + c.Name,
		"Image":   c.Image,
		"Created": c.CreatedAt.Format(time.RFC3339Nano),
		"State":   state,
		"Config": map[string]interface{}{
			"Cmd":    c.Command,
			"Env":    c.Env,
			"Labels": c.Labels,
		},
		"HostConfig": map[string]interface{}{
			"Binds":         c.Binds,
			"NetworkMode":   c.NetworkMode,
			"RestartPolicy": map[string]string{"Name": c.RestartPolicy},
		},
	}
}

// ---- Network operations ----

type ipamConfigEntry struct {
	Subnet  string `json:"Subnet"`
	Gateway string `json:"Gateway"`
}

type createNetworkRequest struct {
	Name   string            `json:"Name"`
	Driver string            `json:"Driver"`
	Labels map[string]string `json:"Labels"`
	IPAM   struct {
		Config []ipamConfigEntry `json:"Config"`
	} `json:"IPAM"`
	Options map[string]string `json:"Options"`
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req createNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	var subnet, gateway string
	if len(req.IPAM.Config) > 0 {
		subnet = req.IPAM.Config[0].Subnet
		gateway = req.IPAM.Config[0].Gateway
	}
	n, err := s.network.CreateNetwork(r.Context(), req.Name, req.Driver, subnet, gateway, req.Options, req.Labels)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"Id": n.ID})
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := s.network.ListNetworks()
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(nets))
	for _, n := range nets {
		out = append(out, networkSummary(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolveNetworkID(ref string) (string, error) {
	return s.ids.Resolve(ref)
}

func (s *Server) handleInspectNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveNetworkID(pathParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	n, attachments, err := s.network.InspectNetwork(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	resp := networkSummary(n)
	containersOut := make(map[string]interface{}, len(attachments))
	for _, a := range attachments {
		containersOut[a.ContainerID] = map[string]interface{}{
			"IPv4Address": a.IPv4,
			"MacAddress":  a.MAC,
		}
	}
	resp["Containers"] = containersOut
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveNetworkID(pathParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if err := s.network.DeleteNetwork(r.Context(), id); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectRequest struct {
	Container string `json:"Container"`
	IPAddress string `json:"IPAddress,omitempty"`
}

func (s *Server) handleConnectNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveNetworkID(pathParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if _, err := s.containers.AttachNetwork(r.Context(), req.Container, id, req.IPAddress); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type disconnectRequest struct {
	Container string `json:"Container"`
	Force     bool   `json:"Force,omitempty"`
}

func (s *Server) handleDisconnectNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveNetworkID(pathParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.containers.DetachNetwork(r.Context(), req.Container, id, req.Force); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePruneNetworks(w http.ResponseWriter, r *http.Request) {
	removed, err := s.network.Prune(r.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"NetworksDeleted": removed})
}

func networkSummary(n *statestore.Network) map[string]interface{} {
	return map[string]interface{}{
		"Id":     n.ID,
		"Name":   n.Name,
		"Driver": n.Driver,
		"Labels": n.Labels,
		"IPAM": map[string]interface{}{
			"Config": []map[string]string{{"Subnet": n.Subnet, "Gateway": n.Gateway}},
		},
	}
}

// ---- System operations ----

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"Version":    version.Version(),
		"ApiVersion": "1.51",
		"Os":         goruntime.GOOS,
		"Arch":       goruntime.GOARCH,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	recs := s.containers.List(nil)
	running, stopped := 0, 0
	for _, c := range recs {
		if c.Phase == "running" {
			running++
		} else {
			stopped++
		}
	}
	nets, _ := s.network.ListNetworks()

	degraded := false
	if s.controlPlane != nil {
		if _, err := s.controlPlane.HelperID(); err != nil {
			degraded = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ContainersRunning":   running,
		"ContainersStopped":   stopped,
		"Networks":            len(nets),
		"NetworkBackend":      s.cfg.NetworkBackend,
		"ControlPlaneDegraded": degraded,
		"NCPU":                goruntime.NumCPU(),
		"OperatingSystem":     goruntime.GOOS,
	})
}

// ---- Shared helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeCoreError maps a dockererr-wrapped error to its Docker-style HTTP
// status and writes a {"message": ...} body, the convention every core
// error already follows (dockererr.HTTPStatus).
func writeCoreError(w http.ResponseWriter, err error) {
	writeError(w, dockererr.HTTPStatus(err), err.Error())
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// streamJSON writes one newline-delimited JSON value to a flushing writer.
func streamJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// parseFilters decodes Docker's filters=<json-encoded map[string][]string>
// query parameter, tolerating an absent or malformed value.
func parseFilters(raw string) map[string][]string {
	if raw == "" {
		return nil
	}
	var out map[string][]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
