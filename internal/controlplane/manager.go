// Package controlplane ensures the networking helper VM — a reserved
// container running the overlay backend's L2 switch and DHCP/DNS
// facilities — is created and running, and exposes its current container
// ID to the network package as a network.HelperLocator.
package controlplane

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xfeldman/arca/internal/config"
	"github.com/xfeldman/arca/internal/containers"
	"github.com/xfeldman/arca/internal/dockererr"
	"github.com/xfeldman/arca/internal/runtime"
)

// ReservedName is the helper VM's fixed, non-deletable container name
// (spec §6 reserved names).
const ReservedName = "arca-control-plane"

const healthMethod = "GetHealth"

// Supervisor ensures the control-plane container exists and is started,
// and answers HelperLocator queries for its current container ID.
type Supervisor struct {
	containers *containers.Manager
	rt         runtime.Runtime
	cfg        *config.Config

	mu          sync.Mutex
	containerID string
	degraded    bool

	// baseDelay/maxDelay/maxAttempts govern waitHealthy's backoff; tests
	// shrink them to keep the degraded-mode path fast.
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

func NewSupervisor(mgr *containers.Manager, rt runtime.Runtime, cfg *config.Config) *Supervisor {
	return &Supervisor{
		containers:  mgr,
		rt:          rt,
		cfg:         cfg,
		baseDelay:   50 * time.Millisecond,
		maxDelay:    3 * time.Second,
		maxAttempts: 10,
	}
}

// Ensure creates the control-plane container if it does not already exist,
// starts it, and waits (bounded, capped exponential backoff) for its
// control channel to answer GetHealth. On timeout it marks the supervisor
// degraded rather than failing startup outright — overlay-backend
// operations then fail with dockererr.ControlPlaneUnavailable until a
// later Ensure call succeeds (spec §4.9 step 5).
func (s *Supervisor) Ensure(ctx context.Context) error {
	rec, err := s.containers.Inspect(ReservedName)
	var id string
	if err != nil {
		id, err = s.containers.Create(ctx, containers.Spec{
			Name:        ReservedName,
			Image:       s.cfg.ControlPlaneImage,
			Labels:      map[string]string{"internal": "true", "role": "control-plane"},
			Binds:       []string{s.cfg.VolumesDir + "/control-plane:/var/lib/arca-control-plane"},
			NetworkMode: "none",
			RestartPolicy: "always",
		})
		if err != nil {
			return fmt.Errorf("create control-plane container: %w", err)
		}
	} else {
		id = rec.ID
	}

	if err := s.containers.Start(ctx, id); err != nil {
		return fmt.Errorf("start control-plane container: %w", err)
	}

	s.mu.Lock()
	s.containerID = id
	s.mu.Unlock()

	if err := s.waitHealthy(ctx, id); err != nil {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		log.Printf("controlplane: helper VM %s not healthy, entering degraded mode: %v", id, err)
		return fmt.Errorf("%w: %v", dockererr.ControlPlaneUnavailable, err)
	}

	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
	log.Printf("controlplane: helper VM %s healthy", id)
	return nil
}

// waitHealthy dials the control port and calls GetHealth with capped
// exponential backoff (50ms -> 3s, max 10 attempts), per spec §5.
func (s *Supervisor) waitHealthy(ctx context.Context, id string) error {
	delay := s.baseDelay

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
		}

		if err := s.callHealth(ctx, id); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("control-plane health check failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Supervisor) callHealth(ctx context.Context, id string) error {
	ch, err := s.rt.DialVsock(ctx, runtime.Handle{ID: id}, runtime.ControlPort)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer ch.Close()

	req := rpcRequest{JSONRPC: "2.0", Method: healthMethod, ID: 1}
	data, err := marshalRequest(req)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("send health request: %w", err)
	}
	raw, err := ch.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv health response: %w", err)
	}
	return checkResponse(raw)
}

// HelperID implements network.HelperLocator: the current control-plane
// container ID, or dockererr.ControlPlaneUnavailable while degraded.
func (s *Supervisor) HelperID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded || s.containerID == "" {
		return "", dockererr.ControlPlaneUnavailable
	}
	return s.containerID, nil
}
