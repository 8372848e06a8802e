// Package framerelay implements the L2 frame relay that carries Ethernet
// frames between a container's in-guest tap device and the helper VM's
// bridge, both reached over vsock (spec §4.5). Unlike the host-native
// backend, the overlay backend never touches a host bridge directly — every
// frame crosses two vsock hops relayed verbatim by this package.
package framerelay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	maxFrameBytes = 65536

	// activeWindow is how recently traffic must have moved for the fast
	// backoff tier to apply.
	activeWindow  = 10 * time.Millisecond
	backoffActive = 100 * time.Microsecond
	backoffIdle   = 1 * time.Millisecond

	writeDeadline = 50 * time.Millisecond
	maxTightLoops = 64
)

// Relay pumps length-prefixed Ethernet frames in both directions between a
// container-side vsock connection and a helper-VM-side vsock connection
// until either side closes or the relay is stopped.
type Relay struct {
	// id is a purely in-memory correlation id for log lines — it is
	// never persisted, so it carries none of the 64-hex container/network
	// ID formatting constraints.
	id          string
	containerID string
	networkID   string

	container net.Conn
	helper    net.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay starts relaying frames between the two connections. Both
// connections must already be open; Relay takes ownership and closes them
// when Stop is called or either direction hits io.EOF.
func NewRelay(ctx context.Context, containerID, networkID string, container, helper net.Conn) *Relay {
	ctx, cancel := context.WithCancel(ctx)
	r := &Relay{
		id:          uuid.NewString(),
		containerID: containerID,
		networkID:   networkID,
		container:   container,
		helper:      helper,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go func() {
		<-ctx.Done()
		container.Close()
		helper.Close()
	}()

	go r.run(ctx)
	return r
}

// run owns one direction per goroutine so that, per spec §4.5, both
// directions make progress independently — a stall relaying
// container-to-helper frames never blocks the helper-to-container path.
func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	errs := make(chan error, 2)
	go func() { errs <- pumpFrames(ctx, r.helper, r.container) }()
	go func() { errs <- pumpFrames(ctx, r.container, r.helper) }()

	err := <-errs
	r.cancel() // one direction failing tears down the whole attachment
	<-errs

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Printf("framerelay[%s] %s/%s: %v", r.id, r.containerID, r.networkID, err)
	}
}

// Stop tears down both legs of the relay and waits for both pump
// goroutines to exit.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
}

// pumpFrames reads length-prefixed frames from src and writes them to dst
// until src is closed, ctx is cancelled, or a non-recoverable I/O error
// occurs.
func pumpFrames(ctx context.Context, src, dst net.Conn) error {
	lenBuf := make([]byte, 4)
	frameBuf := make([]byte, maxFrameBytes)
	lastTraffic := time.Now()
	tightLoops := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := io.ReadFull(src, lenBuf); err != nil {
			return err
		}
		frameLen := binary.BigEndian.Uint32(lenBuf)
		if frameLen == 0 || int(frameLen) > maxFrameBytes {
			return fmt.Errorf("frame length %d out of range", frameLen)
		}
		if _, err := io.ReadFull(src, frameBuf[:frameLen]); err != nil {
			return err
		}
		lastTraffic = time.Now()

		out := make([]byte, 4+frameLen)
		copy(out, lenBuf)
		copy(out[4:], frameBuf[:frameLen])
		if err := writeFrameBackoff(ctx, dst, out, lastTraffic, &tightLoops); err != nil {
			return err
		}
	}
}

// writeFrameBackoff writes buf in full, retrying only the unwritten
// remainder on a write-deadline timeout (standing in for non-blocking
// EAGAIN) so a partial write is never resent. Back-off is the two-tier
// scheme the spec calls for: 100us when traffic moved in the last 10ms,
// 1ms once the link has gone quiet. A hard cap on consecutive retries
// forces a longer sleep rather than spinning forever on a stalled peer.
func writeFrameBackoff(ctx context.Context, dst net.Conn, buf []byte, lastTraffic time.Time, tightLoops *int) error {
	written := 0
	for written < len(buf) {
		dst.SetWriteDeadline(time.Now().Add(writeDeadline))
		n, err := dst.Write(buf[written:])
		written += n
		if err == nil {
			*tightLoops = 0
			continue
		}
		if !isTimeout(err) {
			return fmt.Errorf("write frame: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		*tightLoops++
		backoff := backoffIdle
		if time.Since(lastTraffic) < activeWindow {
			backoff = backoffActive
		}
		if *tightLoops > maxTightLoops {
			backoff = backoffIdle * 10
		}
		time.Sleep(backoff)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
