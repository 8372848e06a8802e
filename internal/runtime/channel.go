package runtime

import (
	"bufio"
	"context"
	"net"
	"time"
)

// NetControlChannel implements ControlChannel over any net.Conn — a unix
// socket dialed for the guest's vsock control port, or a raw vsock stream.
//
// Framing: newline-delimited JSON, one object per Send/Recv.
type NetControlChannel struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func NewNetControlChannel(conn net.Conn) *NetControlChannel {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &NetControlChannel{
		conn:    conn,
		scanner: scanner,
	}
}

func (c *NetControlChannel) Send(ctx context.Context, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *NetControlChannel) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	if c.scanner.Scan() {
		line := c.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (c *NetControlChannel) Close() error {
	return c.conn.Close()
}
