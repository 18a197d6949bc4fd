package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer dials a TCP endpoint with a connect timeout.
type TCPDialer struct {
	Host           string
	Port           uint16
	ConnectTimeout time.Duration
	IOTimeout      time.Duration // default per-op deadline when ctx has none
}

// Dial opens the connection.
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	c, err := nd.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", d.Host, d.Port))
	if err != nil {
		return nil, &Error{Op: "dial " + d.Host, Cause: err}
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	ioTimeout := d.IOTimeout
	if ioTimeout == 0 {
		ioTimeout = 5 * time.Second
	}
	return &tcpConn{conn: c, ioTimeout: ioTimeout}, nil
}

type tcpConn struct {
	conn      net.Conn
	ioTimeout time.Duration
}

func (c *tcpConn) Read(ctx context.Context, buf []byte) (int, error) {
	if err := c.conn.SetReadDeadline(deadlineFrom(ctx, c.ioTimeout)); err != nil {
		return 0, &Error{Op: "set read deadline", Cause: err}
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, context.DeadlineExceeded
		}
		return n, &Error{Op: "read", Cause: err}
	}
	return n, nil
}

func (c *tcpConn) Write(ctx context.Context, buf []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(deadlineFrom(ctx, c.ioTimeout)); err != nil {
		return 0, &Error{Op: "set write deadline", Cause: err}
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, context.DeadlineExceeded
		}
		return n, &Error{Op: "write", Cause: err}
	}
	return n, nil
}

func (c *tcpConn) Close() error { return c.conn.Close() }
