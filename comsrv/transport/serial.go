package transport

import (
	"context"
	"time"

	"github.com/goburrow/serial"
)

// SerialDialer opens a serial port for Modbus RTU. The port's receive
// timeout doubles as the inter-frame silence detector: a read returning on
// timeout with partial data marks a frame boundary.
type SerialDialer struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E", "O"
	Timeout  time.Duration
}

// Dial opens the port.
func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	cfg := serial.Config{
		Address:  d.Device,
		BaudRate: d.BaudRate,
		DataBits: d.DataBits,
		StopBits: d.StopBits,
		Parity:   d.Parity,
		Timeout:  d.Timeout,
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	port, err := serial.Open(&cfg)
	if err != nil {
		return nil, &Error{Op: "open " + d.Device, Cause: err}
	}
	return &serialConn{port: port}, nil
}

// serialConn runs the blocking port I/O on a worker goroutine so reads and
// writes stay cancellable; the port's own timeout bounds each blocking call.
type serialConn struct {
	port serial.Port
}

type ioResult struct {
	n   int
	err error
}

func (c *serialConn) Read(ctx context.Context, buf []byte) (int, error) {
	done := make(chan ioResult, 1)
	go func() {
		n, err := c.port.Read(buf)
		done <- ioResult{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if r.err == serial.ErrTimeout {
				return r.n, context.DeadlineExceeded
			}
			return r.n, &Error{Op: "read", Cause: r.err}
		}
		return r.n, nil
	}
}

func (c *serialConn) Write(ctx context.Context, buf []byte) (int, error) {
	done := make(chan ioResult, 1)
	go func() {
		n, err := c.port.Write(buf)
		done <- ioResult{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.n, &Error{Op: "write", Cause: r.err}
		}
		return r.n, nil
	}
}

func (c *serialConn) Close() error { return c.port.Close() }
