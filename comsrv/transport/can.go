//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// CANFrame is one classic CAN frame. Extended ids carry up to 29 bits.
type CANFrame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [8]byte
}

// CANConn is a frame-oriented endpoint; CAN is not a byte stream.
type CANConn interface {
	ReadFrame(ctx context.Context) (CANFrame, error)
	WriteFrame(ctx context.Context, f CANFrame) error
	Close() error
}

// CANDialer binds a raw SocketCAN socket to a named interface.
type CANDialer struct {
	Interface string
	IOTimeout time.Duration
}

const canEFFFlag = 0x80000000

// Dial opens and binds the socket.
func (d *CANDialer) Dial(ctx context.Context) (CANConn, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, &Error{Op: "socket", Cause: err}
	}
	ifi, err := interfaceIndex(fd, d.Interface)
	if err != nil {
		unix.Close(fd)
		return nil, &Error{Op: "ifindex " + d.Interface, Cause: err}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi}); err != nil {
		unix.Close(fd)
		return nil, &Error{Op: "bind " + d.Interface, Cause: err}
	}
	timeout := d.IOTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	return &canConn{fd: fd, ioTimeout: timeout}, nil
}

func interfaceIndex(fd int, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("no interface name")
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, err
	}
	return int(ifr.Uint32()), nil
}

type canConn struct {
	fd        int
	ioTimeout time.Duration
}

// can_frame is 16 bytes: id(4) len(1) pad(3) data(8), host byte order for
// the id word.
const canFrameSize = 16

func (c *canConn) ReadFrame(ctx context.Context) (CANFrame, error) {
	if err := c.setTimeout(ctx, unix.SO_RCVTIMEO); err != nil {
		return CANFrame{}, err
	}
	buf := make([]byte, canFrameSize)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return CANFrame{}, context.DeadlineExceeded
		}
		return CANFrame{}, &Error{Op: "read", Cause: err}
	}
	if n < canFrameSize {
		return CANFrame{}, &Error{Op: "read", Cause: fmt.Errorf("short frame: %d bytes", n)}
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	f := CANFrame{
		Extended: id&canEFFFlag != 0,
		Len:      buf[4],
	}
	if f.Extended {
		f.ID = id & 0x1FFFFFFF
	} else {
		f.ID = id & 0x7FF
	}
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], buf[8:8+f.Len])
	return f, nil
}

func (c *canConn) WriteFrame(ctx context.Context, f CANFrame) error {
	if err := c.setTimeout(ctx, unix.SO_SNDTIMEO); err != nil {
		return err
	}
	buf := make([]byte, canFrameSize)
	id := f.ID
	if f.Extended {
		id = (id & 0x1FFFFFFF) | canEFFFlag
	} else {
		id &= 0x7FF
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	if f.Len > 8 {
		f.Len = 8
	}
	buf[4] = f.Len
	copy(buf[8:], f.Data[:f.Len])
	if _, err := unix.Write(c.fd, buf); err != nil {
		return &Error{Op: "write", Cause: err}
	}
	return nil
}

func (c *canConn) setTimeout(ctx context.Context, opt int) error {
	d := c.ioTimeout
	if dl, ok := ctx.Deadline(); ok {
		d = time.Until(dl)
		if d <= 0 {
			return context.DeadlineExceeded
		}
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, opt, &tv); err != nil {
		return &Error{Op: "set timeout", Cause: err}
	}
	return nil
}

func (c *canConn) Close() error { return unix.Close(c.fd) }
