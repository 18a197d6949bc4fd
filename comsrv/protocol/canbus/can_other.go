//go:build !linux

package canbus

import (
	"context"
	"errors"

	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/logging"
)

// New returns a driver whose dialer always fails: SocketCAN is only
// available on Linux. The channel surfaces the error through its normal
// reconnect path.
func New(params protocol.Params, log logging.Logger) *Driver {
	return NewWithDialer(params, unsupportedDialer{}, log)
}

type unsupportedDialer struct{}

func (unsupportedDialer) Dial(ctx context.Context) (FrameConn, error) {
	return nil, errors.New("canbus: socketcan requires linux")
}
