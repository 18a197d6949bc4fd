package channel

import (
	"github.com/voltgrid/voltgrid/rtdb"
)

// Command is one queued write request inside a channel.
type Command struct {
	Envelope rtdb.CommandEnvelope
	// done receives the execution result exactly once when the command was
	// submitted in-process; commands drained from the TODO lists report
	// through the command status record instead.
	done chan error
}

// Handle tracks an in-process command submission.
type Handle struct {
	ID   string
	done <-chan error
}

// Done returns the completion channel. It receives the execution result
// (nil on success) exactly once.
func (h Handle) Done() <-chan error { return h.done }

// maxCommandBurst bounds how many consecutive commands one burst runs before
// the poll loop selects again, so a busy command queue cannot starve polling.
const maxCommandBurst = 8
