// Package protocol defines the driver contract every field protocol
// implements, the shared channel parameters, and the per-request error
// taxonomy the channel state machine reacts to.
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Kind names a supported protocol.
type Kind string

const (
	ModbusTCP Kind = "modbus_tcp"
	ModbusRTU Kind = "modbus_rtu"
	IEC104    Kind = "iec104"
	CAN       Kind = "can"
	Virtual   Kind = "virtual"
)

// Valid reports whether k is a supported protocol kind.
func (k Kind) Valid() bool {
	switch k {
	case ModbusTCP, ModbusRTU, IEC104, CAN, Virtual:
		return true
	}
	return false
}

// Params carries the per-channel protocol parameters. One flat struct keeps
// the SQLite JSON column simple; each driver reads its own fields.
type Params struct {
	// Polling and retry budget, all protocols.
	PollingIntervalMs int `json:"polling_interval_ms,omitempty"`
	ConnectTimeoutMs  int `json:"connect_timeout_ms,omitempty"`
	RequestTimeoutMs  int `json:"request_timeout_ms,omitempty"`
	MaxRetries        int `json:"max_retries,omitempty"`
	RetryDelayMs      int `json:"retry_delay_ms,omitempty"`

	// Modbus batching.
	MaxBatchSize uint16 `json:"max_batch_size,omitempty"`
	MergeGap     uint16 `json:"merge_gap,omitempty"`

	// TCP endpoints (Modbus TCP, IEC-104).
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`

	// Serial (Modbus RTU).
	Device   string `json:"device,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty"`

	// IEC-104 session tuning.
	T1Seconds int `json:"t1_s,omitempty"` // ack timeout
	T2Seconds int `json:"t2_s,omitempty"` // ack interval; not read by the IEC-104 driver
	T3Seconds int `json:"t3_s,omitempty"` // idle test
	K         int `json:"k,omitempty"`    // unacked I-frames before S-frame
	CASize    int `json:"ca_size,omitempty"`
	IOASize   int `json:"ioa_size,omitempty"`

	// CAN.
	CANInterface string `json:"can_interface,omitempty"`
	CANFilterID  uint32 `json:"can_filter_id,omitempty"`
	CANFilterMask uint32 `json:"can_filter_mask,omitempty"`

	// Virtual.
	UpdateIntervalMs int `json:"update_interval_ms,omitempty"`
}

// PollingInterval returns the configured interval or the 1 s default.
func (p Params) PollingInterval() time.Duration {
	if p.PollingIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(p.PollingIntervalMs) * time.Millisecond
}

// ConnectTimeout returns the configured timeout or the 5 s default.
func (p Params) ConnectTimeout() time.Duration {
	if p.ConnectTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the configured timeout or the 2 s default.
func (p Params) RequestTimeout() time.Duration {
	if p.RequestTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

// RetryDelay returns the intra-request backoff or the 200 ms default.
func (p Params) RetryDelay() time.Duration {
	if p.RetryDelayMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// Retries returns the per-request retry budget, default 2.
func (p Params) Retries() int {
	if p.MaxRetries <= 0 {
		return 2
	}
	return p.MaxRetries
}

// =============================================================================
// DRIVER CONTRACT
// =============================================================================

// Sink receives decoded point values during a poll cycle.
type Sink func(kind rtdb.PointKind, pointID uint32, value rtdb.Value)

// Command is one write request handed to a driver.
type Command struct {
	ID      string
	Kind    rtdb.PointKind // Control or Adjustment
	PointID uint32
	Value   rtdb.Value
}

// Driver owns the protocol session for one channel. Drivers are not
// concurrency-safe; the owning channel task serializes all calls.
type Driver interface {
	// Connect opens the transport and performs the protocol handshake
	// (START_DT for IEC-104, interface bring-up for CAN, nothing for Modbus).
	Connect(ctx context.Context) error

	// Poll runs one polling cycle, feeding decoded values into sink.
	// A *RequestError return leaves the session usable; any other error is
	// terminal for the session.
	Poll(ctx context.Context, sink Sink) error

	// Execute performs one write command against the device.
	Execute(ctx context.Context, cmd Command) error

	// LoadPoints atomically replaces the point table. Pending batch
	// groupings are invalidated.
	LoadPoints(table *points.Table)

	// Close tears down the transport. The driver may be reconnected with
	// Connect afterwards.
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

// RequestError is a per-request failure (timeout after retries, exception
// response, missing point). The session survives it.
type RequestError struct {
	Op    string
	Cause error
}

func (e *RequestError) Error() string { return fmt.Sprintf("protocol: %s: %v", e.Op, e.Cause) }
func (e *RequestError) Unwrap() error { return e.Cause }

// SessionError is a frame-level violation (illegal frame, sequence mismatch,
// handshake refused). It terminates the session.
type SessionError struct {
	Op    string
	Cause error
}

func (e *SessionError) Error() string { return fmt.Sprintf("protocol: session: %s: %v", e.Op, e.Cause) }
func (e *SessionError) Unwrap() error { return e.Cause }
