package rtdb

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// CHANGE EVENT
// =============================================================================

// ChangeEvent is the published notification of a point value transition.
// It is emitted on the per-point channel returned by PointChannel.
type ChangeEvent struct {
	ChannelID uint16  `json:"channel_id"`
	PointType string  `json:"point_type"` // short code: m/s/c/a
	PointID   uint32  `json:"point_id"`
	Value     float64 `json:"value"` // booleans lifted to 0/1
	Timestamp int64   `json:"timestamp"` // ms since epoch, monotonic per channel
	Version   string  `json:"version"`
}

// NewChangeEvent builds an event for one point update.
func NewChangeEvent(channelID uint16, kind PointKind, pointID uint32, value Value, ts int64, version string) ChangeEvent {
	return ChangeEvent{
		ChannelID: channelID,
		PointType: kind.Short(),
		PointID:   pointID,
		Value:     value.AsFloat(),
		Timestamp: ts,
		Version:   version,
	}
}

// Channel returns the pub/sub channel this event is published on.
func (e ChangeEvent) Channel() string {
	kind, _ := KindFromShort(e.PointType)
	return PointChannel(e.ChannelID, kind, e.PointID)
}

// Encode renders the JSON wire form.
func (e ChangeEvent) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("rtdb: encode change event: %w", err)
	}
	return string(b), nil
}

// DecodeChangeEvent parses the JSON wire form.
func DecodeChangeEvent(payload string) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return ChangeEvent{}, fmt.Errorf("rtdb: decode change event: %w", err)
	}
	return e, nil
}

// =============================================================================
// COMMAND ENVELOPE
// =============================================================================

// Command types carried in the envelope.
const (
	CommandControl    = "control"
	CommandAdjustment = "adjustment"
)

// CommandEnvelope is the JSON form external writers push onto the TODO lists
// and the cmd:{ch}:{type} channels.
type CommandEnvelope struct {
	CommandID   string          `json:"command_id"`
	ChannelID   uint16          `json:"channel_id"`
	CommandType string          `json:"command_type"`
	PointID     uint32          `json:"point_id"`
	Value       float64         `json:"value"`
	Timestamp   int64           `json:"timestamp"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Kind maps the command type to the point kind it writes.
func (c CommandEnvelope) Kind() (PointKind, error) {
	switch c.CommandType {
	case CommandControl:
		return Control, nil
	case CommandAdjustment:
		return Adjustment, nil
	}
	return "", fmt.Errorf("rtdb: unknown command type %q", c.CommandType)
}

// Validate checks the fields a consumer must not trust.
func (c CommandEnvelope) Validate() error {
	if c.CommandID == "" {
		return fmt.Errorf("rtdb: command missing command_id")
	}
	if _, err := c.Kind(); err != nil {
		return err
	}
	return nil
}

// Encode renders the JSON wire form.
func (c CommandEnvelope) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("rtdb: encode command: %w", err)
	}
	return string(b), nil
}

// DecodeCommand parses the JSON wire form.
func DecodeCommand(payload string) (CommandEnvelope, error) {
	var c CommandEnvelope
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return CommandEnvelope{}, fmt.Errorf("rtdb: decode command: %w", err)
	}
	return c, nil
}

// =============================================================================
// COMMAND STATUS
// =============================================================================

// Command execution states recorded under CommandStatusKey.
const (
	CommandPending   = "pending"
	CommandExecuting = "executing"
	CommandSuccess   = "success"
	CommandFailed    = "failed"
)

// CommandStatus is the transient per-command record requesters poll to
// correlate results. Records expire; they are not durable history.
type CommandStatus struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Encode renders the JSON form.
func (s CommandStatus) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("rtdb: encode command status: %w", err)
	}
	return string(b), nil
}

// NowMillis returns the current time in milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
