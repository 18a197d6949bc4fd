package rtdb

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voltgrid/voltgrid/logging"
)

// =============================================================================
// WARNING PAYLOADS
// =============================================================================

// QueueOverflowWarning reports a command queue or event buffer overflow.
type QueueOverflowWarning struct {
	Service     string `json:"service"`
	ChannelID   uint16 `json:"channel_id"`
	PointType   string `json:"point_type"`
	QueueLength int    `json:"queue_length"`
	Timestamp   int64  `json:"timestamp"`
	Severity    string `json:"severity"`
}

// UnmappedPointsWarning reports instance mappings that reference points no
// longer present in any channel point table.
type UnmappedPointsWarning struct {
	Service       string `json:"service"`
	ChannelID     uint16 `json:"channel_id"`
	TelemetryType string `json:"telemetry_type"`
	UnmappedCount uint32 `json:"unmapped_count"`
	RoutedCount   uint32 `json:"routed_count"`
	Timestamp     int64  `json:"timestamp"`
	Severity      string `json:"severity"`
}

// PublishWarning serializes the payload onto a warning channel. Warnings are
// advisory; failures are the caller's to log, never to propagate.
func PublishWarning(ctx context.Context, client Client, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, string(b))
}

// =============================================================================
// WARNING MONITOR
// =============================================================================

// WarningStats accumulates counts per warning class.
type WarningStats struct {
	QueueOverflow  uint64
	QueueHigh      uint64
	UnmappedPoints uint64
	LastOverflow   int64
	LastUnmapped   int64
}

// WarningMonitor subscribes to the warning channels and keeps running stats.
// Services run one monitor per process; operators read the stats over the
// health endpoint.
type WarningMonitor struct {
	client Client
	log    logging.Logger

	mu    sync.RWMutex
	stats WarningStats
	sub   *Subscription
}

// NewWarningMonitor creates an idle monitor.
func NewWarningMonitor(client Client, log logging.Logger) *WarningMonitor {
	return &WarningMonitor{client: client, log: log.Bind("component", "warning_monitor")}
}

// Start subscribes and consumes until ctx is cancelled.
func (m *WarningMonitor) Start(ctx context.Context) error {
	sub, err := m.client.Subscribe(ctx, WarnQueueOverflow, WarnQueueHigh, WarnUnmappedPoints)
	if err != nil {
		return err
	}
	m.sub = sub
	go m.consume(ctx, sub)
	m.log.Info("warning_monitor_started")
	return nil
}

// Stop cancels the subscription.
func (m *WarningMonitor) Stop() {
	if m.sub != nil {
		m.sub.Close()
	}
}

// Stats returns a copy of the running counters.
func (m *WarningMonitor) Stats() WarningStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *WarningMonitor) consume(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Kind != MessageData {
				continue
			}
			m.record(msg)
		}
	}
}

func (m *WarningMonitor) record(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg.Channel {
	case WarnQueueOverflow:
		var w QueueOverflowWarning
		if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
			m.log.Warn("warning_payload_malformed", "channel", msg.Channel, "error", err.Error())
			return
		}
		m.stats.QueueOverflow++
		m.stats.LastOverflow = w.Timestamp
		m.log.Error("queue_overflow_detected",
			"service", w.Service, "channel_id", w.ChannelID, "point_type", w.PointType, "queue_length", w.QueueLength)
	case WarnQueueHigh:
		m.stats.QueueHigh++
		m.log.Warn("queue_high_watermark", "payload", msg.Payload)
	case WarnUnmappedPoints:
		var w UnmappedPointsWarning
		if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
			m.log.Warn("warning_payload_malformed", "channel", msg.Channel, "error", err.Error())
			return
		}
		m.stats.UnmappedPoints++
		m.stats.LastUnmapped = w.Timestamp
		m.log.Warn("unmapped_points_detected",
			"service", w.Service, "channel_id", w.ChannelID, "unmapped", w.UnmappedCount, "routed", w.RoutedCount)
	}
}
