package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voltgrid/voltgrid/logging"
)

// Server-side function names. The functions live in the bus (Redis Functions
// library "voltgrid") and are registered at service start; their semantics are
// part of the external contract:
//
//   - FnSyncChannelData: atomically applies a batch of point updates for one
//     channel+kind, routes mapped points into model hashes, and returns
//     [synced, unmapped] counts.
//   - FnEvaluateRules: runs registered rules against one change event.
//   - FnTriggerAlarm: appends an alarm trigger for the alarm recorder.
const (
	FnSyncChannelData = "sync_channel_data"
	FnEvaluateRules   = "evaluate_rules"
	FnTriggerAlarm    = "trigger_alarm"
)

// SyncUpdate is one point update inside a sync batch.
type SyncUpdate struct {
	PointID uint32  `json:"point_id"`
	Value   float64 `json:"value"`
}

// SyncStats tracks the outcome counters of the sync caller.
type SyncStats struct {
	TotalSynced   uint64 `json:"total_synced"`
	SyncSuccess   uint64 `json:"sync_success"`
	SyncFailed    uint64 `json:"sync_failed"`
	NoMapping     uint64 `json:"no_mapping"`
	LastSyncError string `json:"last_sync_error,omitempty"`
}

// SyncManager batches point updates through the sync_channel_data function.
type SyncManager struct {
	client Client
	log    logging.Logger

	mu    sync.Mutex
	stats SyncStats
}

// NewSyncManager creates a sync manager over the client.
func NewSyncManager(client Client, log logging.Logger) *SyncManager {
	return &SyncManager{client: client, log: log.Bind("component", "sync_manager")}
}

// SyncChannelData applies updates for one channel+kind through the
// server-side function. The function owns the routing table lookup, so a
// point with no model mapping counts as no_mapping, not an error.
func (m *SyncManager) SyncChannelData(ctx context.Context, channelID uint16, kind PointKind, updates []SyncUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("rtdb: encode sync batch: %w", err)
	}

	res, err := m.client.CallFunction(ctx,
		FnSyncChannelData,
		[]string{ChannelHashKey(channelID, kind)},
		[]string{fmt.Sprintf("%d", channelID), string(kind), string(payload)},
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalSynced += uint64(len(updates))
	if err != nil {
		m.stats.SyncFailed += uint64(len(updates))
		m.stats.LastSyncError = err.Error()
		return err
	}
	// Result shape: [synced, unmapped].
	if pair, ok := res.([]any); ok && len(pair) == 2 {
		if synced, ok := toUint64(pair[0]); ok {
			m.stats.SyncSuccess += synced
		}
		if unmapped, ok := toUint64(pair[1]); ok {
			m.stats.NoMapping += unmapped
		}
	} else {
		m.stats.SyncSuccess += uint64(len(updates))
	}
	return nil
}

// Stats returns a copy of the running counters.
func (m *SyncManager) Stats() SyncStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
