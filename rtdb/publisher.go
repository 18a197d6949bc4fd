package rtdb

import (
	"context"
	"sync"
	"time"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/observability"
)

// PointUpdate is one point value transition fed into the change publisher by
// the owning channel task.
type PointUpdate struct {
	ChannelID uint16
	Kind      PointKind
	PointID   uint32
	Value     Value
	Timestamp int64 // ms since epoch
}

// PublisherConfig tunes batching and backpressure.
type PublisherConfig struct {
	Enabled      bool
	BufferSize   int           // bounded buffer; overflow drops the oldest entry
	BatchSize    int           // drain when this many entries are buffered
	BatchTimeout time.Duration // or when the oldest entry is this old
	Version      string        // wire-format version stamped on every event
	Service      string        // warning attribution
}

// DefaultPublisherConfig mirrors field-tested defaults.
func DefaultPublisherConfig(service string) PublisherConfig {
	return PublisherConfig{
		Enabled:      true,
		BufferSize:   1000,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		Version:      "1.0",
		Service:      service,
	}
}

// ChangePublisher turns per-point updates into coupled hash writes and change
// events. Each flush is one pipeline, so for every event a subscriber
// receives, the corresponding hash field already holds a value at least as
// new.
//
// Updates for the same point landing in one flush window coalesce to the last
// value. When the buffer is full the oldest entry is dropped and a
// queue-overflow warning is published; dropping the oldest preserves the most
// recent view under overload.
type ChangePublisher struct {
	client  Client
	cfg     PublisherConfig
	log     logging.Logger
	idCache *PointIDCache

	mu      sync.Mutex
	buf     []PointUpdate
	oldest  time.Time
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewChangePublisher creates the publisher and starts its drain loop.
func NewChangePublisher(client Client, cfg PublisherConfig, log logging.Logger) *ChangePublisher {
	p := &ChangePublisher{
		client:  client,
		cfg:     cfg,
		log:     log.Bind("component", "change_publisher"),
		idCache: NewPointIDCache(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.drainLoop()
	return p
}

// Publish buffers one update. It never blocks the caller: on overflow the
// oldest buffered entry is discarded and a warning event is emitted.
func (p *ChangePublisher) Publish(u PointUpdate) {
	if !p.cfg.Enabled {
		return
	}
	var overflowed bool
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if len(p.buf) >= p.cfg.BufferSize {
		p.buf = p.buf[1:]
		overflowed = true
	}
	if len(p.buf) == 0 {
		p.oldest = time.Now()
	}
	p.buf = append(p.buf, u)
	full := len(p.buf) >= p.cfg.BatchSize
	p.mu.Unlock()

	if overflowed {
		observability.PublisherDropped(p.cfg.Service)
		p.warnOverflow(u)
	}
	if full {
		p.kick()
	}
}

// Flush synchronously drains whatever is buffered. Used on shutdown.
func (p *ChangePublisher) Flush(ctx context.Context) {
	p.drain(ctx)
}

// Close stops the drain loop after a final flush.
func (p *ChangePublisher) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.done)
	p.drain(context.Background())
}

func (p *ChangePublisher) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *ChangePublisher) drainLoop() {
	ticker := time.NewTicker(p.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
			p.drain(context.Background())
		case <-ticker.C:
			p.mu.Lock()
			due := len(p.buf) > 0 && time.Since(p.oldest) >= p.cfg.BatchTimeout
			p.mu.Unlock()
			if due {
				p.drain(context.Background())
			}
		}
	}
}

// drain takes the current buffer, coalesces it, and pushes one pipeline.
func (p *ChangePublisher) drain(ctx context.Context) {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()

	batch = coalesce(batch)

	ops := make([]Op, 0, len(batch)*2)
	for _, u := range batch {
		ev := NewChangeEvent(u.ChannelID, u.Kind, u.PointID, u.Value, u.Timestamp, p.cfg.Version)
		payload, err := ev.Encode()
		if err != nil {
			p.log.Error("change_event_encode_failed", "channel_id", u.ChannelID, "point_id", u.PointID, "error", err.Error())
			continue
		}
		ops = append(ops,
			Op{
				Kind:   OpHashSet,
				Key:    ChannelHashKey(u.ChannelID, u.Kind),
				Fields: map[string]string{p.idCache.Get(u.PointID): u.Value.Wire()},
			},
			Op{Kind: OpPublish, Key: ev.Channel(), Payload: payload},
		)
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.client.Pipeline(opCtx, ops); err != nil {
		p.log.Error("change_batch_publish_failed", "batch_size", len(batch), "error", err.Error())
		return
	}
	observability.PublisherBatch(p.cfg.Service, len(batch))
}

// coalesce keeps the last value per point, preserving first-seen order.
func coalesce(batch []PointUpdate) []PointUpdate {
	type pointKey struct {
		ch   uint16
		kind PointKind
		id   uint32
	}
	idx := make(map[pointKey]int, len(batch))
	out := batch[:0]
	for _, u := range batch {
		k := pointKey{u.ChannelID, u.Kind, u.PointID}
		if i, seen := idx[k]; seen {
			out[i] = u
			continue
		}
		idx[k] = len(out)
		out = append(out, u)
	}
	return out
}

func (p *ChangePublisher) warnOverflow(u PointUpdate) {
	w := QueueOverflowWarning{
		Service:     p.cfg.Service,
		ChannelID:   u.ChannelID,
		PointType:   string(u.Kind),
		QueueLength: p.cfg.BufferSize,
		Timestamp:   NowMillis(),
		Severity:    "critical",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := PublishWarning(ctx, p.client, WarnQueueOverflow, w); err != nil {
		p.log.Warn("overflow_warning_publish_failed", "error", err.Error())
	}
}
