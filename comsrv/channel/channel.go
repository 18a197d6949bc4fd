package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voltgrid/voltgrid/comsrv/points"
	"github.com/voltgrid/voltgrid/comsrv/protocol"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/observability"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Config identifies one channel and its protocol binding.
type Config struct {
	ID     uint16
	Name   string
	Kind   protocol.Kind
	Params protocol.Params
}

// Status is the operational snapshot exposed over the management API.
type Status struct {
	ID             uint16    `json:"channel_id"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Connected      bool      `json:"connected"`
	LastError      string    `json:"last_error,omitempty"`
	LastResponseMs float64   `json:"last_response_ms"`
	LastUpdate     time.Time `json:"last_update"`
}

// Channel owns exactly one field endpoint for the lifetime of its membership
// in configuration. One supervisor goroutine drives the state machine; all
// driver calls are serialized through it or the driver mutex.
type Channel struct {
	cfg     Config
	driver  protocol.Driver
	client  rtdb.Client
	pub     *rtdb.ChangePublisher
	syncMgr *rtdb.SyncManager
	log     logging.Logger

	driverMu sync.Mutex

	mu     sync.RWMutex
	state  State
	status Status
	params protocol.Params

	commands chan *Command
	reloadCh chan protocol.Params

	pointsSig string

	cancel  context.CancelFunc
	stopped chan struct{}

	lastTs int64 // monotonic per channel, survives reconnects
}

// commandStatusTTL bounds how long per-command status records live.
const commandStatusTTL = 10 * time.Minute

// todoWatermark is the TODO list depth that triggers a queue-high warning.
// Entries are never dropped: commands must not be silently discarded.
const todoWatermark = 1000

// New creates a stopped channel.
func New(cfg Config, driver protocol.Driver, client rtdb.Client, pub *rtdb.ChangePublisher, log logging.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		driver: driver,
		client: client,
		pub:    pub,
		log:    log.Bind("channel_id", cfg.ID),
		state:  StateStopped,
		status: Status{ID: cfg.ID, Name: cfg.Name, State: StateStopped.String()},
		params: cfg.Params,

		commands: make(chan *Command, 64),
		reloadCh: make(chan protocol.Params, 1),
	}
}

// Config returns the channel's configuration snapshot.
func (c *Channel) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := c.cfg
	cfg.Params = c.params
	return cfg
}

// Status returns the operational snapshot.
func (c *Channel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start transitions Stopped -> Connecting and launches the supervisor task.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("channel %d: cannot start from %s", c.cfg.ID, c.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// Stop trips the supervisor and waits for it to drain within the grace
// window.
func (c *Channel) Stop(grace time.Duration) {
	c.mu.RLock()
	cancel, stopped := c.cancel, c.stopped
	c.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(grace):
		c.log.Warn("channel_stop_grace_exceeded")
	}
}

// SubmitCommand enqueues a write. Commands must not be silently dropped: a
// full queue rejects the submission.
func (c *Channel) SubmitCommand(env rtdb.CommandEnvelope) (Handle, error) {
	cmd := &Command{Envelope: env, done: make(chan error, 1)}
	select {
	case c.commands <- cmd:
		return Handle{ID: env.CommandID, done: cmd.done}, nil
	default:
		c.warnQueueFull(env)
		return Handle{}, fmt.Errorf("channel %d: command queue full", c.cfg.ID)
	}
}

// SetSyncManager routes poll batches through the server-side
// sync_channel_data function in addition to the change publisher. Optional;
// set before Start.
func (c *Channel) SetSyncManager(sm *rtdb.SyncManager) { c.syncMgr = sm }

// ReloadParameters applies a compatible parameter change in place. The poll
// loop picks it up on its next iteration.
func (c *Channel) ReloadParameters(params protocol.Params) {
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
	select {
	case c.reloadCh <- params:
	default:
	}
}

// LoadPoints atomically replaces the point table; pending batch groupings
// are invalidated by the driver.
func (c *Channel) LoadPoints(table *points.Table) {
	c.driverMu.Lock()
	c.driver.LoadPoints(table)
	c.driverMu.Unlock()
	c.mu.Lock()
	c.pointsSig = table.Signature()
	c.mu.Unlock()
}

// PointsSignature returns the digest of the active point table.
func (c *Channel) PointsSignature() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pointsSig
}

// =============================================================================
// SUPERVISOR TASK
// =============================================================================

func (c *Channel) run(ctx context.Context) {
	defer close(c.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; Stop is the only way out

	for {
		if ctx.Err() != nil {
			break
		}
		c.setState(StateConnecting)

		connectCtx, cancel := context.WithTimeout(ctx, c.currentParams().ConnectTimeout())
		c.driverMu.Lock()
		err := c.driver.Connect(connectCtx)
		c.driverMu.Unlock()
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.setError(err)
			c.log.Warn("channel_connect_failed", "error", err.Error())
			c.setState(StateReconnecting)
			select {
			case <-ctx.Done():
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		bo.Reset()
		c.setState(StateConnected)
		c.setConnected(true)
		c.setState(StatePolling)

		err = c.pollLoop(ctx)
		c.setConnected(false)
		c.driverMu.Lock()
		_ = c.driver.Close()
		c.driverMu.Unlock()

		if err != nil && ctx.Err() == nil {
			c.setError(err)
			c.log.Warn("channel_session_failed", "error", err.Error())
			c.setState(StateFailed)
			c.setState(StateReconnecting)
			select {
			case <-ctx.Done():
			case <-time.After(bo.NextBackOff()):
			}
		}
	}

	c.setState(StateStopping)
	c.drainPendingCommands()
	c.setState(StateStopped)
}

// pollLoop runs the Polling <-> Writing cycle. It returns nil on shutdown
// and an error when the session must be re-established. Each pass serves one
// ready event: cancellation, a parameter reload, a command burst, or the poll
// tick. When several are ready at once, select picks one of them at random;
// no fixed priority holds among them.
func (c *Channel) pollLoop(ctx context.Context) error {
	interval := c.currentParams().PollingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case params := <-c.reloadCh:
			if next := params.PollingInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}

		case cmd := <-c.commands:
			c.setState(StateWriting)
			err := c.runCommandBurst(ctx, cmd)
			if c.State() == StateWriting {
				c.setState(StatePolling)
			}
			if err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.drainTodo(ctx); err != nil {
				return err
			}
			if err := c.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// runCommandBurst executes the triggering command plus up to
// maxCommandBurst-1 more already queued, in queue order. Commands past the
// bound stay queued for a later pass, so a busy queue does not starve polls.
func (c *Channel) runCommandBurst(ctx context.Context, first *Command) error {
	cmd := first
	for i := 1; ; i++ {
		terminal, err := c.executeCommand(ctx, cmd)
		if terminal {
			return err
		}
		if i >= maxCommandBurst {
			return nil
		}
		select {
		case cmd = <-c.commands:
		default:
			return nil
		}
	}
}

// poll runs one cycle and publishes the decoded updates.
func (c *Channel) poll(ctx context.Context) error {
	start := time.Now()
	var updates []rtdb.PointUpdate

	c.driverMu.Lock()
	err := c.driver.Poll(ctx, func(kind rtdb.PointKind, id uint32, v rtdb.Value) {
		updates = append(updates, rtdb.PointUpdate{
			ChannelID: c.cfg.ID,
			Kind:      kind,
			PointID:   id,
			Value:     v,
		})
	})
	c.driverMu.Unlock()

	// Timestamps are stamped after the poll, in arrival order, so they stay
	// monotonic per point even across reconnects.
	for i := range updates {
		updates[i].Timestamp = c.nextTimestamp()
		c.pub.Publish(updates[i])
	}
	c.syncBatch(ctx, updates)

	elapsed := time.Since(start)
	if err == nil {
		c.setResponseTime(elapsed)
		observability.PollCycle(c.cfg.Name, "success", elapsed.Seconds())
		if elapsed > c.currentParams().PollingInterval() {
			c.log.Warn("poll_drift", "elapsed_ms", elapsed.Milliseconds())
		}
		return nil
	}

	observability.PollCycle(c.cfg.Name, "error", elapsed.Seconds())
	var re *protocol.RequestError
	if errors.As(err, &re) {
		// Per-request failures keep the channel polling.
		c.setError(err)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// =============================================================================
// COMMAND PATH
// =============================================================================

// syncBatch routes the poll batch through the server-side sync function so
// model hashes and alarm hooks stay coupled to the raw writes. Best-effort:
// a failed sync never fails the poll.
func (c *Channel) syncBatch(ctx context.Context, updates []rtdb.PointUpdate) {
	if c.syncMgr == nil || len(updates) == 0 {
		return
	}
	byKind := make(map[rtdb.PointKind][]rtdb.SyncUpdate)
	for _, u := range updates {
		byKind[u.Kind] = append(byKind[u.Kind], rtdb.SyncUpdate{PointID: u.PointID, Value: u.Value.AsFloat()})
	}
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for kind, batch := range byKind {
		if err := c.syncMgr.SyncChannelData(syncCtx, c.cfg.ID, kind, batch); err != nil {
			c.log.Debug("sync_channel_data_failed", "kind", string(kind), "error", err.Error())
		}
	}
}

// drainTodo consumes the per-kind TODO lists in FIFO order.
func (c *Channel) drainTodo(ctx context.Context) error {
	for _, kind := range []rtdb.PointKind{rtdb.Control, rtdb.Adjustment} {
		key := rtdb.CommandTodoKey(c.cfg.ID, kind)
		if depth, err := c.client.ListLen(ctx, key); err == nil && depth > todoWatermark {
			c.log.Warn("todo_queue_high", "key", key, "depth", depth)
			w := rtdb.QueueOverflowWarning{
				Service:     "comsrv",
				ChannelID:   c.cfg.ID,
				PointType:   string(kind),
				QueueLength: int(depth),
				Timestamp:   rtdb.NowMillis(),
				Severity:    "warning",
			}
			if err := rtdb.PublishWarning(ctx, c.client, rtdb.WarnQueueHigh, w); err != nil {
				c.log.Warn("queue_warning_publish_failed", "error", err.Error())
			}
		}
		for {
			payload, err := c.client.ListPop(ctx, key)
			if errors.Is(err, rtdb.ErrNotFound) {
				break
			}
			if err != nil {
				c.log.Warn("todo_pop_failed", "key", key, "error", err.Error())
				break
			}
			env, derr := rtdb.DecodeCommand(payload)
			if derr != nil || env.Validate() != nil {
				c.log.Warn("todo_command_malformed", "key", key, "payload", payload)
				continue
			}
			if env.ChannelID != c.cfg.ID {
				c.log.Warn("todo_command_wrong_channel", "got", env.ChannelID)
				continue
			}
			terminal, err := c.executeCommand(ctx, &Command{Envelope: env})
			if terminal {
				return err
			}
		}
	}
	return nil
}

// executeCommand runs one command through the driver and records the
// outcome. The returned bool marks session-terminal failures.
func (c *Channel) executeCommand(ctx context.Context, cmd *Command) (bool, error) {
	env := cmd.Envelope
	kind, err := env.Kind()
	if err != nil {
		cmd.fail(err)
		return false, nil
	}

	c.writeCommandStatus(ctx, env.CommandID, rtdb.CommandExecuting, "")

	var value rtdb.Value
	if kind == rtdb.Control {
		value = rtdb.BoolValue(env.Value != 0)
	} else {
		value = rtdb.FloatValue(env.Value)
	}

	c.driverMu.Lock()
	execErr := c.driver.Execute(ctx, protocol.Command{
		ID:      env.CommandID,
		Kind:    kind,
		PointID: env.PointID,
		Value:   value,
	})
	c.driverMu.Unlock()

	if execErr != nil {
		observability.Command(c.cfg.Name, "failed")
		c.setError(execErr)
		c.writeCommandStatus(ctx, env.CommandID, rtdb.CommandFailed, execErr.Error())
		cmd.fail(execErr)

		var re *protocol.RequestError
		if errors.As(execErr, &re) {
			return false, nil
		}
		if errors.Is(execErr, context.Canceled) {
			return true, nil
		}
		return true, execErr
	}

	// Execution result reads back from the matching hash and is published
	// as a change event.
	c.pub.Publish(rtdb.PointUpdate{
		ChannelID: c.cfg.ID,
		Kind:      kind,
		PointID:   env.PointID,
		Value:     value,
		Timestamp: c.nextTimestamp(),
	})
	observability.Command(c.cfg.Name, "success")
	c.writeCommandStatus(ctx, env.CommandID, rtdb.CommandSuccess, "")
	cmd.fail(nil)
	return false, nil
}

func (cmd *Command) fail(err error) {
	if cmd.done != nil {
		select {
		case cmd.done <- err:
		default:
		}
	}
}

func (c *Channel) writeCommandStatus(ctx context.Context, commandID, status, errMsg string) {
	rec := rtdb.CommandStatus{
		CommandID: commandID,
		Status:    status,
		Error:     errMsg,
		Timestamp: rtdb.NowMillis(),
	}
	payload, err := rec.Encode()
	if err != nil {
		return
	}
	if err := c.client.SetString(ctx, rtdb.CommandStatusKey(commandID), payload, commandStatusTTL); err != nil {
		c.log.Warn("command_status_write_failed", "command_id", commandID, "error", err.Error())
	}
}

func (c *Channel) drainPendingCommands() {
	for {
		select {
		case cmd := <-c.commands:
			cmd.fail(fmt.Errorf("channel %d: stopping", c.cfg.ID))
		default:
			return
		}
	}
}

func (c *Channel) warnQueueFull(env rtdb.CommandEnvelope) {
	w := rtdb.QueueOverflowWarning{
		Service:     "comsrv",
		ChannelID:   c.cfg.ID,
		PointType:   env.CommandType,
		QueueLength: cap(c.commands),
		Timestamp:   rtdb.NowMillis(),
		Severity:    "warning",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rtdb.PublishWarning(ctx, c.client, rtdb.WarnQueueHigh, w); err != nil {
		c.log.Warn("queue_warning_publish_failed", "error", err.Error())
	}
}

// =============================================================================
// STATE / STATUS
// =============================================================================

func (c *Channel) currentParams() protocol.Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

func (c *Channel) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	if !IsValidTransition(prev, next) {
		// Invariant violation: log and force the transition rather than
		// wedging the supervisor.
		c.log.Error("invalid_state_transition", "from", prev.String(), "to", next.String())
	}
	c.state = next
	c.status.State = next.String()
	c.status.LastUpdate = time.Now()
	c.mu.Unlock()
	observability.ChannelTransition(c.cfg.Name, prev.String(), next.String())
	c.log.Debug("channel_state_changed", "from", prev.String(), "to", next.String())
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	c.status.Connected = connected
	if connected {
		c.status.LastError = ""
	}
	c.status.LastUpdate = time.Now()
	c.mu.Unlock()
}

func (c *Channel) setError(err error) {
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.status.LastUpdate = time.Now()
	c.mu.Unlock()
}

func (c *Channel) setResponseTime(d time.Duration) {
	c.mu.Lock()
	c.status.LastResponseMs = float64(d.Microseconds()) / 1000.0
	c.status.LastError = ""
	c.status.LastUpdate = time.Now()
	c.mu.Unlock()
}

// nextTimestamp returns a per-channel monotonic millisecond timestamp.
func (c *Channel) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := rtdb.NowMillis()
	if now <= c.lastTs {
		now = c.lastTs + 1
	}
	c.lastTs = now
	return now
}
