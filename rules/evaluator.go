package rules

import (
	"context"
	"fmt"

	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Evaluator bridges the change stream into the server-side rule function.
// It subscribes to the per-point channels the enabled rules reference and
// hands each change event to evaluate_rules inside the bus; triggered
// actions (alarms, commands) are the function's side effects.
type Evaluator struct {
	client rtdb.Client
	repo   *Repository
	log    logging.Logger

	sub    *rtdb.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvaluator creates an idle evaluator.
func NewEvaluator(client rtdb.Client, repo *Repository, log logging.Logger) *Evaluator {
	return &Evaluator{client: client, repo: repo, log: log.Bind("component", "rule_evaluator")}
}

// Start subscribes to the given point channels and evaluates until Stop.
func (e *Evaluator) Start(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return fmt.Errorf("rules: no channels to watch")
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub, err := e.client.Subscribe(runCtx, channels...)
	if err != nil {
		cancel()
		return err
	}
	e.sub = sub
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.consume(runCtx)
	return nil
}

// Stop cancels the subscription.
func (e *Evaluator) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.sub.Close()
	<-e.done
}

func (e *Evaluator) consume(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.sub.C():
			if !ok {
				return
			}
			if msg.Kind != rtdb.MessageData {
				continue
			}
			e.evaluate(ctx, msg)
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, msg rtdb.Message) {
	ev, err := rtdb.DecodeChangeEvent(msg.Payload)
	if err != nil {
		e.log.Warn("rule_event_malformed", "channel", msg.Channel, "error", err.Error())
		return
	}
	_, err = e.client.CallFunction(ctx, rtdb.FnEvaluateRules,
		[]string{rtdb.ChannelHashKey(ev.ChannelID, mustKind(ev.PointType))},
		[]string{msg.Payload},
	)
	if err != nil {
		e.log.Warn("rule_evaluation_failed", "channel", msg.Channel, "error", err.Error())
	}
}

func mustKind(short string) rtdb.PointKind {
	k, ok := rtdb.KindFromShort(short)
	if !ok {
		return rtdb.Telemetry
	}
	return k
}
