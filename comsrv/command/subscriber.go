// Package command receives external write requests over pub/sub and injects
// them into the owning channel's command path. The TODO lists are the other
// ingress; the channel drains those itself between polls.
package command

import (
	"context"

	"github.com/voltgrid/voltgrid/comsrv/channel"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Subscriber listens on one channel's command channels.
type Subscriber struct {
	channelID uint16
	client    rtdb.Client
	target    *channel.Channel
	log       logging.Logger

	sub    *rtdb.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber creates an idle subscriber for one channel.
func NewSubscriber(channelID uint16, client rtdb.Client, target *channel.Channel, log logging.Logger) *Subscriber {
	return &Subscriber{
		channelID: channelID,
		client:    client,
		target:    target,
		log:       log.Bind("channel_id", channelID),
	}
}

// Start subscribes and consumes until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := s.client.Subscribe(subCtx,
		rtdb.CommandChannel(s.channelID, rtdb.CommandControl),
		rtdb.CommandChannel(s.channelID, rtdb.CommandAdjustment),
	)
	if err != nil {
		cancel()
		return err
	}
	s.sub = sub
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consume(subCtx)
	s.log.Info("command_subscriber_started")
	return nil
}

// Stop cancels the subscription and waits for the consumer to exit.
func (s *Subscriber) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.sub.Close()
	<-s.done
}

// consume processes messages until cancellation. Malformed messages are
// logged and dropped; the subscriber never crashes on input.
func (s *Subscriber) consume(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.sub.C():
			if !ok {
				return
			}
			if msg.Kind != rtdb.MessageData {
				continue
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	env, err := rtdb.DecodeCommand(payload)
	if err != nil {
		s.log.Warn("command_malformed", "error", err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		s.log.Warn("command_invalid", "command_id", env.CommandID, "error", err.Error())
		return
	}
	if env.ChannelID != s.channelID {
		s.log.Warn("command_wrong_channel", "got", env.ChannelID, "want", s.channelID)
		return
	}
	if _, err := s.target.SubmitCommand(env); err != nil {
		s.log.Warn("command_submit_failed", "command_id", env.CommandID, "error", err.Error())
	}
}
