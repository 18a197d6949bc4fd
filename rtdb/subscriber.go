package rtdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltgrid/voltgrid/logging"
)

// MessageKind distinguishes data messages from stream markers.
type MessageKind int

const (
	// MessageData carries a payload published on one of the subscribed
	// channels.
	MessageData MessageKind = iota
	// MessageResubscribed marks a reconnect. Messages published during the
	// gap were not delivered; consumers needing a consistent view should
	// re-read the hashes.
	MessageResubscribed
)

// Message is one delivery from a Subscription.
type Message struct {
	Kind    MessageKind
	Channel string
	Payload string
}

// Subscription is a lazy, restartable pub/sub stream. Dropping it (Close)
// cancels the underlying consumer.
type Subscription struct {
	ch     chan Message
	cancel context.CancelFunc
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close cancels the subscription and releases the connection.
func (s *Subscription) Close() { s.cancel() }

// newRedisSubscription starts the consumer goroutine. The go-redis PubSub
// already reconnects transparently, but it cannot tell the consumer that a
// gap happened, so the loop re-creates the subscription itself and injects a
// MessageResubscribed marker after every reconnect.
func newRedisSubscription(ctx context.Context, rdb *redis.Client, log logging.Logger, channels []string) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ch: make(chan Message, 256), cancel: cancel}

	go func() {
		defer close(sub.ch)
		first := true
		for {
			if subCtx.Err() != nil {
				return
			}
			pubsub := rdb.Subscribe(subCtx, channels...)
			if _, err := pubsub.Receive(subCtx); err != nil {
				_ = pubsub.Close()
				if subCtx.Err() != nil {
					return
				}
				log.Warn("subscribe_failed", "channels", len(channels), "error", err.Error())
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if !first {
				select {
				case sub.ch <- Message{Kind: MessageResubscribed}:
				case <-subCtx.Done():
					_ = pubsub.Close()
					return
				}
			}
			first = false

			msgCh := pubsub.Channel()
		consume:
			for {
				select {
				case <-subCtx.Done():
					_ = pubsub.Close()
					return
				case m, ok := <-msgCh:
					if !ok {
						break consume
					}
					select {
					case sub.ch <- Message{Kind: MessageData, Channel: m.Channel, Payload: m.Payload}:
					case <-subCtx.Done():
						_ = pubsub.Close()
						return
					}
				}
			}
			_ = pubsub.Close()
			log.Warn("subscription_interrupted", "channels", len(channels))
		}
	}()

	return sub
}

// NewTestSubscription builds a Subscription whose messages are injected via
// the returned push function. Intended for in-memory fakes; production code
// obtains subscriptions from Client.Subscribe.
func NewTestSubscription(buffer int) (*Subscription, func(Message) bool) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{ch: make(chan Message, buffer), cancel: cancel}
	push := func(m Message) bool {
		select {
		case <-ctx.Done():
			return false
		case s.ch <- m:
			return true
		default:
			return false
		}
	}
	return s, push
}
