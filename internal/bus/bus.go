// Package bus fans match events out to every server instance over Redis
// pub/sub. Payloads are JSON; delivery is at-least-once from the point of view
// of a subscriber that reconnects, so handlers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel names shared by every instance.
const (
	ChannelMatchCreated = "goose:match:created"
	ChannelMatchStarted = "goose:match:started"
	ChannelMatchEnded   = "goose:match:ended"
	ChannelUserJoined   = "goose:match:user_joined"
	ChannelUserLeft     = "goose:match:user_left"
	ChannelTap          = "goose:match:tap"
)

// AllChannels lists every channel a gateway relays to clients.
var AllChannels = []string{
	ChannelMatchCreated,
	ChannelMatchStarted,
	ChannelMatchEnded,
	ChannelUserJoined,
	ChannelUserLeft,
	ChannelTap,
}

// Message is one delivery from a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Decode unmarshals the payload of msg into a T.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", msg.Channel, err)
	}
	return v, nil
}

// Bus publishes and subscribes over a shared Redis client.
type Bus struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

// New wraps rdb.
func New(rdb redis.UniversalClient, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{rdb: rdb, log: log.Named("bus")}
}

// Publish JSON-encodes v and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is a running delivery loop started by Subscribe.
type Subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Done is closed once the delivery loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery and waits for the loop to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
	})
	<-s.done
	return err
}

// Subscribe registers on channels and, once the server has confirmed the
// subscription, delivers messages to handler on a dedicated goroutine until
// ctx is done or the subscription is closed. Handler panics are recovered.
func (b *Bus) Subscribe(ctx context.Context, channels []string, handler func(Message)) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	msgs := ps.Channel()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				sub.once.Do(func() { _ = ps.Close() })
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				b.deliver(handler, Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
	}()
	return sub, nil
}

func (b *Bus) deliver(handler func(Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", zap.String("channel", msg.Channel), zap.Any("panic", r))
		}
	}()
	handler(msg)
}
