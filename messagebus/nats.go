// This file contains the JetStreamBus implementation which backs the bus
// with NATS JetStream. Each channel maps to its own stream, and the
// stream sequence doubles as the per-channel message id, which gives the
// same strictly-increasing, replayable-from-id contract as the Redis
// backend without any extra bookkeeping.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

const streamPrefix = "MBUS"

// JetStreamBus is a Bus implementation backed by NATS JetStream.
type JetStreamBus struct {
	js nats.JetStreamContext

	mu      sync.Mutex
	closed  bool
	subs    map[*Subscription]*nats.Subscription
	streams map[string]struct{}

	maxBacklog int64
}

// NewJetStreamBus creates a JetStream-backed bus on an established NATS
// connection. backlogSize bounds replayable history per channel and
// defaults to 1000 when <= 0.
func NewJetStreamBus(nc *nats.Conn, backlogSize int) (*JetStreamBus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("messagebus: jetstream unavailable: %w", err)
	}
	if backlogSize <= 0 {
		backlogSize = defaultBacklogSize
	}
	return &JetStreamBus{
		js:         js,
		subs:       make(map[*Subscription]*nats.Subscription),
		streams:    make(map[string]struct{}),
		maxBacklog: int64(backlogSize),
	}, nil
}

// sanitize maps a channel name onto the token charset allowed in stream
// names and subjects.
func sanitize(channel string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, channel)
}

func streamName(channel string) string {
	return streamPrefix + "_" + sanitize(channel)
}

func subjectName(channel string) string {
	return "mbus." + sanitize(channel)
}

// ensureStream creates the channel's stream if it does not exist yet.
func (b *JetStreamBus) ensureStream(channel string) error {
	name := streamName(channel)

	b.mu.Lock()
	_, known := b.streams[name]
	b.mu.Unlock()

	if known {
		return nil
	}

	_, err := b.js.StreamInfo(name)

	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{subjectName(channel)},
			MaxMsgs:  b.maxBacklog,
		})
	}
	if err != nil {
		return fmt.Errorf("messagebus: stream setup failed for %q: %w", channel, err)
	}

	b.mu.Lock()
	b.streams[name] = struct{}{}
	b.mu.Unlock()

	return nil
}

// Publish appends the message to the channel's stream and returns the
// stream sequence as the assigned id.
func (b *JetStreamBus) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}
	if err := b.ensureStream(channel); err != nil {
		return 0, err
	}

	ack, err := b.js.Publish(subjectName(channel), data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("messagebus: publish failed: %w", err)
	}
	return int64(ack.Sequence), nil
}

// Subscribe registers fn for messages with id > lastSeenID. JetStream
// replays retained messages from the requested sequence, then delivers
// live messages on the same ordered push consumer.
func (b *JetStreamBus) Subscribe(channel string, fn Handler, lastSeenID int64) (*Subscription, error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	if err := b.ensureStream(channel); err != nil {
		return nil, err
	}

	opts := []nats.SubOpt{
		nats.BindStream(streamName(channel)),
		nats.OrderedConsumer(),
	}
	if lastSeenID > 0 {
		opts = append(opts, nats.StartSequence(uint64(lastSeenID)+1))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	natsSub, err := b.js.Subscribe(subjectName(channel), func(m *nats.Msg) {
		meta, err := m.Metadata()
		if err != nil {
			return
		}
		fn(Message{
			Channel: channel,
			ID:      int64(meta.Sequence.Stream),
			Data:    append([]byte(nil), m.Data...),
		})
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("messagebus: subscribe failed: %w", err)
	}

	sub := &Subscription{channel: channel}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		natsSub.Unsubscribe()

		return nil, ErrClosed
	}
	b.subs[sub] = natsSub
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe cancels the subscription. Idempotent.
func (b *JetStreamBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	natsSub, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if ok {
		natsSub.Unsubscribe()
	}
}

// LastID returns the channel stream's last sequence, or 0 when the
// stream does not exist yet.
func (b *JetStreamBus) LastID(ctx context.Context, channel string) (int64, error) {
	info, err := b.js.StreamInfo(streamName(channel))

	if errors.Is(err, nats.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("messagebus: stream info failed: %w", err)
	}
	return int64(info.State.LastSeq), nil
}

// Close cancels all subscriptions. The NATS connection is owned by the
// caller and stays open.
func (b *JetStreamBus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]*nats.Subscription)

	b.mu.Unlock()

	for _, natsSub := range subs {
		natsSub.Unsubscribe()
	}
	return nil
}
