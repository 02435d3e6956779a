// This file contains the RedisBus implementation which backs the bus with
// Redis. Id assignment and backlog retention run inside a Lua script, so
// ids are strictly increasing even with many publishing processes, and
// live fanout uses Redis pub/sub. Subscribers replay the retained backlog
// before switching to the live stream.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBacklogTTL = 7 * 24 * time.Hour
	keyPrefix         = "mbus"
)

// publishScript assigns the next id, retains the message in the backlog
// zset (score = id, member = "id|data") and trims the backlog. The id
// counter key is persistent so ids never restart for a channel.
var publishScript = redis.NewScript(`
local id_key = KEYS[1]
local backlog_key = KEYS[2]
local data = ARGV[1]
local max_backlog = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local id = redis.call('INCR', id_key)
redis.call('ZADD', backlog_key, id, id .. '|' .. data)
redis.call('ZREMRANGEBYSCORE', backlog_key, '-inf', id - max_backlog)
redis.call('EXPIRE', backlog_key, ttl)
return id
`)

// RedisBus is a Bus implementation backed by a Redis server. It is safe
// for concurrent use and for use from multiple processes.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}

	maxBacklog int
	backlogTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBus creates a Redis-backed bus using the provided client. The
// client should be configured and connected; the constructor pings it to
// fail fast on misconfiguration. backlogSize bounds replayable history
// per channel and defaults to 1000 when <= 0.
func NewRedisBus(ctx context.Context, client *redis.Client, backlogSize int) (*RedisBus, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("messagebus: failed to connect to Redis: %w", err)
	}
	if backlogSize <= 0 {
		backlogSize = defaultBacklogSize
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &RedisBus{
		client:     client,
		subs:       make(map[*Subscription]struct{}),
		maxBacklog: backlogSize,
		backlogTTL: defaultBacklogTTL,
		ctx:        busCtx,
		cancel:     cancel,
	}, nil
}

func idKey(channel string) string {
	return keyPrefix + ":id:" + channel
}

func backlogKey(channel string) string {
	return keyPrefix + ":backlog:" + channel
}

func topic(channel string) string {
	return keyPrefix + ":" + channel
}

// Publish atomically assigns an id and retains the message, then fans it
// out over Redis pub/sub. Pub/sub delivery is fire-and-forget; a missed
// message shows up as an id gap on the consumer side.
func (b *RedisBus) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}

	ttl := int(b.backlogTTL / time.Second)

	id, err := publishScript.Run(ctx, b.client,
		[]string{idKey(channel), backlogKey(channel)},
		string(data), b.maxBacklog, ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("messagebus: publish failed: %w", err)
	}

	payload, err := json.Marshal(Message{Channel: channel, ID: id, Data: data})
	if err != nil {
		return 0, fmt.Errorf("messagebus: encode failed: %w", err)
	}
	if err := b.client.Publish(ctx, topic(channel), payload).Err(); err != nil {
		return 0, fmt.Errorf("messagebus: fanout failed: %w", err)
	}
	return id, nil
}

// Subscribe registers fn for messages with id > lastSeenID. The live
// pub/sub subscription is confirmed before the backlog is read, so a
// message published during Subscribe is seen exactly once.
func (b *RedisBus) Subscribe(channel string, fn Handler, lastSeenID int64) (*Subscription, error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(b.ctx)

	pubsub := b.client.Subscribe(subCtx, topic(channel))

	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()

		pubsub.Close()

		return nil, fmt.Errorf("messagebus: subscribe failed: %w", err)
	}

	backlog, err := b.replay(subCtx, channel, lastSeenID)
	if err != nil {
		cancel()

		pubsub.Close()

		return nil, err
	}

	sub := &Subscription{channel: channel, cancel: cancel}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()

		pubsub.Close()

		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runSubscription(subCtx, sub, pubsub, backlog, fn)

	return sub, nil
}

// replay loads retained messages with id > lastSeenID, in order.
func (b *RedisBus) replay(ctx context.Context, channel string, lastSeenID int64) ([]Message, error) {
	members, err := b.client.ZRangeByScore(ctx, backlogKey(channel), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(lastSeenID, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("messagebus: backlog read failed: %w", err)
	}

	messages := make([]Message, 0, len(members))

	for _, member := range members {
		parts := strings.SplitN(member, "|", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		messages = append(messages, Message{Channel: channel, ID: id, Data: json.RawMessage(parts[1])})
	}
	return messages, nil
}

func (b *RedisBus) runSubscription(ctx context.Context, sub *Subscription, pubsub *redis.PubSub, backlog []Message, fn Handler) {
	defer b.wg.Done()

	defer pubsub.Close()

	var delivered int64

	for _, msg := range backlog {
		fn(msg)

		delivered = msg.ID
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				continue
			}
			if msg.ID <= delivered {
				continue
			}
			msg.Channel = sub.channel

			fn(msg)

			delivered = msg.ID
		}
	}
}

// Unsubscribe cancels the subscription and closes its Redis connection.
// Idempotent.
func (b *RedisBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	if sub.cancel != nil {
		sub.cancel()
	}
}

// LastID returns the last assigned id for the channel, or 0 if nothing
// was ever published.
func (b *RedisBus) LastID(ctx context.Context, channel string) (int64, error) {
	id, err := b.client.Get(ctx, idKey(channel)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("messagebus: last id read failed: %w", err)
	}
	return id, nil
}

// Close cancels all subscriptions and waits for their goroutines to
// finish. The Redis client itself is owned by the caller and stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[*Subscription]struct{})

	b.mu.Unlock()

	b.cancel()

	b.wg.Wait()

	return nil
}
