// This file contains the MemoryBus implementation, an in-process bus for
// single-node deployments and tests. Ids are assigned under the bus lock,
// and a bounded per-channel backlog supports replay-from-id.
package messagebus

import (
	"context"
	"sync"
)

const defaultBacklogSize = 1000

// MemoryBus is an in-memory Bus implementation. It is safe for
// concurrent use.
type MemoryBus struct {
	mu          sync.Mutex
	channels    map[string]*memoryChannel
	closed      bool
	backlogSize int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type memoryChannel struct {
	lastID  int64
	backlog []Message
	subs    map[*Subscription]chan Message
}

// NewMemoryBus creates a new in-memory bus. backlogSize bounds the number
// of retained messages per channel available for replay. If backlogSize
// is <= 0, it defaults to 1000.
func NewMemoryBus(ctx context.Context, backlogSize int) *MemoryBus {
	if backlogSize <= 0 {
		backlogSize = defaultBacklogSize
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &MemoryBus{
		channels:    make(map[string]*memoryChannel),
		backlogSize: backlogSize,
		ctx:         busCtx,
		cancel:      cancel,
	}
}

func (b *MemoryBus) channel(name string) *memoryChannel {
	mc, ok := b.channels[name]
	if !ok {
		mc = &memoryChannel{subs: make(map[*Subscription]chan Message)}
		b.channels[name] = mc
	}
	return mc
}

// Publish assigns the next id for the channel, retains the message in the
// backlog and fans it out to current subscribers. A subscriber whose
// buffer is full misses the message and is expected to resync.
func (b *MemoryBus) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	mc := b.channel(channel)

	mc.lastID++
	msg := Message{Channel: channel, ID: mc.lastID, Data: append([]byte(nil), data...)}

	mc.backlog = append(mc.backlog, msg)
	if len(mc.backlog) > b.backlogSize {
		mc.backlog = mc.backlog[len(mc.backlog)-b.backlogSize:]
	}
	for _, ch := range mc.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg.ID, nil
}

// Subscribe registers fn for messages with id > lastSeenID. Retained
// messages are enqueued before the subscription goes live, so no message
// published after the call is lost or reordered.
func (b *MemoryBus) Subscribe(channel string, fn Handler, lastSeenID int64) (*Subscription, error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	mc := b.channel(channel)

	ch := make(chan Message, b.backlogSize)

	sub := &Subscription{channel: channel}
	mc.subs[sub] = ch

	for _, msg := range mc.backlog {
		if msg.ID > lastSeenID {
			ch <- msg
		}
	}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(b.ctx)

	sub.cancel = cancel

	b.wg.Add(1)
	go b.runSubscription(subCtx, ch, fn)

	return sub, nil
}

func (b *MemoryBus) runSubscription(ctx context.Context, ch chan Message, fn Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			fn(msg)
		}
	}
}

// Unsubscribe removes the subscription. Idempotent; safe to call on a
// subscription that was already cancelled.
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()

	if mc, ok := b.channels[sub.channel]; ok {
		delete(mc.subs, sub)
	}
	b.mu.Unlock()

	if sub.cancel != nil {
		sub.cancel()
	}
}

// LastID returns the last assigned id for the channel, or 0.
func (b *MemoryBus) LastID(ctx context.Context, channel string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if mc, ok := b.channels[channel]; ok {
		return mc.lastID, nil
	}
	return 0, nil
}

// Close shuts down the bus and stops all subscription goroutines.
// Idempotent.
func (b *MemoryBus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.channels = make(map[string]*memoryChannel)

	b.mu.Unlock()

	b.cancel()

	b.wg.Wait()

	return nil
}
