// Package messagebus provides a named-channel ordered pub/sub facility.
// Every published message is assigned a monotonically increasing
// per-channel id, starting at 1, and subscribers can replay retained
// messages from any id. Delivery of live messages is best-effort: a slow
// subscriber may miss messages, and consumers are expected to detect the
// resulting id gap and resynchronise out of band.
package messagebus

import (
	"context"
	"encoding/json"
	"errors"
)

// Message is a single bus message. ID is unique and strictly increasing
// within Channel.
type Message struct {
	Channel string          `json:"channel"`
	ID      int64           `json:"message_id"`
	Data    json.RawMessage `json:"data"`
}

// Handler receives messages for a subscription. Handlers for one
// subscription are invoked sequentially, in id order.
type Handler func(msg Message)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("messagebus: closed")

// Bus is the ordered pub/sub contract shared by all backends.
type Bus interface {
	// Publish appends data to the channel and returns the assigned id.
	Publish(ctx context.Context, channel string, data []byte) (int64, error)

	// Subscribe registers fn for every message on channel with
	// id > lastSeenID. Retained messages are replayed first, in order,
	// then live messages follow. Messages older than the backend's
	// retention window cannot be replayed; the consumer sees a gap.
	Subscribe(channel string, fn Handler, lastSeenID int64) (*Subscription, error)

	// Unsubscribe cancels a subscription. Idempotent.
	Unsubscribe(sub *Subscription)

	// LastID returns the most recently assigned id for the channel,
	// or 0 if nothing was ever published.
	LastID(ctx context.Context, channel string) (int64, error)

	// Close shuts the bus down and cancels all subscriptions.
	Close() error
}

// Subscription is an opaque handle identifying one registered handler.
type Subscription struct {
	channel string
	cancel  func()
}

// Channel returns the channel name this subscription is attached to.
func (s *Subscription) Channel() string {
	if s == nil {
		return ""
	}
	return s.channel
}
