// This file contains the client-side Channel proxy, a small state
// machine over the diff stream: unsubscribed -> subscribing ->
// subscribed, with any detected inconsistency routed back through a full
// resync rather than ever serving stale state.
package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/appotry/discourse/messagebus"
	"github.com/appotry/discourse/presence"
)

const resyncTimeout = 10 * time.Second

// Channel mirrors one presence channel's membership for its owner. It is
// owned by the subscribing context and not shared.
type Channel struct {
	Name string

	svc *Service

	mu         sync.Mutex
	subscribed bool
	countOnly  bool
	count      int
	users      map[int64]presence.UserSummary
	lastSeenID int64
	sub        *messagebus.Subscription

	// generation invalidates in-flight work: it advances on every
	// unsubscribe, and a resync that finishes against an older
	// generation must not resurrect the subscription.
	generation int
}

// Subscribed reports whether the proxy is consuming the diff stream.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.subscribed
}

// CountOnly reports the mode fixed by the snapshot this subscription
// started from.
func (c *Channel) CountOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.countOnly
}

// Count returns the channel's present-user count as currently known.
func (c *Channel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

// Users returns the known roster sorted by id, or nil in count-only
// mode.
func (c *Channel) Users() []presence.UserSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.users == nil {
		return nil
	}
	out := make([]presence.UserSummary, 0, len(c.users))

	for _, u := range c.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// LastSeenID returns the id of the last applied diff.
func (c *Channel) LastSeenID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSeenID
}

// Enter marks this client present in the channel via the shared service.
func (c *Channel) Enter(ctx context.Context) error {
	return c.svc.Enter(ctx, c.Name)
}

// Leave removes this client from the channel via the shared service.
func (c *Channel) Leave(ctx context.Context) error {
	return c.svc.Leave(ctx, c.Name)
}

// Subscribe starts consuming the diff stream. initial may carry a
// pre-fetched snapshot; when nil, one is fetched from the server. An
// unknown channel fails with presence.ChannelNotFoundError. Subscribing
// an already-subscribed proxy is a no-op.
func (c *Channel) Subscribe(ctx context.Context, initial *presence.State) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	c.mu.Unlock()

	if initial == nil {
		state, err := c.svc.transport.State(ctx, c.Name)
		if err != nil {
			return err
		}
		initial = state
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed || c.generation != gen {
		return nil
	}
	return c.startLocked(initial)
}

// startLocked applies the snapshot and registers the bus callback from
// the snapshot's stream position. Mode is fixed for the subscription's
// lifetime.
func (c *Channel) startLocked(initial *presence.State) error {
	c.count = initial.Count

	if initial.Users != nil {
		c.countOnly = false
		c.users = make(map[int64]presence.UserSummary, len(initial.Users))

		for _, u := range initial.Users {
			c.users[u.ID] = u
		}
	} else {
		c.countOnly = true
		c.users = nil
	}
	c.lastSeenID = initial.LastMessageID

	gen := c.generation

	sub, err := c.svc.bus.Subscribe(presence.BusChannelName(c.Name), func(msg messagebus.Message) {
		c.processMessage(gen, msg)
	}, c.lastSeenID)
	if err != nil {
		return err
	}
	c.sub = sub
	c.subscribed = true

	return nil
}

// Unsubscribe deregisters the bus callback. Idempotent; it also
// invalidates any resync still in flight.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribeLocked()
}

func (c *Channel) unsubscribeLocked() {
	c.generation++

	if !c.subscribed {
		return
	}
	c.svc.bus.Unsubscribe(c.sub)

	c.sub = nil
	c.subscribed = false
}

// processMessage applies one incoming diff. A sequence gap or a payload
// that does not match the subscription's mode is never partially
// applied; both trigger one full resync.
func (c *Channel) processMessage(gen int, msg messagebus.Message) {
	c.mu.Lock()

	if !c.subscribed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if msg.ID != c.lastSeenID+1 {
		c.mu.Unlock()

		c.svc.log.WithField("channel", c.Name).
			WithField("received", msg.ID).
			Debug("presence diff stream gap, resyncing")

		c.resync(gen)

		return
	}
	c.lastSeenID = msg.ID

	diff, err := presence.DecodeDiff(msg.Data)
	if err != nil {
		c.mu.Unlock()

		c.resync(gen)

		return
	}

	switch {
	case c.countOnly && diff.Kind() == presence.DiffCountDelta:
		c.count += *diff.CountDelta
	case !c.countOnly && diff.Kind() == presence.DiffEntering:
		for _, u := range diff.EnteringUsers {
			c.users[u.ID] = u
		}
		c.count = len(c.users)
	case !c.countOnly && diff.Kind() == presence.DiffLeaving:
		for _, id := range diff.LeavingUserIDs {
			delete(c.users, id)
		}
		c.count = len(c.users)
	default:
		c.mu.Unlock()

		c.resync(gen)

		return
	}
	c.mu.Unlock()
}

// resync discards the stream position and starts over from a fresh
// snapshot. A later Unsubscribe wins: the refetched state is dropped if
// the subscription is no longer wanted by the time it arrives.
func (c *Channel) resync(gen int) {
	c.mu.Lock()

	if !c.subscribed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.unsubscribeLocked()

	resyncGen := c.generation

	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)

	defer cancel()

	state, err := c.svc.transport.State(ctx, c.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != resyncGen || c.subscribed {
		return
	}
	if err != nil {
		c.svc.log.WithField("channel", c.Name).WithError(err).Warn("presence resync failed")

		return
	}
	if err := c.startLocked(state); err != nil {
		c.svc.log.WithField("channel", c.Name).WithError(err).Warn("presence resubscribe failed")
	}
}
