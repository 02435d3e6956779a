// This file contains the server-side Channel which owns one channel's
// membership. Mutations run through Lua scripts for atomicity, reads
// filter by expiry at read time, and membership edges are published as
// diffs on the message bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	busChannelPrefix = "/presence/"
	channelsKey      = "presence:channels"

	// modesKey remembers each channel's count-only flag as last seen by
	// a mutation. The sweep reads it for names the resolver has since
	// forgotten, so their eviction diffs keep the channel's shape.
	modesKey = "presence:channel-modes"
)

// Channel is one named presence channel. Instances are cheap, stateless
// handles over the shared store; any number of them may exist for the
// same name across goroutines and processes.
type Channel struct {
	Name string

	cfg  ChannelConfig
	opts *Options
}

// NewChannel creates a channel handle with the given behavior. Most
// callers go through Registry.Channel instead, which consults the
// resolver.
func NewChannel(name string, cfg ChannelConfig, opts Options) *Channel {
	return newChannel(name, cfg, opts.withDefaults())
}

func newChannel(name string, cfg ChannelConfig, opts *Options) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout > gcWindow {
		cfg.Timeout = gcWindow
	}
	return &Channel{Name: name, cfg: cfg, opts: opts}
}

// BusChannelName returns the message bus channel that diffs for the
// named presence channel are published on.
func BusChannelName(name string) string {
	return busChannelPrefix + name
}

// BusChannelName returns the message bus channel diffs are published on.
func (c *Channel) BusChannelName() string {
	return BusChannelName(c.Name)
}

// CountOnly reports whether the channel publishes only count deltas.
func (c *Channel) CountOnly() bool {
	return c.cfg.CountOnly
}

func (c *Channel) zlistKey() string {
	return "presence:zlist:" + c.Name
}

func (c *Channel) hashKey() string {
	return "presence:hash:" + c.Name
}

func (c *Channel) keyTTL() int {
	return int((gcWindow + gcSlack) / time.Second)
}

func entryMember(userID int64, clientID string) string {
	return strconv.FormatInt(userID, 10) + " " + clientID
}

func (c *Channel) modeFlag() string {
	if c.cfg.CountOnly {
		return "1"
	}
	return "0"
}

// Present records userID as present via clientID. Repeated calls with
// the same client id only refresh the entry's expiry. The first live
// entry for a user publishes exactly one entering diff, decided inside
// the mutation script, so concurrent callers cannot double-publish.
func (c *Channel) Present(ctx context.Context, userID int64, clientID string) error {
	if userID <= 0 {
		return ErrNotLoggedIn
	}
	operationsCount.WithLabelValues("present").Inc()

	now := c.opts.Now()
	expires := now.Add(c.cfg.Timeout)

	res, err := presentScript.Run(ctx, c.opts.Redis,
		[]string{c.zlistKey(), c.hashKey(), channelsKey, modesKey},
		entryMember(userID, clientID),
		strconv.FormatInt(userID, 10),
		now.Unix(),
		expires.Unix(),
		c.keyTTL(),
		c.Name,
		c.modeFlag(),
	).Int()
	if err != nil {
		return fmt.Errorf("presence: present failed for %q: %w", c.Name, err)
	}
	if res != 1 {
		return nil
	}

	if c.cfg.CountOnly {
		return c.publish(ctx, CountDiff(1))
	}

	users, err := c.opts.UserLookup(ctx, []int64{userID})
	if err != nil {
		return fmt.Errorf("presence: user lookup failed for %q: %w", c.Name, err)
	}
	return c.publish(ctx, EnteringDiff(users...))
}

// Leave removes the (userID, clientID) entry. A missing entry is a
// no-op. Removing a user's last live entry publishes exactly one leaving
// diff.
func (c *Channel) Leave(ctx context.Context, userID int64, clientID string) error {
	if userID <= 0 {
		return ErrNotLoggedIn
	}
	operationsCount.WithLabelValues("leave").Inc()

	now := c.opts.Now()

	res, err := leaveScript.Run(ctx, c.opts.Redis,
		[]string{c.zlistKey(), c.hashKey()},
		entryMember(userID, clientID),
		strconv.FormatInt(userID, 10),
		now.Unix(),
		c.keyTTL(),
	).Int()
	if err != nil {
		return fmt.Errorf("presence: leave failed for %q: %w", c.Name, err)
	}
	if res != 1 {
		return nil
	}

	if c.cfg.CountOnly {
		return c.publish(ctx, CountDiff(-1))
	}
	return c.publish(ctx, LeavingDiff(userID))
}

// liveUserIDs returns the distinct user ids with at least one non-expired
// entry, ascending. A pure read; expired entries are filtered against the
// current time, never deleted here.
func (c *Channel) liveUserIDs(ctx context.Context) ([]int64, error) {
	now := c.opts.Now()

	members, err := c.opts.Redis.ZRangeByScore(ctx, c.zlistKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: membership read failed for %q: %w", c.Name, err)
	}

	seen := make(map[int64]struct{})

	var ids []int64
	for _, member := range members {
		idPart, _, ok := strings.Cut(member, " ")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// UserIDs returns the present users, ascending by id.
func (c *Channel) UserIDs(ctx context.Context) ([]int64, error) {
	return c.liveUserIDs(ctx)
}

// Count returns the number of present users.
func (c *Channel) Count(ctx context.Context) (int, error) {
	ids, err := c.liveUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// State returns the snapshot a new subscriber starts from, including the
// bus's last assigned id so the diff stream can be consumed from the
// correct position.
func (c *Channel) State(ctx context.Context) (*State, error) {
	ids, err := c.liveUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	lastID, err := c.opts.Bus.LastID(ctx, c.BusChannelName())
	if err != nil {
		return nil, fmt.Errorf("presence: bus position read failed for %q: %w", c.Name, err)
	}

	state := &State{Count: len(ids), LastMessageID: lastID}

	if !c.cfg.CountOnly {
		users, err := c.opts.UserLookup(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("presence: user lookup failed for %q: %w", c.Name, err)
		}
		if users == nil {
			users = []UserSummary{}
		}
		state.Users = users
	}
	return state, nil
}

// AutoLeave evicts every expired entry and publishes one batched leaving
// diff for the users that became absent. Nothing expired means nothing
// published.
func (c *Channel) AutoLeave(ctx context.Context) error {
	now := c.opts.Now()

	raw, err := autoLeaveScript.Run(ctx, c.opts.Redis,
		[]string{c.zlistKey(), c.hashKey()},
		now.Unix(),
	).StringSlice()
	if err != nil {
		return fmt.Errorf("presence: auto leave failed for %q: %w", c.Name, err)
	}
	if len(raw) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(raw))

	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sweepEvictedUsersCount.Add(float64(len(ids)))

	if c.cfg.CountOnly {
		return c.publish(ctx, CountDiff(-len(ids)))
	}
	return c.publish(ctx, LeavingDiff(ids...))
}

func (c *Channel) publish(ctx context.Context, diff Diff) error {
	data, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("presence: diff encode failed for %q: %w", c.Name, err)
	}
	if _, err := c.opts.Bus.Publish(ctx, c.BusChannelName(), data); err != nil {
		return fmt.Errorf("presence: diff publish failed for %q: %w", c.Name, err)
	}
	diffsPublishedCount.WithLabelValues(diff.Kind().String()).Inc()

	return nil
}
