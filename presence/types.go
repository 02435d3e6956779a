// Package presence tracks which users are present in named channels
// across many client connections and server processes. Membership lives
// in Redis with per-entry expiry, and incremental membership changes are
// broadcast as diffs over an ordered message bus so that subscribed
// clients can maintain a live view without polling.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/appotry/discourse/messagebus"
)

const (
	// DefaultTimeout is how long a client entry stays live without a
	// refresh. Clients heartbeat well within this window.
	DefaultTimeout = 60 * time.Second

	// gcWindow bounds the entry timeout and, together with gcSlack,
	// the TTL on the backing Redis keys. An abandoned channel's keys
	// disappear on their own within this window.
	gcWindow = 10 * time.Minute
	gcSlack  = 5 * time.Minute
)

// UserSummary is the opaque display record for a present user. Identity
// resolution is external; the zero summary carries only the id.
type UserSummary struct {
	ID             int64  `json:"id"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	AvatarTemplate string `json:"avatar_template,omitempty"`
}

// UserLookup resolves user ids to display summaries for roster diffs.
type UserLookup func(ctx context.Context, ids []int64) ([]UserSummary, error)

// State is the channel snapshot handed to a new subscriber. Users is nil
// for count-only channels. LastMessageID is the bus position to resume
// the diff stream from.
type State struct {
	Count         int           `json:"count"`
	Users         []UserSummary `json:"users"`
	LastMessageID int64         `json:"last_message_id"`
}

// MarshalJSON keeps the users key when a roster is present, even an
// empty one. The key's presence on the wire is what tells a subscriber
// which mode the channel is in; only count-only snapshots omit it.
func (s State) MarshalJSON() ([]byte, error) {
	type wire struct {
		Count         int            `json:"count"`
		Users         *[]UserSummary `json:"users,omitempty"`
		LastMessageID int64          `json:"last_message_id"`
	}
	out := wire{Count: s.Count, LastMessageID: s.LastMessageID}

	if s.Users != nil {
		out.Users = &s.Users
	}
	return json.Marshal(out)
}

// ChannelConfig describes one channel's behavior.
type ChannelConfig struct {
	// Timeout is the per-entry expiry window. Zero means
	// DefaultTimeout; values above the GC window are clamped to it.
	Timeout time.Duration

	// CountOnly channels publish only count deltas, never user
	// identities.
	CountOnly bool
}

// Resolver decides whether a channel name exists and how it behaves.
// Returning (nil, nil) means the name is unknown and operations on it
// fail with ChannelNotFoundError.
type Resolver func(ctx context.Context, name string) (*ChannelConfig, error)

// Options configures a Registry and the channels it produces.
type Options struct {
	Redis *redis.Client
	Bus   messagebus.Bus

	// Resolver defaults to accepting every name as a roster channel.
	Resolver Resolver

	// UserLookup defaults to returning bare-id summaries.
	UserLookup UserLookup

	// Now is the time source, for tests. Defaults to time.Now.
	Now func() time.Time

	Logger *logrus.Logger
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Resolver == nil {
		out.Resolver = func(ctx context.Context, name string) (*ChannelConfig, error) {
			return &ChannelConfig{}, nil
		}
	}
	if out.UserLookup == nil {
		out.UserLookup = func(ctx context.Context, ids []int64) ([]UserSummary, error) {
			summaries := make([]UserSummary, len(ids))
			for i, id := range ids {
				summaries[i] = UserSummary{ID: id}
			}
			return summaries, nil
		}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return &out
}
