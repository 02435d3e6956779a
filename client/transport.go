package client

import (
	"context"

	"github.com/appotry/discourse/presence"
)

// UpdateRequest is one batched round trip to the server: the full set of
// channels this client is currently in, plus the channels being left in
// this batch.
type UpdateRequest struct {
	ClientID        string   `json:"client_id"`
	PresentChannels []string `json:"present_channels"`
	LeaveChannels   []string `json:"leave_channels"`
}

// Transport is the client's view of the presence server.
type Transport interface {
	// State fetches a channel snapshot. Unknown channels fail with
	// presence.ChannelNotFoundError.
	State(ctx context.Context, channel string) (*presence.State, error)

	// Update applies a batched update. The result maps each named
	// channel to false when the server rejected it. A backoff signal
	// is reported as presence.ErrRateLimited, distinct from other
	// failures.
	Update(ctx context.Context, req UpdateRequest) (map[string]bool, error)

	// Beacon is the fire-and-forget unload path. Errors are ignored;
	// the server's sweep covers a lost beacon.
	Beacon(req UpdateRequest)
}
