package presence

import (
	"errors"
	"fmt"
)

// ChannelNotFoundError reports an operation against a channel name the
// resolver rejected.
type ChannelNotFoundError struct {
	Channel string
}

func (e *ChannelNotFoundError) Error() string {
	return fmt.Sprintf("presence channel %q not found", e.Channel)
}

// IsChannelNotFound reports whether err is a ChannelNotFoundError.
func IsChannelNotFound(err error) bool {
	var notFound *ChannelNotFoundError
	return errors.As(err, &notFound)
}

// ErrRateLimited signals that the server asked the client to back off.
// Callers requeue and retry on the next scheduling cycle instead of
// surfacing it.
var ErrRateLimited = errors.New("presence: rate limited")

// ErrNotLoggedIn is returned when enter/leave is attempted without an
// identified user.
var ErrNotLoggedIn = errors.New("presence: must be logged in")
