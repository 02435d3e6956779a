// This file contains the Registry, which resolves channel names to
// configured Channel handles and drives the global sweep over every
// channel name ever touched.
package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry hands out Channel handles and owns the sweep. One Registry
// per process is typical.
type Registry struct {
	opts *Options
	log  *logrus.Entry
}

// NewRegistry creates a registry. Redis and Bus are required; everything
// else falls back to defaults.
func NewRegistry(opts Options) *Registry {
	withDefaults := opts.withDefaults()

	return &Registry{
		opts: withDefaults,
		log:  withDefaults.Logger.WithField("component", "presence"),
	}
}

// Channel resolves name and returns a handle for it. Unknown names fail
// with ChannelNotFoundError.
func (r *Registry) Channel(ctx context.Context, name string) (*Channel, error) {
	cfg, err := r.opts.Resolver(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &ChannelNotFoundError{Channel: name}
	}
	return newChannel(name, *cfg, r.opts), nil
}

// ChannelNames returns every channel name ever touched. The set is
// persistent; names are never removed, inert channels just have no live
// entries.
func (r *Registry) ChannelNames(ctx context.Context) ([]string, error) {
	return r.opts.Redis.SMembers(ctx, channelsKey).Result()
}

// AutoLeaveAll sweeps every registered channel, evicting expired entries
// and publishing the batched leaving diffs. Individual channel failures
// are logged and do not stop the sweep.
func (r *Registry) AutoLeaveAll(ctx context.Context) error {
	sweepRunsCount.Inc()

	names, err := r.ChannelNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		channel, err := r.Channel(ctx, name)

		if IsChannelNotFound(err) {
			// The resolver no longer knows the name; still evict
			// stored entries so they do not linger. The recorded
			// mode keeps a count-only channel's eviction diffs
			// count-only.
			channel = newChannel(name, r.storedConfig(ctx, name), r.opts)
		} else if err != nil {
			r.log.WithField("channel", name).WithError(err).Warn("sweep: resolve failed")

			continue
		}
		if err := channel.AutoLeave(ctx); err != nil {
			r.log.WithField("channel", name).WithError(err).Warn("sweep: auto leave failed")
		}
	}
	return nil
}

// storedConfig rebuilds a config for a name the resolver no longer
// knows, from the mode recorded at the channel's last mutation. Names
// with no recorded mode default to a roster channel.
func (r *Registry) storedConfig(ctx context.Context, name string) ChannelConfig {
	mode, err := r.opts.Redis.HGet(ctx, modesKey, name).Result()
	if err != nil {
		return ChannelConfig{}
	}
	return ChannelConfig{CountOnly: mode == "1"}
}

// RunSweeper runs AutoLeaveAll on the given interval until ctx is done.
// The sweep period bounds how stale an abandoned client's presence can
// get, independent of read traffic.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTimeout
	}
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	r.log.WithField("interval", interval).Info("sweeper started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("sweeper stopped")

			return
		case <-ticker.C:
			if err := r.AutoLeaveAll(ctx); err != nil {
				r.log.WithError(err).Warn("sweep failed")
			}
		}
	}
}
