// This file contains the Service, the per-session singleton that keeps
// the server's view of this client's channel memberships eventually
// consistent with minimal chatter. Intents queue up, deduplicate per
// channel and flush on a debounce/throttle/heartbeat schedule.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/appotry/discourse/messagebus"
	"github.com/appotry/discourse/presence"
)

const (
	// HeartbeatInterval re-sends the entered set while idle so
	// server-side entries do not expire under an engaged user.
	HeartbeatInterval = 30 * time.Second

	// DebounceDelay coalesces near-simultaneous intents into one
	// round trip.
	DebounceDelay = 500 * time.Millisecond

	// ThrottleWindow rate-limits flushes after the first one in a
	// busy period.
	ThrottleWindow = 5 * time.Second
)

// errShutdown settles work the service can no longer perform.
var errShutdown = errors.New("client: service is shut down")

type intentKind int

const (
	intentEnter intentKind = iota
	intentLeave
)

// intent is one queued enter/leave with the callers waiting on it. Dedup
// merges waiters, so a discarded intent settles with its survivor.
type intent struct {
	channel string
	kind    intentKind
	waiters []chan error
}

func (it *intent) resolve(err error) {
	for _, w := range it.waiters {
		select {
		case w <- err:
		default:
		}
	}
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Transport Transport
	Bus       messagebus.Bus

	// UserID identifies the logged-in user. Zero means anonymous;
	// enter/leave fail synchronously with presence.ErrNotLoggedIn.
	UserID int64

	// ClientID identifies this connection. Defaults to a fresh UUID.
	ClientID string

	// Clock defaults to the wall clock.
	Clock Clock

	Logger *logrus.Logger
}

// Service batches one user's channel-membership intents. One instance
// per session; Channel proxies share it.
type Service struct {
	transport Transport
	bus       messagebus.Bus
	clock     Clock
	log       *logrus.Entry

	clientID string
	userID   int64

	mu             sync.Mutex
	present        map[string]struct{}
	queue          []*intent
	updateRunning  bool
	lastUpdate     time.Time
	debounceTimer  Timer
	throttleTimer  Timer
	heartbeatTimer Timer
	shutdown       bool
}

// NewService creates a presence service for one session.
func NewService(opts ServiceOptions) *Service {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		transport: opts.Transport,
		bus:       opts.Bus,
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "presence-client"),
		clientID:  opts.ClientID,
		userID:    opts.UserID,
		present:   make(map[string]struct{}),
	}
}

// ClientID returns this session's connection identifier.
func (s *Service) ClientID() string {
	return s.clientID
}

// Channel returns a subscription proxy for the named channel. Each call
// returns a fresh, independently owned proxy.
func (s *Service) Channel(name string) *Channel {
	return &Channel{Name: name, svc: s}
}

// Enter marks this client present in the channel and blocks until the
// server confirms. Entering an already-entered channel resolves
// immediately. The server rejecting the channel surfaces as
// presence.ChannelNotFoundError.
func (s *Service) Enter(ctx context.Context, channelName string) error {
	return s.queueIntent(ctx, channelName, intentEnter)
}

// Leave removes this client from the channel and blocks until the
// server confirms. Leaving a not-entered channel resolves immediately.
func (s *Service) Leave(ctx context.Context, channelName string) error {
	return s.queueIntent(ctx, channelName, intentLeave)
}

// PresentChannels returns the channels this client currently considers
// itself in, sorted.
func (s *Service) PresentChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sortedNames(s.present)
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))

	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (s *Service) queueIntent(ctx context.Context, channelName string, kind intentKind) error {
	if s.userID <= 0 {
		return presence.ErrNotLoggedIn
	}

	s.mu.Lock()

	if s.shutdown {
		s.mu.Unlock()
		return errShutdown
	}

	_, entered := s.present[channelName]

	if kind == intentEnter {
		if entered {
			s.mu.Unlock()
			return nil
		}
		s.present[channelName] = struct{}{}
	} else {
		if !entered {
			s.mu.Unlock()
			return nil
		}
		delete(s.present, channelName)
	}

	wait := make(chan error, 1)

	s.queue = append(s.queue, &intent{
		channel: channelName,
		kind:    kind,
		waiters: []chan error{wait},
	})
	s.scheduleNextUpdateLocked()

	s.mu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dedupQueueLocked keeps only the latest intent per channel. Discarded
// intents donate their waiters to the survivor, so no caller hangs.
func (s *Service) dedupQueueLocked() {
	if len(s.queue) < 2 {
		return
	}
	survivors := make(map[string]*intent, len(s.queue))

	var order []string
	for _, it := range s.queue {
		if prev, ok := survivors[it.channel]; ok {
			it.waiters = append(prev.waiters, it.waiters...)
		} else {
			order = append(order, it.channel)
		}
		survivors[it.channel] = it
	}

	deduped := make([]*intent, 0, len(order))

	for _, channel := range order {
		deduped = append(deduped, survivors[channel])
	}
	s.queue = deduped
}

// scheduleNextUpdateLocked keeps at most one pending timer per purpose:
// queued work debounces, an idle queue falls back to the heartbeat.
func (s *Service) scheduleNextUpdateLocked() {
	if s.updateRunning || s.shutdown {
		return
	}
	if len(s.queue) > 0 {
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		if s.heartbeatTimer != nil {
			s.heartbeatTimer.Stop()

			s.heartbeatTimer = nil
		}
		s.debounceTimer = s.clock.AfterFunc(DebounceDelay, s.throttledUpdate)
	} else if s.heartbeatTimer == nil {
		s.heartbeatTimer = s.clock.AfterFunc(HeartbeatInterval, s.throttledUpdate)
	}
}

// throttledUpdate fires the first flush of a quiet period immediately
// and rate-limits followers to one per window, always sending the most
// recent state.
func (s *Service) throttledUpdate() {
	s.mu.Lock()

	sinceLast := s.clock.Now().Sub(s.lastUpdate)

	if s.lastUpdate.IsZero() || sinceLast >= ThrottleWindow {
		s.mu.Unlock()

		s.updateServer()

		return
	}
	if s.throttleTimer == nil {
		s.throttleTimer = s.clock.AfterFunc(ThrottleWindow-sinceLast, s.updateServer)
	}
	s.mu.Unlock()
}

func (s *Service) cancelTimersLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()

		s.debounceTimer = nil
	}
	if s.throttleTimer != nil {
		s.throttleTimer.Stop()

		s.throttleTimer = nil
	}
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()

		s.heartbeatTimer = nil
	}
}

// updateServer flushes the queue in one request. Only one flush may be
// in flight; callers racing it are absorbed by the rescheduling at the
// end.
func (s *Service) updateServer() {
	s.mu.Lock()

	if s.updateRunning || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.updateRunning = true
	s.lastUpdate = s.clock.Now()

	s.cancelTimersLocked()

	s.dedupQueueLocked()

	queue := s.queue
	s.queue = nil

	req := UpdateRequest{
		ClientID:        s.clientID,
		PresentChannels: sortedNames(s.present),
		LeaveChannels:   leaveChannels(queue),
	}
	s.mu.Unlock()

	resp, err := s.transport.Update(context.Background(), req)

	s.mu.Lock()

	if err != nil {
		// Put the failed intents back for the next cycle. Rate
		// limiting is expected backpressure and stays quiet.
		s.queue = append(queue, s.queue...)

		if !errors.Is(err, presence.ErrRateLimited) {
			s.log.WithError(err).Warn("presence update failed")
		}
	} else {
		for _, it := range queue {
			if ok, found := resp[it.channel]; found && !ok {
				if it.kind == intentEnter {
					delete(s.present, it.channel)
				}
				it.resolve(&presence.ChannelNotFoundError{Channel: it.channel})
			} else {
				it.resolve(nil)
			}
		}
	}
	s.updateRunning = false

	s.scheduleNextUpdateLocked()

	s.mu.Unlock()
}

func leaveChannels(queue []*intent) []string {
	var out []string
	for _, it := range queue {
		if it.kind == intentLeave {
			out = append(out, it.channel)
		}
	}
	sort.Strings(out)

	return out
}

// Shutdown is the page-unload path: a best-effort beacon asking the
// server to drop this client from every entered channel plus any leaves
// still queued. The service accepts no new work afterwards.
func (s *Service) Shutdown() {
	s.mu.Lock()

	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true

	s.cancelTimersLocked()

	s.dedupQueueLocked()

	leaving := make(map[string]struct{}, len(s.present))

	for name := range s.present {
		leaving[name] = struct{}{}
	}
	for _, it := range s.queue {
		if it.kind == intentLeave {
			leaving[it.channel] = struct{}{}
		}
	}

	// Nothing will flush these now; unblock their callers.
	for _, it := range s.queue {
		it.resolve(errShutdown)
	}
	s.queue = nil

	req := UpdateRequest{
		ClientID:      s.clientID,
		LeaveChannels: sortedNames(leaving),
	}
	s.mu.Unlock()

	s.transport.Beacon(req)
}
