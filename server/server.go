// Package server exposes the presence system over HTTP: snapshot reads,
// batched updates, the unload beacon, a websocket diff stream and
// prometheus metrics. Authentication is external; callers plug in a
// CurrentUser hook that extracts the requesting user from the request.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bmizerany/pat"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/appotry/discourse/messagebus"
	"github.com/appotry/discourse/presence"
)

const (
	// DefaultRateLimit bounds /presence/update calls per client within
	// DefaultRateWindow. Clients self-throttle to one flush per 5s, so
	// the ceiling leaves room for bursts without letting a broken
	// client spin.
	DefaultRateLimit  = 10
	DefaultRateWindow = 10 * time.Second

	shutdownTimeout = 5 * time.Second
)

// CurrentUser extracts the requesting user's id from the request. The
// second result is false for anonymous requests.
type CurrentUser func(r *http.Request) (int64, bool)

// HeaderAuth returns a CurrentUser that trusts a numeric user id in the
// named header. Suitable behind a proxy that authenticates upstream.
func HeaderAuth(header string) CurrentUser {
	return func(r *http.Request) (int64, bool) {
		id, err := strconv.ParseInt(r.Header.Get(header), 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
}

// Options configures a Server.
type Options struct {
	Registry *presence.Registry
	Bus      messagebus.Bus

	// CurrentUser defaults to treating every request as anonymous,
	// which rejects all updates.
	CurrentUser CurrentUser

	// Limiter defaults to DefaultRateLimit per DefaultRateWindow.
	Limiter *RateLimiter

	Logger *logrus.Logger
}

// Server is the HTTP face of the presence system.
type Server struct {
	registry    *presence.Registry
	bus         messagebus.Bus
	currentUser CurrentUser
	limiter     *RateLimiter
	log         *logrus.Entry
}

// New creates a Server. Registry and Bus are required.
func New(opts Options) *Server {
	if opts.CurrentUser == nil {
		opts.CurrentUser = func(*http.Request) (int64, bool) { return 0, false }
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Server{
		registry:    opts.Registry,
		bus:         opts.Bus,
		currentUser: opts.CurrentUser,
		limiter:     opts.Limiter,
		log:         opts.Logger.WithField("component", "presence-server"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := pat.New()

	mux.Get("/presence/get", http.HandlerFunc(s.handleGet))
	mux.Post("/presence/update", http.HandlerFunc(s.handleUpdate))
	mux.Post("/presence/unload", http.HandlerFunc(s.handleUnload))
	mux.Get("/presence/stream", http.HandlerFunc(s.handleStream))
	mux.Get("/metrics", promhttp.Handler())

	return mux
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}

	pruneCtx, stopPruner := context.WithCancel(ctx)

	defer stopPruner()

	go s.limiter.RunPruner(pruneCtx, DefaultRateWindow)

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.WithField("addr", addr).Info("listening")

	select {
	case err := <-errCh:
		return pkgerrors.Wrap(err, "presence server failed")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)

	defer cancel()

	return pkgerrors.Wrap(httpServer.Shutdown(shutdownCtx), "presence server shutdown failed")
}

type updateRequest struct {
	ClientID        string   `json:"client_id"`
	PresentChannels []string `json:"present_channels"`
	LeaveChannels   []string `json:"leave_channels"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("channel")
	if name == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	channel, err := s.registry.Channel(r.Context(), name)

	if presence.IsChannelNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, name, err)
		return
	}
	state, err := channel.State(r.Context())
	if err != nil {
		s.internalError(w, name, err)
		return
	}
	s.writeJSON(w, state)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUser(r)
	if !ok {
		http.Error(w, "must be logged in", http.StatusForbidden)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	if !s.limiter.Allow(limiterKey(userID, req.ClientID)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	result, err := s.applyUpdate(r.Context(), userID, req)
	if err != nil {
		s.internalError(w, req.ClientID, err)
		return
	}
	s.writeJSON(w, result)
}

// handleUnload is the beacon target. Browsers cannot observe the
// response, so every failure short of a missing body is swallowed and
// the sweep covers whatever is left behind.
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUser(r)

	var req updateRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && ok && req.ClientID != "" {
		req.PresentChannels = nil

		if _, err := s.applyUpdate(r.Context(), userID, req); err != nil {
			s.log.WithError(err).Warn("unload beacon failed")
		}
	}
	s.writeJSON(w, map[string]bool{})
}

// applyUpdate executes one batched update: refresh every present
// channel, leave every named one. Unknown channels map to false in the
// result rather than failing the batch.
func (s *Server) applyUpdate(ctx context.Context, userID int64, req updateRequest) (map[string]bool, error) {
	result := make(map[string]bool)

	for _, name := range req.PresentChannels {
		channel, err := s.registry.Channel(ctx, name)

		if presence.IsChannelNotFound(err) {
			result[name] = false
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := channel.Present(ctx, userID, req.ClientID); err != nil {
			return nil, err
		}
		result[name] = true
	}
	for _, name := range req.LeaveChannels {
		channel, err := s.registry.Channel(ctx, name)

		if presence.IsChannelNotFound(err) {
			result[name] = false
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := channel.Leave(ctx, userID, req.ClientID); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, nil
}

func limiterKey(userID int64, clientID string) string {
	return strconv.FormatInt(userID, 10) + "/" + clientID
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("response write failed")
	}
}

func (s *Server) internalError(w http.ResponseWriter, subject string, err error) {
	s.log.WithField("subject", subject).WithError(err).Error("request failed")

	http.Error(w, "internal error", http.StatusInternalServerError)
}
