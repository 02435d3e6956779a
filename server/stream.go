// This file contains the websocket diff stream. Each connection follows
// one channel's bus messages from a client-supplied position; a consumer
// that cannot keep up is dropped and expected to resync over HTTP.
package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/appotry/discourse/messagebus"
	"github.com/appotry/discourse/presence"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("channel")
	if name == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "from must be a non-negative integer", http.StatusBadRequest)
			return
		}
		from = parsed
	}

	if _, err := s.registry.Channel(r.Context(), name); err != nil {
		if presence.IsChannelNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.internalError(w, name, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	stream := &streamConn{
		conn: conn,
		out:  make(chan messagebus.Message, streamBuffer),
		done: make(chan struct{}),
		log:  s.log.WithField("channel", name),
	}

	sub, err := s.bus.Subscribe(presence.BusChannelName(name), stream.enqueue, from)
	if err != nil {
		stream.log.WithError(err).Warn("stream subscribe failed")

		conn.Close()

		return
	}
	defer s.bus.Unsubscribe(sub)

	go stream.readLoop()

	stream.writeLoop()
}

type streamConn struct {
	conn *websocket.Conn
	out  chan messagebus.Message
	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

func (c *streamConn) stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

// enqueue runs on the bus delivery goroutine. A full buffer means the
// consumer is too slow to trust; dropping the connection is safer than
// silently skipping a diff.
func (c *streamConn) enqueue(msg messagebus.Message) {
	select {
	case <-c.done:
	case c.out <- msg:
	default:
		c.stop()
	}
}

// readLoop discards client frames; its job is noticing the close.
func (c *streamConn) readLoop() {
	defer c.stop()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamConn) writeLoop() {
	defer c.conn.Close()

	ticker := time.NewTicker(streamPingInterval)

	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.WithError(err).Debug("stream write failed")

				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(streamWriteTimeout)

			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
