// Package ws streams cluster events (agent presence, blabs) to supervisor
// dashboards over a WebSocket, as a push alternative to the agent poll
// channel.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Feed upgrades supervisor connections and forwards bus events to them.
type Feed struct {
	bus      bus.EventBus
	subject  string
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewFeed creates a feed over every subject matching pattern.
func NewFeed(b bus.EventBus, pattern string, log *logger.Logger) *Feed {
	if log == nil {
		log = logger.Default()
	}
	return &Feed{
		bus:     b,
		subject: pattern,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws-feed")),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: f.logger,
	}

	sub, err := f.bus.Subscribe(f.subject, c.forward)
	if err != nil {
		f.logger.Error("feed subscribe failed", zap.Error(err))
		conn.Close()
		return
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	go c.writePump()
	c.readPump()
}

// client is one connected dashboard.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger
}

// forward implements bus.EventHandler.
func (c *client) forward(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping event")
	}
	return nil
}

// readPump discards client input; the feed is one-way. It exists to notice
// closes and keep pong handling alive.
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps events from the bus subscription to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued events
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
