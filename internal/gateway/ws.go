package gateway

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 32
)

// wsClient is one connected event observer. Events are serialized through a
// buffered channel; a slow client drops events rather than blocking the
// broadcaster.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
	done chan struct{}
	log  *slog.Logger
}

func newWSClient(conn *websocket.Conn, log *slog.Logger) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.Event, wsSendBuffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// enqueue hands an event to the write pump without blocking.
func (c *wsClient) enqueue(evt bus.Event) {
	select {
	case c.send <- evt:
	default:
		c.log.Warn("ws client lagging, event dropped", "client", c.id, "event", evt.Name)
	}
}

// writePump serializes events onto the socket until close.
func (c *wsClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(evt); err != nil {
				c.log.Debug("ws write failed", "client", c.id, "error", err)
				return
			}
		}
	}
}

// readPump discards client frames; the stream is one way. It returns when
// the peer closes the connection.
func (c *wsClient) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	close(c.done)
	c.conn.Close()
}
