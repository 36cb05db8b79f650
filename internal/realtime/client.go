package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one websocket connection. It subscribes to bus channels on behalf
// of its actor; the bus hands events over without blocking.
type Client struct {
	id    string
	actor models.Actor
	conn  *websocket.Conn
	g     *Gateway

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	searchingRide string
}

func (c *Client) SubscriberID() string { return c.id }

func (c *Client) Deliver(e events.Event) bool {
	return c.sendFrame(e.Name, e.Payload)
}

func (c *Client) sendFrame(name string, payload any) bool {
	b, err := json.Marshal(outbound{Type: name, Data: payload})
	if err != nil {
		c.g.logger.Error("encode frame failed", "conn_id", c.id, "event", name, "error", err)
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(msg string) {
	c.sendFrame(events.Error, events.ErrorPayload{Message: msg})
}

func (c *Client) setSearching(rideID string) {
	c.mu.Lock()
	c.searchingRide = rideID
	c.mu.Unlock()
}

func (c *Client) searching() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchingRide
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.g.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.g.logger.Warn("ws read error", "conn_id", c.id, "error", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.g.handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
