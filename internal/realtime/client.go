package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/course-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Client is one connected websocket peer.
type Client struct {
	DriverID uuid.UUID
	Role     models.Role
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, driverID uuid.UUID, role models.Role) *Client {
	return &Client{DriverID: driverID, Role: role, hub: hub, conn: conn, send: make(chan []byte, sendBuffer)}
}

// Serve registers the client and runs its pumps. It returns when the
// connection dies.
func (c *Client) Serve() {
	c.hub.register <- c
	go c.writePump()
	c.readPump()
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// slow consumer; at-most-once delivery allows dropping
		c.hub.logger.Warn("client send buffer full, dropping", "driver_id", c.DriverID)
	}
}

// readPump discards inbound frames; the channel is server-to-client only.
// It keeps the connection alive via pong handling and detects closure.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
