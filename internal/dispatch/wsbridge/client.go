package wsbridge

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// client is one connected worker's persistent channel. Reads are pumped
// into the Hub's frame handler; writes are serialized through send so
// multiple goroutines (dispatcher handoff, event fanout) can write
// concurrently without racing on the underlying websocket.Conn.
type client struct {
	workerID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	log      *logging.Logger
}

func newClient(hub *Hub, workerID string, conn *websocket.Conn) *client {
	return &client{
		workerID: workerID,
		conn:     conn,
		send:     make(chan []byte, 64),
		hub:      hub,
		log:      hub.log.With("worker_id", workerID),
	}
}

func (c *client) enqueue(f Frame) error {
	f.Timestamp = time.Now()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errClientBacklogFull
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warn("malformed frame from worker", "error", err)
			continue
		}
		c.hub.handleFrame(c, f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
