package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"unitynets-realtime/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ReadMarker is the slice of the message service the socket drives directly.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error
}

// Client is one WebSocket connection for one authenticated user.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   uuid.UUID
	clientID string
	log      *logger.Logger

	convMu        sync.RWMutex
	conversations map[uuid.UUID]bool

	closed int32
}

// ClientMessage is the inbound frame shape.
type ClientMessage struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id,omitempty"`
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, log *logger.Logger) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		userID:        userID,
		clientID:      uuid.New().String(),
		conversations: make(map[uuid.UUID]bool),
		log:           log,
	}
}

func (c *Client) enqueue(data []byte, log *logger.Logger) {
	select {
	case c.send <- data:
	default:
		log.Warnf("server: send buffer full user=%s client=%s", c.userID, c.clientID)
	}
}

func (c *Client) inConversation(id uuid.UUID) bool {
	c.convMu.RLock()
	defer c.convMu.RUnlock()
	return c.conversations[id]
}

func (c *Client) setConversations(ids map[uuid.UUID]bool) {
	c.convMu.Lock()
	c.conversations = ids
	c.convMu.Unlock()
}

func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.send)
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warnf("server: unexpected close user=%s: %v", c.userID, err)
			}
			return
		}
		if err := c.handleMessage(data); err != nil {
			c.log.Warnf("server: handle frame user=%s: %v", c.userID, err)
		}
	}
}

func (c *Client) handleMessage(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch msg.Type {
	case "ping":
		c.enqueue([]byte(`{"type":"pong"}`), c.log)
		return nil
	case "read":
		if c.hub.readMarker == nil || msg.ConversationID == uuid.Nil {
			return nil
		}
		return c.hub.readMarker.MarkRead(context.Background(), msg.ConversationID, c.userID)
	default:
		return nil
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
