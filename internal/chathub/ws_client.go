package chathub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatpair/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// InboundHandler receives every event a WebSocket user sends.
type InboundHandler func(ctx context.Context, ev models.InboundEvent)

// wsInbound is the JSON frame a browser client sends.
type wsInbound struct {
	Text     string `json:"text,omitempty"`
	Command  string `json:"command,omitempty"`
	Callback string `json:"callback,omitempty"`
	Language string `json:"language,omitempty"`
}

// WSGateway is the WebSocket transport. It implements Messenger for users
// whose ids carry WSUserPrefix.
type WSGateway struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	handler InboundHandler
	logger  *slog.Logger
}

func NewWSGateway(logger *slog.Logger) *WSGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSGateway{clients: make(map[string]*wsClient), logger: logger}
}

// SetHandler installs the inbound handler; it must be set before Register.
func (g *WSGateway) SetHandler(h InboundHandler) { g.handler = h }

// wsClient is one live WebSocket connection.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan models.OutboundMessage
	gw     *WSGateway
	mu     sync.Mutex
	closed bool
}

// Register takes ownership of conn for userID and starts its pumps.
// A previous connection of the same user is closed.
func (g *WSGateway) Register(userID string, conn *websocket.Conn) {
	c := &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan models.OutboundMessage, sendBuffer),
		gw:     g,
	}

	g.mu.Lock()
	old := g.clients[userID]
	g.clients[userID] = c
	g.mu.Unlock()

	if old != nil {
		old.close()
	}
	g.logger.Info("websocket client connected", slog.String("user_id", userID))

	go c.writePump()
	go c.readPump()
}

func (g *WSGateway) unregister(c *wsClient) {
	g.mu.Lock()
	if cur, ok := g.clients[c.userID]; ok && cur == c {
		delete(g.clients, c.userID)
	}
	g.mu.Unlock()
	c.close()
}

func (g *WSGateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// SendMessage queues a message for the user's connection. It never blocks:
// a missing or backed-up connection is a delivery failure.
func (g *WSGateway) SendMessage(_ context.Context, userID, text string, opts models.SendOptions) error {
	g.mu.RLock()
	c, ok := g.clients[userID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not connected", models.ErrDeliveryFailure, userID)
	}

	msg := models.OutboundMessage{Text: text, Buttons: opts.Buttons, System: opts.System}
	if !c.enqueue(msg) {
		g.unregister(c)
		return fmt.Errorf("%w: %s send buffer full or closed", models.ErrDeliveryFailure, userID)
	}
	return nil
}

// Close drops every connection.
func (g *WSGateway) Close() {
	g.mu.Lock()
	clients := g.clients
	g.clients = make(map[string]*wsClient)
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *wsClient) enqueue(msg models.OutboundMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close stops the write pump, which closes the connection.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.gw.unregister(c)
		c.conn.Close()
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
				c.gw.logger.Warn("websocket read failed", slog.String("user_id", c.userID), slog.String("error", err.Error()))
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.gw.logger.Warn("undecodable websocket frame", slog.String("user_id", c.userID), slog.String("error", err.Error()))
			continue
		}
		if c.gw.handler == nil {
			continue
		}
		c.gw.handler(context.Background(), models.InboundEvent{
			UserID:   c.userID,
			Text:     in.Text,
			Command:  in.Command,
			Callback: in.Callback,
			Meta:     models.PlatformMeta{LanguageCode: in.Language},
		})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.gw.logger.Warn("websocket write failed", slog.String("user_id", c.userID), slog.String("error", err.Error()))
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
