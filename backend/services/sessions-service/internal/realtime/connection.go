package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 4096
	pongWait     = 60 * time.Second
)

// clientFrame is what dashboards send: {"action":"subscribe","group":"station","id":"12"}.
type clientFrame struct {
	Action string `json:"action"`
	Group  string `json:"group"`
	ID     string `json:"id"`
}

// ConnOptions tunes a websocket connection.
type ConnOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// UserID is the authenticated caller; zero allows no user group.
	UserID int64
}

// Connection is one websocket client.
type Connection struct {
	id     string
	ws     *websocket.Conn
	hub    *Hub
	opts   ConnOptions
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewConnection builds connection wrapper.
func NewConnection(id string, ws *websocket.Conn, hub *Hub, opts ConnOptions, logger *zap.Logger) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= pongWait {
		opts.PingInterval = 30 * time.Second
	}
	return &Connection{
		id:     id,
		ws:     ws,
		hub:    hub,
		opts:   opts,
		logger: logger.With(zap.String("conn_id", id)),
		send:   make(chan []byte, opts.SendBuffer),
	}
}

// ID returns identifier.
func (c *Connection) ID() string {
	return c.id
}

// Send enqueues a frame without blocking.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the connection; pumps exit and the hub forgets it.
func (c *Connection) Close() error {
	return c.ws.Close()
}

// Start launches read/write pumps and blocks until the client goes away.
func (c *Connection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("realtime connection read closed", zap.Error(err))
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *Connection) handleFrame(message []byte) {
	var frame clientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.reply("Error", "", "malformed frame")
		return
	}

	kind := Kind(frame.Group)
	id, err := strconv.ParseInt(frame.ID, 10, 64)
	if !kind.Valid() || err != nil || id <= 0 {
		c.reply("Error", "", "unknown group")
		return
	}
	if kind == KindUser && id != c.opts.UserID {
		c.reply("Error", Group(kind, id), "cannot subscribe to another user")
		return
	}
	group := Group(kind, id)

	switch frame.Action {
	case "subscribe":
		if err := c.hub.Subscribe(c, group); err != nil {
			c.reply("Error", group, err.Error())
			return
		}
		c.reply("Subscribed", group, "")
	case "unsubscribe":
		c.hub.Unsubscribe(c, group)
		c.reply("Unsubscribed", group, "")
	default:
		c.reply("Error", group, "unknown action")
	}
}

func (c *Connection) reply(event, group, message string) {
	var data interface{}
	if message != "" {
		data = map[string]string{"message": message}
	}
	frame, err := json.Marshal(Envelope{Event: event, Group: group, Data: data, SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.Send(frame); err != nil {
		c.logger.Warn("failed to queue ack", zap.Error(err))
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, []byte{})
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) cleanup() {
	c.hub.Unregister(c)
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.ws.Close()
	c.logger.Info("realtime client disconnected")
}
