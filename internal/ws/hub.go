// Package ws provides the WebSocket trade feed: one topic per trading
// pair with a replay buffer so reconnecting clients can catch up from
// their last acknowledged sequence number.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cantonex/engine/internal/trading/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	replayDepth    = 256
	sendBuffer     = 64
)

// Message wraps a payload with its topic and sequence for replay.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

// add appends a message, overwriting old entries when full.
func (r *ringBuffer) add(msg Message) {
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// getSince returns messages with Seq > since.
func (r *ringBuffer) getSince(since uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// client represents a single WebSocket connection.
type client struct {
	conn   *websocket.Conn
	send   chan Message
	topics map[string]struct{}
	hub    *Hub
}

// subscribeRequest is the client -> server control message.
type subscribeRequest struct {
	Op    string `json:"op"` // "subscribe" | "unsubscribe"
	Topic string `json:"topic"`
	Since uint64 `json:"since,omitempty"`
}

// Hub fans settled trades out to subscribed WebSocket clients. It
// implements the lifecycle manager's TradeSink.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	replay  map[string]*ringBuffer

	seq      uint64
	upgrader websocket.Upgrader
}

// NewHub creates an idle hub; Close releases it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		replay:  make(map[string]*ringBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The party is already authorized upstream; origin checks
			// belong to the proxy layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// TradeTopic returns the topic name carrying a pair's trades.
func TradeTopic(pair string) string { return "trades:" + pair }

// PublishTrade broadcasts a settled trade to the pair's topic.
func (h *Hub) PublishTrade(t *model.Trade) {
	data, err := json.Marshal(t)
	if err != nil {
		h.logger.Error("failed to encode trade for broadcast", zap.Error(err))
		return
	}
	msg := Message{
		Topic: TradeTopic(t.Pair),
		Seq:   atomic.AddUint64(&h.seq, 1),
		Data:  data,
	}

	h.mu.Lock()
	rb, ok := h.replay[msg.Topic]
	if !ok {
		rb = newRingBuffer(replayDepth)
		h.replay[msg.Topic] = rb
	}
	rb.add(msg)
	for c := range h.clients {
		if _, sub := c.topics[msg.Topic]; !sub {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop the connection rather than block the
			// settlement path.
			close(c.send)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
}

// ServeWS upgrades an HTTP request into a feed connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		topics: make(map[string]struct{}),
		hub:    h,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var req subscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Op {
		case "subscribe":
			c.hub.subscribe(c, req.Topic, req.Since)
		case "unsubscribe":
			c.hub.unsubscribe(c, req.Topic)
		}
	}
}

func (c *client) writePump() {
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

func (h *Hub) subscribe(c *client, topic string, since uint64) {
	h.mu.Lock()
	c.topics[topic] = struct{}{}
	var backlog []Message
	if rb, ok := h.replay[topic]; ok {
		backlog = rb.getSince(since)
	}
	h.mu.Unlock()

	for _, msg := range backlog {
		select {
		case c.send <- msg:
		default:
			return
		}
	}
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	delete(c.topics, topic)
	h.mu.Unlock()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
