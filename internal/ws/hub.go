// Package ws streams core events to WebSocket clients with per-topic
// replay buffers.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Aidin1998/sigswap/internal/messaging"
	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	TopicOrders = "orders"
	TopicTrades = "trades"
)

// Message wraps a payload with sequencing for replay.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N messages for a topic. It is only touched by
// the hub's run goroutine.
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

// Client represents a single WebSocket connection.
type Client struct {
	id            string
	conn          *websocket.Conn
	send          chan Message
	subscriptions map[string]uint64 // topic -> replay start, owned by the hub goroutine
	hub           *Hub
}

type subscription struct {
	client *Client
	topics []string
	since  uint64
	remove bool
}

// subscribeRequest is what clients send: {"subscribe":["orders"],"since":12}
type subscribeRequest struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
	Since       uint64   `json:"since"`
}

// Hub manages all WebSocket clients. Every piece of hub state is owned by
// the run goroutine and changed through its channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan Message
	done       chan struct{}

	clients    map[*Client]struct{}
	buffers    map[string]*ringBuffer
	replaySize int
	nextSeq    uint64

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub creates a Hub with the given replay buffer size per topic and
// starts it.
func NewHub(replaySize int, logger *zap.Logger) *Hub {
	if replaySize <= 0 {
		replaySize = 1000
	}
	h := &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		broadcast:  make(chan Message, 1024),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		buffers:    make(map[string]*ringBuffer),
		replaySize: replaySize,
		nextSeq:    1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	go h.run()
	return h
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case s := <-h.subscribe:
			if _, ok := h.clients[s.client]; !ok {
				continue
			}
			for _, topic := range s.topics {
				if s.remove {
					delete(s.client.subscriptions, topic)
					continue
				}
				s.client.subscriptions[topic] = s.since
				if buf, ok := h.buffers[topic]; ok {
					for _, m := range buf.getSince(s.since) {
						h.deliver(s.client, m)
					}
				}
			}
		case msg := <-h.broadcast:
			msg.Seq = h.nextSeq
			h.nextSeq++
			buf, ok := h.buffers[msg.Topic]
			if !ok {
				buf = newRingBuffer(h.replaySize)
				h.buffers[msg.Topic] = buf
			}
			buf.add(msg)
			for c := range h.clients {
				if since, sub := c.subscriptions[msg.Topic]; sub && msg.Seq > since {
					h.deliver(c, msg)
				}
			}
		}
	}
}

func (h *Hub) deliver(c *Client, m Message) {
	select {
	case c.send <- m:
	default:
		// slow client, drop
		metrics.EventPublishErrors.WithLabelValues("ws").Inc()
	}
}

// ServeWS upgrades HTTP to WS and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan Message, 256),
		subscriptions: make(map[string]uint64),
		hub:           h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	h.logger.Debug("websocket client connected", zap.String("client_id", c.id))
	go c.writePump()
	go c.readPump()
}

// Broadcast publishes a payload to a topic. It never blocks; messages are
// dropped when the hub is saturated.
func (h *Hub) Broadcast(topic string, data []byte) {
	select {
	case h.broadcast <- Message{Topic: topic, Data: data}:
	default:
		metrics.EventPublishErrors.WithLabelValues("ws").Inc()
	}
}

// Publish implements events.Sink.
func (h *Hub) Publish(e events.Event) {
	msg, _, _, ok := messaging.FromEvent(e, "sigswap")
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode websocket event", zap.Error(err))
		return
	}
	topic := TopicOrders
	if e.Kind == events.MatchSettled {
		topic = TopicTrades
	}
	h.Broadcast(topic, data)
}

// readPump handles incoming control frames and subscription requests.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		for _, s := range []subscription{
			{client: c, topics: req.Subscribe, since: req.Since},
			{client: c, topics: req.Unsubscribe, remove: true},
		} {
			if len(s.topics) == 0 {
				continue
			}
			select {
			case c.hub.subscribe <- s:
			case <-c.hub.done:
				return
			}
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() { ticker.Stop(); c.conn.Close() }()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ events.Sink = (*Hub)(nil)
