// Package realtime is the websocket channel: it pushes stored readings and
// merge results to dashboards and accepts readings from connected devices.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

const (
	EventSensorReading  = "sensor_reading"
	EventMergeCompleted = "merge_completed"
	EventAck            = "ack"
	EventError          = "error"
	EventPing           = "ping"
	EventPong           = "pong"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
	ingestTimeout  = 10 * time.Second
)

type Ingester interface {
	Ingest(ctx context.Context, raw reading.Raw, source string) (ingest.Result, error)
}

// Message is the envelope of every frame in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type storedEvent struct {
	Action  merge.Action    `json:"action"`
	Reading reading.Reading `json:"reading"`
}

type ackEvent struct {
	Action    merge.Action `json:"action"`
	ReadingID int64        `json:"reading_id"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type Options struct {
	AllowedOrigins []string
}

type Hub struct {
	ingester Ingester
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewHub(ingester Ingester, logger zerolog.Logger, opts Options) *Hub {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		allowed[origin] = struct{}{}
	}

	h := &Hub{
		ingester: ingester,
		logger:   logger.With().Str("component", "realtime").Logger(),
		clients:  make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", h.Clients()).Msg("websocket client connected")

	go c.writePump()
	c.readPump()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ReadingStored broadcasts an inserted or merged reading.
func (h *Hub) ReadingStored(r reading.Reading, action merge.Action) {
	h.broadcast(EventSensorReading, storedEvent{Action: action, Reading: r})
}

// PassCompleted broadcasts the statistics of a merge pass that changed data.
func (h *Hub) PassCompleted(stats merge.Statistics) {
	h.broadcast(EventMergeCompleted, stats)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) broadcast(eventType string, data any) {
	frame, err := encode(eventType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", eventType).Msg("encode realtime event")
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.trySend(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Msg("dropping slow websocket client")
		h.unregister(c)
	}
}

func (h *Hub) handleMessage(c *client, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.reply(EventError, errorEvent{Message: "invalid message"})
		return
	}

	switch msg.Type {
	case EventPing:
		c.reply(EventPong, nil)
	case EventSensorReading:
		if len(msg.Data) == 0 {
			c.reply(EventError, errorEvent{Message: "data is required"})
			return
		}
		raw, err := reading.DecodeRaw(msg.Data)
		if err != nil {
			c.reply(EventError, errorEvent{Message: err.Error()})
			return
		}
		if h.ingester == nil {
			c.reply(EventError, errorEvent{Message: "ingestion is not available"})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		res, err := h.ingester.Ingest(ctx, raw, reading.SourceRealtime)
		cancel()
		if err != nil {
			h.logger.Warn().Err(err).Msg("realtime reading rejected")
			c.reply(EventError, errorEvent{Message: err.Error()})
			return
		}
		c.reply(EventAck, ackEvent{Action: res.Action, ReadingID: res.Reading.ID})
	default:
		c.reply(EventError, errorEvent{Message: "unsupported message type"})
	}
}

func (c *client) reply(eventType string, data any) {
	frame, err := encode(eventType, data)
	if err != nil {
		return
	}
	c.trySend(frame)
}

func (c *client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.hub.handleMessage(c, payload)
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
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

func encode(eventType string, data any) ([]byte, error) {
	msg := Message{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode realtime frame: %w", err)
	}
	return frame, nil
}
