// Package websocket pushes progress snapshots to browser clients.
//
// The Hub is registered as an operations.Listener. Each client subscribes to the
// operations it wants to watch by id, or to "*" for all of its own, and receives one
// operation:snapshot message per observed mutation. Clients only ever see records of
// their own principal.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fauxnetd/internal/infrastructure"
	"fauxnetd/internal/operations"
)

// Message types
const (
	TypeConnection  = "connection"
	TypeSnapshot    = "operation:snapshot"
	TypeError       = "error"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"

	// SubscribeAll watches every operation of the client's principal
	SubscribeAll = "*"
)

const broadcastBuffer = 1024

// directMessage is sent to one client only. A snapshot reply carries its record
// so the hub loop can order it against broadcasts.
type directMessage struct {
	client *Client
	data   []byte
	rec    *operations.ProgressRecord
}

// Hub maintains the set of active clients and fans snapshots out to subscribers
type Hub struct {
	clients map[*Client]bool

	broadcast  chan operations.ProgressRecord
	direct     chan directMessage
	register   chan *Client
	unregister chan *Client

	source  SnapshotSource
	metrics *infrastructure.BusinessMetrics
	logger  *slog.Logger

	// pending holds terminal snapshots that found the broadcast queue full
	pendingMu     sync.Mutex
	pending       map[string]operations.ProgressRecord
	pendingSignal chan struct{}

	mu      sync.RWMutex
	quit    chan struct{}
	done    chan struct{}
	running bool

	totalConnections int64
	messagesSent     int64
	dropped          atomic.Int64
}

// NewHub creates a hub. source answers subscriptions with the current snapshot.
func NewHub(source SnapshotSource, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan operations.ProgressRecord, broadcastBuffer),
		direct:     make(chan directMessage, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		source:     source,
		logger:     logger.With(slog.String("component", "websocket.hub")),

		pending:       make(map[string]operations.ProgressRecord),
		pendingSignal: make(chan struct{}, 1),

		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetMetrics records client and frame counts on the stream instruments
func (h *Hub) SetMetrics(metrics *infrastructure.BusinessMetrics) {
	h.metrics = metrics
}

// Start starts the hub loop
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop closes every client and waits for the hub loop to exit
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

// OnSnapshot implements operations.Listener. It never blocks the writer: when the
// queue is full a progress snapshot is dropped and clients catch up on the next one.
// Terminal snapshots have no next one, so they are parked for the hub loop instead.
func (h *Hub) OnSnapshot(rec operations.ProgressRecord) {
	select {
	case h.broadcast <- rec:
	default:
		if rec.IsTerminal() {
			h.deferTerminal(rec)
			return
		}
		n := h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, snapshot dropped",
			slog.String("operation_id", rec.ID),
			slog.Int64("dropped_total", n))
	}
}

func (h *Hub) deferTerminal(rec operations.ProgressRecord) {
	h.pendingMu.Lock()
	if cur, ok := h.pending[rec.ID]; !ok || cur.Version < rec.Version {
		h.pending[rec.ID] = rec
	}
	h.pendingMu.Unlock()

	select {
	case h.pendingSignal <- struct{}{}:
	default:
	}
	h.logger.Warn("broadcast queue full, terminal snapshot deferred",
		slog.String("operation_id", rec.ID))
}

// flushPending fans out the parked terminal snapshots
func (h *Hub) flushPending() {
	h.pendingMu.Lock()
	recs := h.pending
	h.pending = make(map[string]operations.ProgressRecord)
	h.pendingMu.Unlock()

	for _, rec := range recs {
		h.fanOut(rec)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		client.conn.Close()
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// sendTo queues data for one client through the hub loop, which owns the send channels
func (h *Hub) sendTo(client *Client, data []byte) {
	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-h.quit:
	}
}

// sendSnapshot answers a subscription with rec through the hub loop
func (h *Hub) sendSnapshot(client *Client, rec operations.ProgressRecord) {
	select {
	case h.direct <- directMessage{client: client, data: snapshotMessage(rec), rec: &rec}:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()

			ctx := context.Background()
			if h.metrics != nil {
				h.metrics.StreamClients.Add(ctx, 1, channelAttr)
			}
			h.logger.Info("client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("owner", client.owner),
				slog.String("remote_addr", client.remoteAddr))

			h.deliver(client, encode(map[string]interface{}{
				"type": TypeConnection,
				"data": map[string]interface{}{
					"status":    "connected",
					"client_id": client.id,
				},
				"timestamp": time.Now().Format(time.RFC3339),
			}))

		case client := <-h.unregister:
			h.drop(client, "disconnected")

		case msg := <-h.direct:
			if msg.rec != nil {
				// an explicit reply may repeat the last version but never go back
				if msg.client.advance(*msg.rec, false) {
					h.deliver(msg.client, msg.data)
				}
				continue
			}
			h.deliver(msg.client, msg.data)

		case rec := <-h.broadcast:
			h.fanOut(rec)

		case <-h.pendingSignal:
			h.flushPending()
		}
	}
}

func (h *Hub) fanOut(rec operations.ProgressRecord) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.wants(rec) && client.advance(rec, true) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data := snapshotMessage(rec)
	for _, client := range targets {
		h.deliver(client, data)
	}
	h.logger.Debug("snapshot broadcast",
		slog.String("operation_id", rec.ID),
		slog.Int64("version", rec.Version),
		slog.Int("client_count", len(targets)))
}

// deliver queues data on the client. A client whose buffer is full is disconnected.
func (h *Hub) deliver(client *Client, data []byte) {
	if data == nil {
		return
	}
	h.mu.RLock()
	_, ok := h.clients[client]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case client.send <- data:
		h.messagesSent++
		if h.metrics != nil {
			h.metrics.StreamFramesTotal.Add(context.Background(), 1, channelAttr)
		}
	default:
		h.logger.Warn("client send buffer full, disconnecting",
			slog.String("client_id", client.id))
		h.drop(client, "slow consumer")
	}
}

func (h *Hub) drop(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamClients.Add(context.Background(), -1, channelAttr)
	}
	h.logger.Info("client unregistered",
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Int("total_clients", count),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

var channelAttr = metric.WithAttributes(attribute.String("channel", "websocket"))

func snapshotMessage(rec operations.ProgressRecord) []byte {
	return encode(map[string]interface{}{
		"type":         TypeSnapshot,
		"operation_id": rec.ID,
		"data":         rec,
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

func errorMessage(operationID, text string) []byte {
	return encode(map[string]interface{}{
		"type":         TypeError,
		"operation_id": operationID,
		"data":         map[string]interface{}{"message": text},
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}

func encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Default().Error("error marshaling websocket message", slog.String("error", err.Error()))
		return nil
	}
	return data
}
