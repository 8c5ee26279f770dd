package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fauxnetd/internal/config"
	"fauxnetd/internal/operations"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	sendBuffer = 256
)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id          string
	owner       string
	remoteAddr  string
	connectedAt time.Time
	pingPeriod  time.Duration
	pongWait    time.Duration
	logger      *slog.Logger

	mu  sync.Mutex
	all bool
	ids map[string]bool

	// sent is the last snapshot version delivered per operation, owned by the hub loop
	sent map[string]int64
}

// clientMessage is a command sent by the browser
type clientMessage struct {
	Type        string `json:"type"`
	OperationID string `json:"operation_id"`
}

// NewClient creates a client for owner over conn
func NewClient(hub *Hub, conn Connection, owner string, cfg config.WebSocketConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}

	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		owner:       owner,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		pingPeriod:  pingPeriod,
		pongWait:    pongWait,
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("client_id", id),
		),
		ids:  make(map[string]bool),
		sent: make(map[string]int64),
	}
}

// wants reports whether rec should be pushed to this client. Interest in an
// operation ends with its terminal snapshot.
func (c *Client) wants(rec operations.ProgressRecord) bool {
	if c.owner != "" && rec.Owner != "" && rec.Owner != c.owner {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids[rec.ID] {
		if rec.IsTerminal() {
			delete(c.ids, rec.ID)
		}
		return true
	}
	return c.all
}

// advance records rec as delivered unless the client already has a newer snapshot
// of that operation. strict also rejects the version it already has.
func (c *Client) advance(rec operations.ProgressRecord, strict bool) bool {
	if c.sent == nil {
		c.sent = make(map[string]int64)
	}
	last, seen := c.sent[rec.ID]
	if seen && (rec.Version < last || (strict && rec.Version == last)) {
		return false
	}
	c.sent[rec.ID] = rec.Version
	return true
}

func (c *Client) subscribe(ctx context.Context, id string) {
	if id == SubscribeAll {
		c.mu.Lock()
		c.all = true
		c.mu.Unlock()
		return
	}

	// Subscribing before the lookup means no mutation between the two is missed.
	// The hub drops the reply if a newer snapshot overtook it.
	c.mu.Lock()
	c.ids[id] = true
	c.mu.Unlock()

	rec, err := c.hub.source(ctx, c.owner, id)
	if err != nil {
		c.unsubscribe(id)
		c.hub.sendTo(c, errorMessage(id, err.Error()))
		return
	}
	if rec.IsTerminal() {
		c.unsubscribe(id)
	}
	c.hub.sendSnapshot(c, rec)
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == SubscribeAll {
		c.all = false
		return
	}
	delete(c.ids, id)
}

// ReadPump reads subscription commands until the connection fails
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	ctx := context.Background()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected websocket close", slog.String("error", err.Error()))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.sendTo(c, errorMessage("", "invalid message: "+err.Error()))
			continue
		}
		switch msg.Type {
		case TypeHeartbeat:
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		case TypeSubscribe:
			if msg.OperationID == "" {
				c.hub.sendTo(c, errorMessage("", "operation_id is required"))
				continue
			}
			c.subscribe(ctx, msg.OperationID)
		case TypeUnsubscribe:
			c.unsubscribe(msg.OperationID)
		default:
			c.hub.sendTo(c, errorMessage(msg.OperationID, "unknown message type: "+msg.Type))
		}
	}
}

// WritePump writes queued messages and pings until the hub closes the send channel
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("error writing websocket message", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", slog.String("error", err.Error()))
				return
			}
		}
	}
}
