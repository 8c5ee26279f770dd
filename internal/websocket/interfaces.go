package websocket

import (
	"context"
	"time"

	"fauxnetd/internal/operations"
)

// Connection is the part of a websocket connection the client pumps use.
// It lets tests swap the network for an in-memory peer.
type Connection interface {
	// WriteMessage writes a message with the given message type and payload
	WriteMessage(messageType int, data []byte) error

	// ReadMessage reads the next message from the connection
	ReadMessage() (messageType int, p []byte, err error)

	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the remote network address
	RemoteAddr() string
}

// SnapshotSource returns the current record of id as seen by owner. Records owned
// by somebody else must be reported as not found.
type SnapshotSource func(ctx context.Context, owner, id string) (operations.ProgressRecord, error)
