// Package hub implements the connection registry and message router that
// bridge rover ("pi") devices and viewer ("frontend") clients over
// persistent websocket connections.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// maxFrameSize bounds inbound frames; camera frames arrive base64
	// encoded inside the payload, so this needs headroom.
	maxFrameSize = 8 << 20 // 8 MB
)

// Endpoint is one live bidirectional connection to a client. The registry
// and router are written against this interface, not a concrete transport,
// which keeps them testable with in-memory fakes.
type Endpoint interface {
	// ReadMessage blocks until the next inbound frame or a connection error.
	ReadMessage() ([]byte, error)
	// Send marshals v as JSON and writes it as one frame. Concurrent calls
	// are serialized by the implementation.
	Send(v any) error
	// Ping probes liveness without delivering an application frame.
	Ping() error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

// wsEndpoint adapts a gorilla websocket connection to the Endpoint
// interface. Reads are only ever issued by the connection's handler
// goroutine; writes come from many goroutines and are guarded by mu.
type wsEndpoint struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebsocketEndpoint wraps an upgraded websocket connection.
func NewWebsocketEndpoint(conn *websocket.Conn) Endpoint {
	conn.SetReadLimit(maxFrameSize)
	return &wsEndpoint{conn: conn}
}

func (e *wsEndpoint) ReadMessage() ([]byte, error) {
	_, data, err := e.conn.ReadMessage()
	return data, err
}

func (e *wsEndpoint) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *wsEndpoint) Ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (e *wsEndpoint) Close() error {
	return e.conn.Close()
}

func (e *wsEndpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}
