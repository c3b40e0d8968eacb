package poke

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSDownstream is the production Downstream, a thin synchronization
// wrapper over *websocket.Conn: gorilla/websocket connections are not
// safe for concurrent writers, so every Send serializes through a mutex,
// mirroring how the teacher guards its own shared mutable state in
// internal/storage/concurrency.go's ConcurrencyManager.
type WSDownstream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSDownstream(conn *websocket.Conn) *WSDownstream {
	return &WSDownstream{conn: conn}
}

func (w *WSDownstream) Send(f Frame) error {
	b, err := Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *WSDownstream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}
