package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebsocketBus broadcasts canonical events to connected websocket consumers.
// A slow or dead subscriber is dropped rather than allowed to block the
// publish path; the bus itself never rejects entries.
type WebsocketBus struct {
	mu           sync.Mutex
	subscribers  map[*websocket.Conn]struct{}
	writeTimeout time.Duration
}

func NewWebsocketBus() *WebsocketBus {
	return &WebsocketBus{
		subscribers:  map[*websocket.Conn]struct{}{},
		writeTimeout: 5 * time.Second,
	}
}

func (b *WebsocketBus) Publish(ctx context.Context, entries []CanonicalEvent) (int, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return len(entries), err
	}
	for _, conn := range b.snapshot() {
		writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
		writeErr := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if writeErr != nil {
			b.Unsubscribe(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
	return 0, nil
}

func (b *WebsocketBus) Subscribe(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[conn] = struct{}{}
}

func (b *WebsocketBus) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, conn)
}

func (b *WebsocketBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *WebsocketBus) snapshot() []*websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(b.subscribers))
	for conn := range b.subscribers {
		conns = append(conns, conn)
	}
	return conns
}

// ServeHTTP upgrades the request to a websocket subscription and holds it
// open until the client goes away.
func (b *WebsocketBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.Subscribe(conn)
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	b.Unsubscribe(conn)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
