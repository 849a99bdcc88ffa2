package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/progress"
)

const writeWait = 5 * time.Second

// Broadcaster pushes progress events to connected websocket clients. It
// implements progress.Sink so the hub delivers events to it like any other
// observer; a client that cannot keep up is dropped rather than letting its
// socket stall the fan-out.
type Broadcaster struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewBroadcaster builds a Broadcaster ready to accept connections.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The service binds to localhost for a browser-side UI; any
			// origin that can reach it is trusted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// HandleEvents upgrades the request and keeps the socket registered until
// the client goes away.
func (b *Broadcaster) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	// Clients never send application data; the read loop only surfaces the
	// close handshake.
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Consume fans the event out to every connected client.
func (b *Broadcaster) Consume(_ context.Context, evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Debug("dropping slow websocket client", zap.Error(err))
			b.drop(conn)
		}
	}
	return nil
}

// Close disconnects all clients and rejects new ones.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = conn.Close()
	}
	return nil
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	b.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}
