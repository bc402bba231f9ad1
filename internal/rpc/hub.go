package rpc

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Hub fans trace events out to websocket tails. Registration is synchronous
// so a client that finished its handshake sees every later event; writes
// serialize per connection.
type Hub struct {
	logger *zap.Logger
	mu     sync.RWMutex
	conns  map[*tailConn]struct{}
}

type tailConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[*tailConn]struct{}),
	}
}

func (h *Hub) add(conn *websocket.Conn) *tailConn {
	tc := &tailConn{conn: conn}
	h.mu.Lock()
	h.conns[tc] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("Trace tail connected", zap.String("remote", conn.RemoteAddr().String()))
	return tc
}

func (h *Hub) remove(tc *tailConn) {
	h.mu.Lock()
	delete(h.conns, tc)
	h.mu.Unlock()
}

// Count returns the number of connected tails.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends one event to every tail. A connection that fails to take
// the write is dropped; the trace row in the store is the durable record.
func (h *Hub) Broadcast(v interface{}) {
	h.mu.RLock()
	if len(h.conns) == 0 {
		h.mu.RUnlock()
		return
	}
	data, err := jsonx.Marshal(v)
	if err != nil {
		h.mu.RUnlock()
		h.logger.Warn("Trace event encoding failed", zap.Error(err))
		return
	}

	var dead []*tailConn
	for tc := range h.conns {
		tc.mu.Lock()
		err := tc.conn.WriteMessage(websocket.TextMessage, data)
		tc.mu.Unlock()
		if err != nil {
			dead = append(dead, tc)
		}
	}
	h.mu.RUnlock()

	for _, tc := range dead {
		h.remove(tc)
		_ = tc.conn.Close()
	}
}

// CloseAll drops every tail, for server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for tc := range h.conns {
		_ = tc.conn.Close()
		delete(h.conns, tc)
	}
	h.mu.Unlock()
}

// handleTraceTail upgrades a websocket client onto the trace stream. The
// token rides a query parameter because websocket clients cannot set a
// request body.
func (s *Server) handleTraceTail(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Entity.VerifyToken(r.URL.Query().Get("token")) {
		http.Error(w, "invalid entity token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Trace tail upgrade failed", zap.Error(err))
		return
	}
	tc := s.hub.add(conn)
	defer func() {
		s.hub.remove(tc)
		_ = conn.Close()
	}()

	// Consume control frames until the client goes away; the hub owns all
	// writes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
