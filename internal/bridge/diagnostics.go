package bridge

import (
	"sync"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// diagnosticsEvent is broadcast to every connected diagnostics observer.
type diagnosticsEvent struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
	TaskID   string `json:"taskId,omitempty"`
	Final    bool   `json:"final,omitempty"`
}

// diagnosticsHub fans out bridge traffic to connected /v1/diagnostics/stream
// observers. It never blocks request handling: an event that does not fit a
// slow observer's queue is dropped for that observer.
type diagnosticsHub struct {
	log *logger.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan diagnosticsEvent
}

func newDiagnosticsHub(log *logger.Logger) *diagnosticsHub {
	return &diagnosticsHub{
		log:   log.WithFields(zap.String("component", "bridge-diagnostics")),
		conns: make(map[*websocket.Conn]chan diagnosticsEvent),
	}
}

func (h *diagnosticsHub) serve(conn *websocket.Conn) {
	ch := make(chan diagnosticsEvent, 64)

	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (h *diagnosticsHub) broadcast(ev diagnosticsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping diagnostics event for slow observer")
			_ = conn
		}
	}
}

func (h *diagnosticsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		close(ch)
		conn.Close()
		delete(h.conns, conn)
	}
}
