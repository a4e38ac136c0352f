package signalingtest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/signaling"
)

const (
	writeWait = 5 * time.Second
	pushWait  = time.Second
)

// pushConn is one client push connection. Writes are serialized by mu.
type pushConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *pushConn) write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// pushHub tracks push connections keyed by a generated id.
type pushHub struct {
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	conns       map[string]*pushConn
	connected   chan struct{}
	pings       int
	answerPings bool

	logger *zap.Logger
}

func newPushHub(logger *zap.Logger) *pushHub {
	return &pushHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{signaling.PushSubprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:       make(map[string]*pushConn),
		connected:   make(chan struct{}),
		answerPings: true,
		logger:      logger,
	}
}

func (h *pushHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-PSN-APP-TYPE") != signaling.PushAppType {
		http.Error(w, "missing app type", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	p := &pushConn{id: uuid.NewString(), conn: conn}
	conn.SetPingHandler(func(data string) error {
		h.mu.Lock()
		h.pings++
		answer := h.answerPings
		h.mu.Unlock()
		if !answer {
			return nil
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	h.mu.Lock()
	h.conns[p.id] = p
	if len(h.conns) == 1 {
		close(h.connected)
	}
	h.mu.Unlock()
	h.logger.Debug("push connection open", zap.String("id", p.id))

	defer h.remove(p)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *pushHub) remove(p *pushConn) {
	h.mu.Lock()
	if _, ok := h.conns[p.id]; ok {
		delete(h.conns, p.id)
		if len(h.conns) == 0 {
			h.connected = make(chan struct{})
		}
	}
	h.mu.Unlock()
	p.conn.Close()
}

func (h *pushHub) broadcast(frame []byte) error {
	h.mu.RLock()
	conns := make([]*pushConn, 0, len(h.conns))
	for _, p := range h.conns {
		conns = append(conns, p)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return errors.New("no push connection")
	}
	var firstErr error
	for _, p := range conns {
		if err := p.write(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *pushHub) waitConnected(ctx context.Context) error {
	h.mu.RLock()
	ch := h.connected
	h.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *pushHub) pingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pings
}

func (h *pushHub) setAnswerPings(answer bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answerPings = answer
}

func (h *pushHub) closeAll() {
	h.mu.RLock()
	conns := make([]*pushConn, 0, len(h.conns))
	for _, p := range h.conns {
		conns = append(conns, p)
	}
	h.mu.RUnlock()
	for _, p := range conns {
		p.conn.Close()
	}
}
