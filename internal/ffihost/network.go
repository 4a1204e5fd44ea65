package ffihost

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WSConn is one open WebSocket session, client or server-accepted.
type WSConn struct {
	ID     string
	URL    string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
	inbox  chan []byte
}

// NetHost owns every open WebSocket connection, mirroring the
// teacher's NetworkModule.WebSockets map (internal/network/websocket.go).
type NetHost struct {
	mu    sync.RWMutex
	conns map[string]*WSConn
}

func NewNetHost() *NetHost {
	return &NetHost{conns: make(map[string]*WSConn)}
}

// Connect dials url and starts a background reader goroutine draining
// into the connection's inbox, same division of labor as the
// teacher's readMessages goroutine.
func (h *NetHost) Connect(url string) (string, error) {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return "", errors.Wrap(err, "ffihost: websocket dial")
	}

	id := fmt.Sprintf("ws_%d", time.Now().UnixNano())
	ws := &WSConn{ID: id, URL: url, conn: conn, inbox: make(chan []byte, 100)}
	go ws.readLoop()

	h.mu.Lock()
	h.conns[id] = ws
	h.mu.Unlock()
	return id, nil
}

func (ws *WSConn) readLoop() {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			ws.mu.Lock()
			ws.closed = true
			ws.mu.Unlock()
			close(ws.inbox)
			return
		}
		ws.inbox <- data
	}
}

func (h *NetHost) get(id string) (*WSConn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws, ok := h.conns[id]
	if !ok {
		return nil, errors.Errorf("ffihost: no websocket connection %q", id)
	}
	return ws, nil
}

// Send writes a text message to an open connection.
func (h *NetHost) Send(id, message string) error {
	ws, err := h.get(id)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return errors.Errorf("ffihost: websocket %q is closed", id)
	}
	return ws.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

// Recv blocks until a message arrives or timeout elapses; ok is false
// if the connection closed or the timeout was hit first.
func (h *NetHost) Recv(id string, timeout time.Duration) (data []byte, ok bool, err error) {
	ws, err := h.get(id)
	if err != nil {
		return nil, false, err
	}
	select {
	case data, open := <-ws.inbox:
		return data, open, nil
	case <-time.After(timeout):
		return nil, false, nil
	}
}

// Close terminates a connection and forgets it.
func (h *NetHost) Close(id string) error {
	h.mu.Lock()
	ws, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("ffihost: no websocket connection %q", id)
	}
	ws.mu.Lock()
	ws.closed = true
	ws.mu.Unlock()
	return ws.conn.Close()
}
