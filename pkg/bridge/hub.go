// Package bridge exposes roverlink channels to browser clients over
// WebSocket: a control bridge for velocity and navigation requests and a
// video bridge streaming camera frames.
package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// errorReply is sent to a client whose request could not be served.
type errorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorReply(msg string) []byte {
	data, _ := json.Marshal(errorReply{Type: "error", Message: msg})
	return data
}

// client is one WebSocket connection. Writes happen on its own goroutine so
// a slow client never blocks a broadcast.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// enqueue queues data for the client and reports false when its buffer is
// full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// hub tracks the connected clients of one bridge.
type hub struct {
	name   string
	logger *logging.ColoredLogger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

func newHub(name string, logger *logging.ColoredLogger) *hub {
	return &hub{name: name, logger: logger, clients: make(map[string]*client)}
}

// serve upgrades the request and runs the connection until either side
// closes it. onMessage is called for every text frame the client sends.
func (h *hub) serve(w http.ResponseWriter, r *http.Request, onMessage func(c *client, data []byte)) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ComponentWarn(logging.ComponentBridge, "WebSocket upgrade failed",
			zap.String("bridge", h.name), zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !h.add(c) {
		return
	}
	defer h.remove(c)

	h.logger.ComponentInfo(logging.ComponentBridge, "Client connected",
		zap.String("bridge", h.name),
		zap.String("client_id", c.id),
		zap.String("remote", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	// Closing the connection unblocks ReadMessage when the hub shuts down.
	go func() {
		<-c.done
		<-writerDone
		conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		if onMessage != nil {
			onMessage(c, data)
		}
	}
	c.close()
	<-writerDone

	h.logger.ComponentInfo(logging.ComponentBridge, "Client disconnected",
		zap.String("bridge", h.name), zap.String("client_id", c.id))
}

func (h *hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.wg.Done()
	}
	h.mu.Unlock()
}

// count returns the number of connected clients.
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues data for every client and returns how many dropped it.
func (h *hub) broadcast(data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, c := range h.clients {
		if !c.enqueue(data) {
			dropped++
		}
	}
	return dropped
}

// close disconnects every client and waits for their connections to end.
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
