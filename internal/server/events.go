package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/protocol"
	"github.com/prbarcelon/mcporch/internal/sink"
)

const (
	EventApprovalPending = "approval_pending"
	EventApprovalDecided = "approval_decided"
	EventRegistryChanged = "registry_changed"
	EventMessage         = "message"
	EventToolResult      = "tool_result"
	EventSummary         = "summary"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub pushes events to websocket watchers. A watcher may narrow the feed
// to one session with ?session=; session-less events reach everyone.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*watcher]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*watcher]struct{})}
}

type watcher struct {
	session string
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
}

func (c *watcher) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *watcher) wants(ev protocol.Event) bool {
	return c.session == "" || ev.Session == "" || ev.Session == c.session
}

func (c *watcher) writePump(log *zap.Logger) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug("event write failed", zap.Error(err))
			return
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &watcher{session: r.URL.Query().Get("session"), conn: conn, send: make(chan []byte, 64)}
	h.register(c)
	go c.writePump(h.log)

	// Watchers never send; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("watcher disconnected", zap.Error(err))
			}
			break
		}
	}
	h.unregister(c)
}

func (h *Hub) register(c *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// unregister drops c and closes its send channel. Sends happen under the
// read lock, so the channel is only closed while holding the write lock.
func (h *Hub) unregister(c *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.close()
}

// Watchers counts connected watchers.
func (h *Hub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers ev to every interested watcher. A watcher whose buffer
// is full is disconnected.
func (h *Hub) Publish(ev protocol.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("marshal event", zap.Error(err))
		return
	}
	var slow []*watcher
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Debug("dropping slow watcher", zap.String("session", c.session))
		h.unregister(c)
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*watcher]struct{})
}

// hubBackend lets the persistence sink feed the hub, so watchers see
// messages, tool results and summaries as they are recorded.
type hubBackend struct {
	hub *Hub
}

func (b hubBackend) Name() string { return "events" }

func (b hubBackend) Write(ev sink.Event) error {
	out := protocol.Event{At: ev.At, Session: ev.Session}
	switch ev.Kind {
	case sink.KindMessage:
		out.Kind = EventMessage
		out.Message = ev.Message
	case sink.KindCall:
		out.Kind = EventToolResult
		out.Tool = ev.Result.Tool
		out.Server = ev.Result.Server
		out.Text = string(ev.Result.Status) + ": " + ev.Result.Content()
	case sink.KindSummary:
		out.Kind = EventSummary
		out.Text = ev.Summary.Text
	default:
		return nil
	}
	b.hub.Publish(out)
	return nil
}

func (b hubBackend) Close() error { return nil }
