package hub

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("hub: outbound queue full")
	ErrClosed       = errors.New("hub: connection closed")
)

// Inbound is a message sent by a page over its connection.
type Inbound struct {
	Type   string          `json:"type"`
	URL    string          `json:"url,omitempty"`
	Tag    string          `json:"tag,omitempty"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	InNavigated         = "NAVIGATED"
	InNotificationClick = "NOTIFICATION_CLICK"
)

var attachSeq atomic.Uint64

type Conn struct {
	ID string
	WS *websocket.Conn
	// bounded outbound queue (backpressure)
	Out chan []byte

	seq uint64

	mu     sync.Mutex
	url    string
	closed bool
}

func NewConn(ws *websocket.Conn, url string, queue int) *Conn {
	if queue <= 0 {
		queue = 64
	}
	return &Conn{
		ID:  uuid.NewString(),
		WS:  ws,
		Out: make(chan []byte, queue),
		seq: attachSeq.Add(1),
		url: url,
	}
}

func (c *Conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Conn) SetURL(u string) {
	c.mu.Lock()
	c.url = u
	c.mu.Unlock()
}

// Send queues b without blocking.
func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.Out <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendJSON marshals v and queues it.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(b)
}

// Close stops the write loop once the queued messages are flushed.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Out)
	}
	c.mu.Unlock()
}

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func New() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) Set(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	return c, ok
}

func (h *Hub) Del(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}

// Snapshot returns the attached connections in attach order.
func (h *Hub) Snapshot() []*Conn {
	h.mu.RLock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// CloseAll closes every connection and empties the hub.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func WriteLoop(c *Conn, wt time.Duration, onClose func()) {
	defer func() {
		_ = c.WS.Close()
		if onClose != nil {
			onClose()
		}
	}()
	for b := range c.Out {
		_ = c.WS.SetWriteDeadline(time.Now().Add(wt))
		if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
	_ = c.WS.SetWriteDeadline(time.Now().Add(wt))
	_ = c.WS.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// ReadLoop hands every inbound message to handle until the peer goes away.
// NAVIGATED messages update the connection URL before handle sees them.
// Malformed frames are skipped.
func ReadLoop(c *Conn, limit int64, handle func(*Conn, Inbound)) {
	defer c.Close()
	if limit > 0 {
		c.WS.SetReadLimit(limit)
	}
	for {
		_, data, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			continue
		}
		if in.Type == InNavigated && in.URL != "" {
			c.SetURL(in.URL)
		}
		if handle != nil {
			handle(c, in)
		}
	}
}
