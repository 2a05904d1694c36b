// Package live streams running episodes to websocket viewers.
package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordan16ellis/fw-coll-env/internal/config"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
)

// Message types sent to viewers.
const (
	TypeHello    = "hello"
	TypeStarted  = "episode_started"
	TypeStep     = "step"
	TypeFinished = "episode_finished"
)

const (
	defaultSendBuffer = 256
	writeWait         = 10 * time.Second
)

// ErrHubClosed is returned when broadcasting after Close.
var ErrHubClosed = errors.New("live hub closed")

// Message is the envelope of every frame pushed to a viewer.
type Message struct {
	Type      string          `json:"type"`
	EpisodeID string          `json:"episode_id,omitempty"`
	Info      *episode.Info   `json:"info,omitempty"`
	Step      *episode.Step   `json:"step,omitempty"`
	Result    *episode.Result `json:"result,omitempty"`
	Viewer    string          `json:"viewer,omitempty"`
}

// Authenticator resolves the viewer identity of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Option customises a Hub.
type Option func(*Hub)

// WithLogger overrides the hub logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithAuthenticator requires every viewer to pass the authenticator.
func WithAuthenticator(auth Authenticator) Option {
	return func(h *Hub) { h.auth = auth }
}

// WithSendBuffer sets how many frames may queue for a viewer before it is dropped.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	id     string
	closed bool
}

// Hub fans episode frames out to connected viewers. It implements
// episode.Observer so it can be attached to a running episode directly.
type Hub struct {
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	maxClients   int
	sendBuffer   int
	auth         Authenticator
	log          *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	current *Message
	closed  bool

	broadcasts atomic.Uint64
	dropped    atomic.Uint64
}

// NewHub builds a hub bounded by the live configuration.
func NewHub(cfg config.LiveConfig, opts ...Option) *Hub {
	h := &Hub{
		pingInterval: cfg.PingInterval,
		maxClients:   cfg.MaxClients,
		sendBuffer:   defaultSendBuffer,
		log:          logging.L(),
		clients:      make(map[*client]struct{}),
	}
	if h.pingInterval <= 0 {
		h.pingInterval = config.DefaultLivePingInterval
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// ServeHTTP upgrades the request and registers the viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := logging.LoggerFromContext(r.Context()).With(logging.String("remote_addr", r.RemoteAddr))
	viewer := r.RemoteAddr
	if h.auth != nil {
		subject, err := h.auth.Authenticate(r)
		if err != nil {
			reqLogger.Warn("live viewer rejected", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		viewer = subject
	}
	//1.- Refuse before upgrading so the viewer sees a plain HTTP status.
	if !h.hasCapacity() {
		reqLogger.Warn("live viewer rejected: capacity reached", logging.Int("max_clients", h.maxClients))
		http.Error(w, "too many viewers", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Warn("live upgrade failed", logging.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.sendBuffer), id: viewer}
	hello, err := json.Marshal(Message{Type: TypeHello, Viewer: viewer})
	if err != nil {
		_ = conn.Close()
		return
	}
	c.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	//2.- Late joiners get the running episode header before live steps.
	if h.current != nil {
		if raw, err := json.Marshal(h.current); err == nil {
			select {
			case c.send <- raw:
			default:
			}
		}
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	reqLogger.Info("live viewer connected", logging.String("viewer", viewer), logging.Int("clients", count))

	go h.readPump(c)
	go h.writePump(c)
}

func (h *Hub) hasCapacity() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxClients <= 0 || len(h.clients) < h.maxClients
}

// readPump discards viewer input and keeps the read deadline alive on pongs.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	deadline := 2 * h.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// remove unregisters the viewer and closes its queue exactly once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues a message for every viewer. Viewers whose queue is full
// are disconnected instead of stalling the episode.
func (h *Hub) Broadcast(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode live %s message: %w", msg.Type, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.dropped.Add(1)
			h.log.Warn("live viewer too slow, disconnecting", logging.String("viewer", c.id))
			h.removeLocked(c)
		}
	}
	h.broadcasts.Add(1)
	return nil
}

// EpisodeStarted implements episode.Observer.
func (h *Hub) EpisodeStarted(info episode.Info) error {
	msg := Message{Type: TypeStarted, EpisodeID: info.ID, Info: &info}
	h.mu.Lock()
	h.current = &msg
	h.mu.Unlock()
	return h.Broadcast(msg)
}

// StepRecorded implements episode.Observer.
func (h *Hub) StepRecorded(step episode.Step) error {
	return h.Broadcast(Message{Type: TypeStep, EpisodeID: step.EpisodeID, Step: &step})
}

// EpisodeFinished implements episode.Observer.
func (h *Hub) EpisodeFinished(res episode.Result) error {
	h.mu.Lock()
	if h.current != nil && h.current.EpisodeID == res.EpisodeID {
		h.current = nil
	}
	h.mu.Unlock()
	return h.Broadcast(Message{Type: TypeFinished, EpisodeID: res.EpisodeID, Result: &res})
}

// Stats reports connected viewers and broadcasts delivered so far.
func (h *Hub) Stats() (clients int, broadcasts uint64) {
	h.mu.Lock()
	clients = len(h.clients)
	h.mu.Unlock()
	return clients, h.broadcasts.Load()
}

// Dropped reports viewers disconnected for falling behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every viewer and rejects further broadcasts.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

var _ episode.Observer = (*Hub)(nil)
