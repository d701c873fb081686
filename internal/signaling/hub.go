package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/ratelimit"
)

// HubConfig bounds each websocket client of the room hub.
type HubConfig struct {
	MaxMessageBytes   int64
	MessagesPerSecond int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	AllowedOrigins    []string
}

func (c HubConfig) withDefaults() HubConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxPayloadBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 1 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Hub fans signaling envelopes out within rooms. Directed messages reach only
// the addressee; broadcasts reach every room member except the sender. The
// hub gives no cross-message ordering guarantee between distinct senders.
type Hub struct {
	cfg     HubConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*hubClient
}

func NewHub(cfg HubConfig, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Hub{
		cfg:     cfg.withDefaults(),
		log:     logger,
		metrics: m,
		clock:   ratelimit.RealClock{},
		rooms:   make(map[string]map[string]*hubClient),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

type hubClient struct {
	userID string
	roomID string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *hubClient) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

// ServeHTTP upgrades GET /ws/{room}?user=<id> to a room subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	userID := r.URL.Query().Get("user")
	if roomID == "" || userID == "" {
		http.Error(w, "room and user are required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &hubClient{
		userID: userID,
		roomID: roomID,
		conn:   conn,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	h.register(c)
	h.log.Info("hub_client_connected", "room", roomID, "user", userID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	h.log.Info("hub_client_disconnected", "room", roomID, "user", userID)
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.roomID]
	if room == nil {
		room = make(map[string]*hubClient)
		h.rooms[c.roomID] = room
	}
	// A reconnecting client replaces its stale subscription.
	if prev, ok := room[c.userID]; ok {
		prev.shutdown()
	}
	room[c.userID] = c
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	room := h.rooms[c.roomID]
	if room != nil && room[c.userID] == c {
		delete(room, c.userID)
		if len(room) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	h.mu.Unlock()

	c.shutdown()
	_ = c.conn.Close()
}

// RoomSize reports the number of subscribers in roomID.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

func (h *Hub) readPump(c *hubClient) {
	c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	resetDeadline := func() {
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
	resetDeadline()
	c.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(h.clock, int64(h.cfg.MessagesPerSecond), int64(h.cfg.MessagesPerSecond))

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			h.closeClient(c, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		resetDeadline()

		if !limiter.Allow(1) {
			h.metrics.Inc(metrics.SignalDroppedRateLimit)
			h.closeClient(c, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			h.log.Debug("hub_bad_envelope", "room", c.roomID, "user", c.userID, "err", err)
			h.closeClient(c, websocket.CloseUnsupportedData, "invalid envelope")
			return
		}
		if env.FromUserID != c.userID {
			h.closeClient(c, websocket.ClosePolicyViolation, "sender mismatch")
			return
		}

		h.metrics.Inc(metrics.SignalMessagesIn)
		h.route(c, env, msg)
	}
}

func (h *Hub) route(sender *hubClient, env Envelope, raw []byte) {
	h.mu.Lock()
	var targets []*hubClient
	for userID, member := range h.rooms[sender.roomID] {
		if userID == sender.userID {
			continue
		}
		if env.TargetUserID != "" && env.TargetUserID != userID {
			continue
		}
		targets = append(targets, member)
	}
	h.mu.Unlock()

	for _, member := range targets {
		select {
		case member.send <- raw:
			h.metrics.Inc(metrics.SignalMessagesOut)
		default:
			// Slow consumer; drop rather than stall the room.
			h.metrics.Inc(metrics.SignalDroppedRateLimit)
			h.log.Warn("hub_send_queue_full", "room", member.roomID, "user", member.userID)
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	pingTicker := time.NewTicker(h.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout))
		case <-c.closed:
			return
		}
	}
}

func (h *Hub) closeClient(c *hubClient, code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.cfg.WriteTimeout))
	c.shutdown()
}
