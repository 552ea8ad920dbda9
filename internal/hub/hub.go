package hub

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collab-engine/internal/errs"
	"collab-engine/internal/presence"
	"collab-engine/internal/registry"
)

const presenceTimeout = 2 * time.Second

// Options configure a Hub.
type Options struct {
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// allows any origin.
	AllowedOrigins []string
	// PresenceTTL is how long a member stays visible without a heartbeat.
	PresenceTTL time.Duration
	Logger      logrus.FieldLogger
}

// Hub coordinates WebSocket connections. It attaches each connection to a
// session on its document, keeps presence up to date and tells clients
// how many users share their document.
type Hub struct {
	docs     *registry.Registry
	presence presence.Tracker
	upgrader websocket.Upgrader
	ttl      time.Duration
	log      logrus.FieldLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	quitOnce   sync.Once
}

// NewHub creates and initializes a new Hub instance. tracker may be nil
// for in-process presence.
func NewHub(docs *registry.Registry, tracker presence.Tracker, opts Options) *Hub {
	if tracker == nil {
		tracker = presence.NewLocal()
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	h := &Hub{
		docs:       docs,
		presence:   tracker,
		ttl:        opts.PresenceTTL,
		log:        opts.Logger.WithField("component", "hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// Run starts the hub's main event loop, processing client
// registration, unregistration and presence heartbeats.
// This method blocks and should be run in a goroutine.
func (h *Hub) Run() {
	heartbeat := time.NewTicker(h.ttl / 2)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.quit:
			h.log.Info("hub shutting down, closing all clients")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.join(client)
			h.log.WithFields(logrus.Fields{"doc": client.documentID, "session": client.sessionID(), "total": total}).
				Debug("client registered")
			h.broadcastUserCount(client.documentID)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				client.closeSend()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if !ok {
				continue
			}
			h.leave(client)
			h.log.WithFields(logrus.Fields{"doc": client.documentID, "session": client.sessionID(), "total": total}).
				Debug("client unregistered")
			h.broadcastUserCount(client.documentID)

		case <-heartbeat.C:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()
			for _, client := range clients {
				h.join(client)
			}
		}
	}
}

func (h *Hub) join(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Join(ctx, c.documentID, c.sessionID(), c.name, h.ttl); err != nil {
		h.log.WithField("doc", c.documentID).WithError(err).Warn("presence join failed")
	}
}

func (h *Hub) leave(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Leave(ctx, c.documentID, c.sessionID()); err != nil {
		h.log.WithField("doc", c.documentID).WithError(err).Warn("presence leave failed")
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Presence returns the tracker backing user counts.
func (h *Hub) Presence() presence.Tracker {
	return h.presence
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientCountForDocument returns the number of local clients editing a
// specific document.
func (h *Hub) ClientCountForDocument(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for client := range h.clients {
		if client.documentID == documentID {
			count++
		}
	}
	return count
}

// userCount prefers the presence view, which spans every server process.
func (h *Hub) userCount(documentID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	members, err := h.presence.Members(ctx, documentID)
	if err != nil {
		h.log.WithField("doc", documentID).WithError(err).Warn("presence lookup failed, using local count")
		return h.ClientCountForDocument(documentID)
	}
	return len(members)
}

// broadcastUserCount sends the user count to the clients of a document.
func (h *Hub) broadcastUserCount(documentID string) {
	msgBytes, err := NewUserCountMessage(documentID, h.userCount(documentID)).ToBytes()
	if err != nil {
		h.log.WithError(err).Error("user count message creation failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.documentID == documentID {
			client.enqueue(msgBytes)
		}
	}
}

// ServeWS upgrades the request and attaches the connection to a session
// on documentID. The optional since query parameter resumes from a known
// version; name is shown to other users.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, documentID string) {
	since := -1
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = v
	}

	lease, err := h.docs.Acquire(r.Context(), documentID)
	if err != nil {
		h.log.WithField("doc", documentID).WithError(err).Warn("document unavailable")
		http.Error(w, errs.Code(err), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		lease.Release()
		h.log.WithError(err).WithField("origin", r.Header.Get("Origin")).Warn("websocket upgrade failed")
		return
	}

	sess, err := lease.Coordinator().Connect(since)
	if err != nil {
		lease.Release()
		_ = conn.Close()
		h.log.WithField("doc", documentID).WithError(err).Error("session connect failed")
		return
	}

	client := NewClient(h, conn, lease, sess, r.URL.Query().Get("name"))
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// Shutdown gracefully stops the hub and closes all client connections.
func (h *Hub) Shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })
}

// closeAllClients closes all client connections during shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil {
			h.log.WithError(err).Debug("error closing client connection")
		}
	}
	h.clients = make(map[*Client]bool)
}
