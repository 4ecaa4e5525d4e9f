package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Broadcaster fans a named event out to every subscriber of a session's
// channel. Delivery is at-most-once and best-effort: nothing is queued for
// absent subscribers and nothing is replayed. Clients that miss events
// recover via request-sync.
type Broadcaster interface {
	Trigger(sessionID, event string, payload any) error
}

// wireEvent is the envelope subscribers receive.
type wireEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan wireEvent
}

// channelHub owns one session's subscribers. All membership changes and
// deliveries happen on the run loop goroutine.
type channelHub struct {
	id string

	clients  map[*subscriber]bool
	register chan *subscriber
	unreg    chan *subscriber
	events   chan wireEvent

	mu         sync.RWMutex
	lastActive time.Time
}

func newChannelHub(sessionID string) *channelHub {
	return &channelHub{
		id:         sessionID,
		clients:    make(map[*subscriber]bool),
		register:   make(chan *subscriber),
		unreg:      make(chan *subscriber),
		events:     make(chan wireEvent, 16),
		lastActive: time.Now(),
	}
}

func (h *channelHub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.mu.Lock()
			h.lastActive = time.Now()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// Slow consumer; drop it rather than block the channel.
					delete(h.clients, c)
					close(c.send)
				}
			}
			delivered := len(h.clients)
			h.mu.Unlock()

			logf(cfg, "EVENT: %s on %s to %d subscriber(s)", ev.Event, h.id, delivered)
		}
	}
}

// closeAll disconnects every subscriber of this hub (used by the reaper).
func (h *channelHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// SessionManager holds the channel hubs, keyed by session code. Hubs are
// created when the first subscriber connects and reaped after sitting idle
// for longer than idleTimeout.
type SessionManager struct {
	mu          sync.Mutex
	hubs        map[string]*channelHub
	cfg         *Config
	idleTimeout time.Duration
}

func newSessionManager(cfg *Config) *SessionManager {
	sm := &SessionManager{
		hubs:        make(map[string]*channelHub),
		cfg:         cfg,
		idleTimeout: cfg.sessionTimeout,
	}
	if sm.idleTimeout > 0 {
		go sm.reaperLoop()
	}

	return sm
}

func (sm *SessionManager) getHub(sessionID string) *channelHub {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if hub, ok := sm.hubs[sessionID]; ok {
		return hub
	}

	hub := newChannelHub(sessionID)
	sm.hubs[sessionID] = hub
	go hub.run(sm.cfg)

	return hub
}

func (sm *SessionManager) lookupHub(sessionID string) *channelHub {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.hubs[sessionID]
}

// Trigger delivers an event to the session's subscribers, if any. A session
// nobody is subscribed to has no hub, and the event is simply dropped.
func (sm *SessionManager) Trigger(sessionID, event string, payload any) error {
	hub := sm.lookupHub(sessionID)
	if hub == nil {
		return nil
	}

	hub.events <- wireEvent{Event: event, Data: payload}

	return nil
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (sm *SessionManager) reaperLoop() {
	ticker := time.NewTicker(sm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-sm.idleTimeout)

		sm.mu.Lock()
		for id, hub := range sm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(sm.hubs, id)
				go hub.closeAll()
			}
		}
		sm.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket handler that subscribes the connection to its session's channel.
// The socket is listen-only: client events travel over the HTTP endpoint,
// never the socket.
func serveWSForManager(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := normalizeSessionID(ps.ByName("sessionid"))
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		hub := sm.getHub(sessionID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		sub := &subscriber{
			conn: conn,
			send: make(chan wireEvent, 8),
		}

		hub.register <- sub

		go sub.writePump()
		sub.readPump(hub)
	}
}

// readPump discards anything the client sends and unregisters on disconnect.
func (s *subscriber) readPump(h *channelHub) {
	defer func() {
		h.unreg <- s
		_ = s.conn.Close()
	}()

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	defer s.conn.Close()

	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
