package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EventPublisher is what services use to push events. They depend on this
// interface, not on *Hub, so tests can record events instead.
type EventPublisher interface {
	BroadcastToAll(event Event)
	BroadcastToAllExcept(excludeUserID string, event Event)
	BroadcastToUser(userID string, event Event)
	GetOnlineUserIDs() []string
	IsOnline(userID string) bool
}

// Hub tracks every connection, keyed by user id. One user may hold several
// connections (tabs, devices); presence collapses them to one online state.
//
// register and unregister are serialised through Run. Presence callbacks are
// started on their own goroutine so they can broadcast without contending
// with Run for mu.
type Hub struct {
	// userID → connection set
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	seq atomic.Int64

	heartbeatInterval time.Duration

	onUserFirstConnect      func(userID string)
	onUserFullyDisconnected func(userID string)
	onConnectionClosed      func(userID, connID string)
	onHeartbeat             func(userID string)

	// Signaling and chat callbacks run on the sender's read goroutine, in
	// frame order. An offer is always handled before the candidates that
	// follow it on the same connection.
	// call_user and call_accepted also carry the connection id: the
	// connection that sent them owns that side of the call.
	onCallUser      func(senderID, connID string, data CallUserData)
	onCallAccepted  func(senderID, connID string, data CallAcceptedData)
	onCallDecline   func(senderID string, data CallDeclineData)
	onCallEnd       func(senderID string, data CallEndData)
	onICECandidate  func(senderID string, data ICECandidateData)
	onSendMessage   func(senderID string, data SendMessageData)
	onDeleteMessage func(senderID string, data DeleteMessageData)
	onClearChat     func(senderID string, data ClearChatData)
	onMarkRead      func(senderID string, data MarkReadData)
}

// NewHub creates a Hub. heartbeatInterval is advertised in the ready frame.
func NewHub(heartbeatInterval time.Duration) *Hub {
	return &Hub{
		clients:           make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		done:              make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
	}
}

// ─── Callback setters ───

func (h *Hub) OnUserFirstConnect(fn func(userID string))      { h.onUserFirstConnect = fn }
func (h *Hub) OnUserFullyDisconnected(fn func(userID string)) { h.onUserFullyDisconnected = fn }
func (h *Hub) OnHeartbeat(fn func(userID string))             { h.onHeartbeat = fn }

// OnConnectionClosed fires for every connection that goes away, including
// the last one of a user.
func (h *Hub) OnConnectionClosed(fn func(userID, connID string)) { h.onConnectionClosed = fn }

func (h *Hub) OnCallUser(fn func(senderID, connID string, data CallUserData))         { h.onCallUser = fn }
func (h *Hub) OnCallAccepted(fn func(senderID, connID string, data CallAcceptedData)) { h.onCallAccepted = fn }
func (h *Hub) OnCallDecline(fn func(senderID string, data CallDeclineData))   { h.onCallDecline = fn }
func (h *Hub) OnCallEnd(fn func(senderID string, data CallEndData))           { h.onCallEnd = fn }
func (h *Hub) OnICECandidate(fn func(senderID string, data ICECandidateData)) { h.onICECandidate = fn }

func (h *Hub) OnSendMessage(fn func(senderID string, data SendMessageData))     { h.onSendMessage = fn }
func (h *Hub) OnDeleteMessage(fn func(senderID string, data DeleteMessageData)) { h.onDeleteMessage = fn }
func (h *Hub) OnClearChat(fn func(senderID string, data ClearChatData))         { h.onClearChat = fn }
func (h *Hub) OnMarkRead(fn func(senderID string, data MarkReadData))           { h.onMarkRead = fn }

// Run is the register/unregister loop. Start it with `go hub.Run()`; it
// returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()

	_, wasOnline := h.clients[client.userID]
	if !wasOnline {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true
	total := len(h.clients[client.userID])

	online := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		online = append(online, userID)
	}

	// Enqueued under the lock so ready precedes any broadcast to this client.
	client.sendEvent(Event{
		Op: OpReady,
		Data: ReadyData{
			UserID:              client.userID,
			OnlineUserIDs:       online,
			HeartbeatIntervalMs: h.heartbeatInterval.Milliseconds(),
		},
		Seq: h.seq.Add(1),
	})
	h.mu.Unlock()

	log.Info().Msgf("[ws] client connected: user=%s (connections for user: %d)", client.userID, total)

	if !wasOnline && h.onUserFirstConnect != nil {
		go h.onUserFirstConnect(client.userID)
	}
}

// removeClient drops the connection and closes its send channel. It is a
// no-op for a client already removed.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()

	clients, ok := h.clients[client.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[client]; !exists {
		h.mu.Unlock()
		return
	}

	delete(clients, client)
	close(client.send)

	fullyDisconnected := len(clients) == 0
	if fullyDisconnected {
		delete(h.clients, client.userID)
	}
	remaining := len(clients)
	h.mu.Unlock()

	if h.onConnectionClosed != nil {
		go h.onConnectionClosed(client.userID, client.connID)
	}
	if fullyDisconnected {
		log.Info().Msgf("[ws] user fully disconnected: %s", client.userID)
		if h.onUserFullyDisconnected != nil {
			go h.onUserFullyDisconnected(client.userID)
		}
		return
	}
	log.Info().Msgf("[ws] client disconnected: user=%s (remaining: %d)", client.userID, remaining)
}

// BroadcastToAll sends event to every connection.
func (h *Hub) BroadcastToAll(event Event) {
	h.broadcast(event, func(string) bool { return true })
}

// BroadcastToAllExcept sends event to every connection not owned by
// excludeUserID.
func (h *Hub) BroadcastToAllExcept(excludeUserID string, event Event) {
	h.broadcast(event, func(userID string) bool { return userID != excludeUserID })
}

// BroadcastToUser sends event to every connection of userID.
func (h *Hub) BroadcastToUser(userID string, event Event) {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msgf("[ws] failed to marshal user event %s", event.Op)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		h.enqueue(client, data)
	}
}

func (h *Hub) broadcast(event Event, include func(userID string) bool) {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msgf("[ws] failed to marshal broadcast event %s", event.Op)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for userID, clients := range h.clients {
		if !include(userID) {
			continue
		}
		for client := range clients {
			h.enqueue(client, data)
		}
	}
}

// enqueue must be called with mu held for reading. A client whose buffer is
// full is too slow to keep; it gets unregistered.
func (h *Hub) enqueue(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		log.Warn().Msgf("[ws] send buffer full for user %s, dropping connection", client.userID)
		go h.requestUnregister(client)
	}
}

func (h *Hub) requestUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetOnlineUserIDs returns every user with at least one connection.
func (h *Hub) GetOnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		ids = append(ids, userID)
	}
	return ids
}

// IsOnline reports whether userID has at least one connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// DisconnectUser closes every connection of userID. The read pumps notice
// and unregister through the normal path.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.clients[userID] {
		client.conn.Close()
		n++
	}
	return n
}

// Shutdown closes every connection and stops Run.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, clients := range h.clients {
			for client := range clients {
				close(client.send)
			}
		}
		h.clients = make(map[string]map[*Client]bool)
		log.Info().Msg("[ws] hub shut down, all connections closed")
	})
}
