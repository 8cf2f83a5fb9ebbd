package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent. Three missed
	// 30s heartbeats.
	pongWait = 90 * time.Second

	// maxMessageSize fits a full SDP offer; attachments go over HTTP.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the per-connection outbound queue. A client that
	// lets it fill up is disconnected.
	sendBufferSize = 256
)

// Client is one WebSocket connection. ReadPump and WritePump run on separate
// goroutines since gorilla/websocket allows one concurrent reader and one
// concurrent writer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	connID string // unique per connection; a user may hold several
	send   chan []byte
	mu     sync.Mutex // guards conn writes
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		connID: uuid.NewString(),
		send:   make(chan []byte, sendBufferSize),
	}
}

// ReadPump reads frames until the connection fails, then unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.requestUnregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error().Err(err).Msgf("[ws] failed to set read deadline for user %s", c.userID)
		return
	}

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msgf("[ws] unexpected close for user %s", c.userID)
			}
			return
		}

		var event RawEvent
		if err := json.Unmarshal(rawMessage, &event); err != nil {
			log.Warn().Err(err).Msgf("[ws] invalid frame from user %s", c.userID)
			continue
		}

		c.handleEvent(event)
	}
}

// handleEvent dispatches one inbound frame.
func (c *Client) handleEvent(event RawEvent) {
	switch event.Op {
	case OpHeartbeat:
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Error().Err(err).Msgf("[ws] failed to set read deadline for user %s", c.userID)
			return
		}
		c.sendEvent(Event{Op: OpHeartbeatAck})
		if c.hub.onHeartbeat != nil {
			c.hub.onHeartbeat(c.userID)
		}

	// ─── Call signaling ───
	case OpCallUser:
		var data CallUserData
		if c.decode(event, &data) && c.require(event.Op, data.To != "" && len(data.Offer) > 0) {
			dispatchConn(c.hub.onCallUser, c.userID, c.connID, data)
		}
	case OpCallAccepted:
		var data CallAcceptedData
		if c.decode(event, &data) && c.require(event.Op, data.CallID != "" && len(data.Answer) > 0) {
			dispatchConn(c.hub.onCallAccepted, c.userID, c.connID, data)
		}
	case OpCallDecline:
		var data CallDeclineData
		if c.decode(event, &data) && c.require(event.Op, data.CallID != "") {
			dispatch(c.hub.onCallDecline, c.userID, data)
		}
	case OpCallEnd:
		// An empty call id is allowed: a caller may hang up before
		// call_ringing has told it the id.
		var data CallEndData
		if c.decode(event, &data) {
			dispatch(c.hub.onCallEnd, c.userID, data)
		}
	case OpICECandidate:
		var data ICECandidateData
		if c.decode(event, &data) && c.require(event.Op, data.To != "" && len(data.Candidate) > 0) {
			dispatch(c.hub.onICECandidate, c.userID, data)
		}

	// ─── Chat ───
	case OpSendMessage:
		var data SendMessageData
		if c.decode(event, &data) && c.require(event.Op, data.ReceiverID != "") {
			dispatch(c.hub.onSendMessage, c.userID, data)
		}
	case OpDeleteMessage:
		var data DeleteMessageData
		if c.decode(event, &data) && c.require(event.Op, data.MessageID != "") {
			dispatch(c.hub.onDeleteMessage, c.userID, data)
		}
	case OpClearChat:
		var data ClearChatData
		if c.decode(event, &data) && c.require(event.Op, data.ReceiverID != "") {
			dispatch(c.hub.onClearChat, c.userID, data)
		}
	case OpMarkRead:
		var data MarkReadData
		if c.decode(event, &data) && c.require(event.Op, data.PeerID != "") {
			dispatch(c.hub.onMarkRead, c.userID, data)
		}

	default:
		log.Warn().Msgf("[ws] unknown op from user %s: %s", c.userID, event.Op)
	}
}

func dispatch[T any](fn func(string, T), senderID string, data T) {
	if fn != nil {
		fn(senderID, data)
	}
}

func dispatchConn[T any](fn func(string, string, T), senderID, connID string, data T) {
	if fn != nil {
		fn(senderID, connID, data)
	}
}

func (c *Client) decode(event RawEvent, v any) bool {
	if err := event.Decode(v); err != nil {
		log.Warn().Err(err).Msgf("[ws] bad payload from user %s", c.userID)
		return false
	}
	return true
}

func (c *Client) require(op string, ok bool) bool {
	if !ok {
		log.Warn().Msgf("[ws] %s missing fields from user %s", op, c.userID)
	}
	return ok
}

// sendEvent queues an event for this connection only.
func (c *Client) sendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msgf("[ws] failed to marshal event for user %s", c.userID)
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn().Msgf("[ws] send buffer full for user %s, dropping connection", c.userID)
		go c.hub.requestUnregister(c)
	}
}

// WritePump drains send onto the socket until the hub closes the channel.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
