// Package transport is the client side of the event channel: one
// authenticated WebSocket that presence, signaling and chat share.
//
// Send is fire-and-forget. Failures to connect and dropped connections are
// reported as local events (EventConnectError, EventDisconnect) to the
// handlers registered with On. A dropped channel is never re-dialed here;
// the owner calls Connect again.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/ws"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrUnauthorized     = errors.New("transport: unauthorized")
	ErrSendBufferFull   = errors.New("transport: send buffer full")
)

// Local events. They are dispatched to handlers like any other op but never
// travel over the wire.
const (
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

const (
	writeWait                = 10 * time.Second
	sendBufferSize           = 64
	defaultHeartbeatInterval = 30 * time.Second
)

// ConnectErrorData is the payload of EventConnectError.
type ConnectErrorData struct {
	Error        string `json:"error"`
	Unauthorized bool   `json:"unauthorized"`
}

// DisconnectData is the payload of EventDisconnect. Explicit is true when
// the owner called Disconnect.
type DisconnectData struct {
	Reason   string `json:"reason"`
	Explicit bool   `json:"explicit"`
}

// Handler receives the raw payload of one frame.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	fn Handler
}

// Channel is one client's connection to the coordinator. Handlers run
// sequentially on the read goroutine, in registration order.
type Channel struct {
	serverURL string
	dialer    *websocket.Dialer

	mu       sync.RWMutex
	handlers map[string][]*handlerEntry

	connMu sync.Mutex
	link   *link
}

// link is the state of a single connection. Every Connect gets a new one.
type link struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	explicit  atomic.Bool
	beating   atomic.Bool
}

func (l *link) shutdown() {
	l.closeOnce.Do(func() { close(l.done) })
}

// NewChannel creates a channel for serverURL (ws:// or wss://, pointing at
// the /ws endpoint). A nil dialer uses websocket.DefaultDialer.
func NewChannel(serverURL string, dialer *websocket.Dialer) *Channel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Channel{
		serverURL: serverURL,
		dialer:    dialer,
		handlers:  make(map[string][]*handlerEntry),
	}
}

// On registers h for op and returns a func that removes it.
func (c *Channel) On(op string, h Handler) (off func()) {
	entry := &handlerEntry{fn: h}

	c.mu.Lock()
	c.handlers[op] = append(c.handlers[op], entry)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.handlers[op]
		for i, e := range list {
			if e == entry {
				c.handlers[op] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) dispatch(op string, data json.RawMessage) {
	c.mu.RLock()
	list := append([]*handlerEntry(nil), c.handlers[op]...)
	c.mu.RUnlock()

	for _, e := range list {
		e.fn(data)
	}
}

func (c *Channel) emit(op string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msgf("[transport] failed to marshal %s", op)
		return
	}
	c.dispatch(op, data)
}

// Connect dials the coordinator with token. On failure the error is both
// returned and dispatched as EventConnectError.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.connMu.Lock()
	if c.link != nil {
		c.connMu.Unlock()
		return ErrAlreadyConnected
	}

	target, err := c.dialURL(token)
	if err != nil {
		c.connMu.Unlock()
		c.emit(EventConnectError, ConnectErrorData{Error: err.Error()})
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.connMu.Unlock()
		unauthorized := resp != nil && resp.StatusCode == http.StatusUnauthorized
		if unauthorized {
			err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		log.Warn().Err(err).Msg("[transport] connect failed")
		c.emit(EventConnectError, ConnectErrorData{Error: err.Error(), Unauthorized: unauthorized})
		return err
	}

	l := &link{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.link = l
	c.connMu.Unlock()

	go c.writeLoop(l)
	go c.readLoop(l)
	log.Debug().Msg("[transport] connected")
	return nil
}

func (c *Channel) dialURL(token string) (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.link != nil
}

// Send queues one frame. It does not wait for the write and there is no
// acknowledgement at this layer.
func (c *Channel) Send(op string, payload any) error {
	c.connMu.Lock()
	l := c.link
	c.connMu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return c.enqueue(l, op, payload)
}

func (c *Channel) enqueue(l *link, op string, payload any) error {
	data, err := json.Marshal(ws.Event{Op: op, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// Disconnect closes the channel. EventDisconnect follows with Explicit set.
func (c *Channel) Disconnect() {
	c.connMu.Lock()
	l := c.link
	c.link = nil
	c.connMu.Unlock()

	if l == nil {
		return
	}
	l.explicit.Store(true)
	l.shutdown()
}

func (c *Channel) readLoop(l *link) {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			c.drop(l, err)
			return
		}

		var frame ws.RawEvent
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn().Err(err).Msg("[transport] invalid frame")
			continue
		}

		if frame.Op == ws.OpReady {
			c.startHeartbeat(l, frame)
		}
		c.dispatch(frame.Op, frame.Data)
	}
}

// drop tears down l and reports the disconnect once.
func (c *Channel) drop(l *link, cause error) {
	l.shutdown()

	c.connMu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.connMu.Unlock()

	data := DisconnectData{Explicit: l.explicit.Load()}
	switch {
	case data.Explicit:
		data.Reason = "client disconnect"
	case cause != nil:
		data.Reason = cause.Error()
		log.Warn().Err(cause).Msg("[transport] connection lost")
	}
	c.emit(EventDisconnect, data)
}

func (c *Channel) writeLoop(l *link) {
	defer l.conn.Close()

	for {
		select {
		case msg := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn().Err(err).Msg("[transport] write failed")
				l.shutdown()
				return
			}
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// startHeartbeat starts the liveness ping at the interval the coordinator
// announced in ready. Later ready frames on the same link are ignored.
func (c *Channel) startHeartbeat(l *link, frame ws.RawEvent) {
	if !l.beating.CompareAndSwap(false, true) {
		return
	}

	interval := defaultHeartbeatInterval
	var ready ws.ReadyData
	if err := frame.Decode(&ready); err == nil && ready.HeartbeatIntervalMs > 0 {
		interval = time.Duration(ready.HeartbeatIntervalMs) * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.enqueue(l, ws.OpHeartbeat, nil); err != nil && !errors.Is(err, ErrNotConnected) {
					log.Warn().Err(err).Msg("[transport] heartbeat not sent")
				}
			case <-l.done:
				return
			}
		}
	}()
}
