// Package client assembles the real-time pieces of one signed-in user: the
// transport channel, presence, calls and chat, all bound to the same
// channel, plus the REST client that seeds chat state.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/client/chat"
	"github.com/akinalp/medicall/client/presence"
	"github.com/akinalp/medicall/client/rtc"
	"github.com/akinalp/medicall/client/signaling"
	"github.com/akinalp/medicall/client/transport"
	"github.com/akinalp/medicall/ws"
)

const (
	wsPath         = "/ws"
	defaultStream  = "medicall"
	refreshTimeout = 10 * time.Second
	historyLimit   = 50
)

// Options configures a Session. Only BaseURL is required.
type Options struct {
	BaseURL     string // coordinator origin, e.g. "https://example.org"
	DisplayName string // sent with outgoing calls

	// Media and Peers default to the pion-backed implementations in rtc.
	Media      signaling.MediaSource
	Peers      signaling.PeerFactory
	ICEServers []string

	Retry      chat.RetryPolicy
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Session is one user's connection to the coordinator.
type Session struct {
	Transport *transport.Channel
	Presence  *presence.Tracker
	Calls     *signaling.Machine
	Chat      *chat.Relay
	API       *API

	offReady func()
}

// NewSession builds and binds every concern. Nothing is dialed until
// Connect.
func NewSession(opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if opts.Media == nil {
		opts.Media = rtc.NewSource(defaultStream, nil)
	}
	if opts.Peers == nil {
		servers := opts.ICEServers
		if len(servers) == 0 {
			servers = []string{rtc.DefaultSTUNServer}
		}
		factory, err := rtc.NewFactory(servers...)
		if err != nil {
			return nil, fmt.Errorf("create peer factory: %w", err)
		}
		opts.Peers = factory
	}
	if opts.Retry == (chat.RetryPolicy{}) {
		opts.Retry = chat.DefaultRetryPolicy
	}

	s := &Session{
		Transport: transport.NewChannel(opts.BaseURL+wsPath, opts.Dialer),
		Presence:  presence.NewTracker(),
		API:       NewAPI(opts.BaseURL, opts.HTTPClient),
	}
	s.Calls = signaling.NewMachine(s.Transport, opts.Media, opts.Peers)
	s.Calls.SetDisplayName(opts.DisplayName)
	s.Chat = chat.NewRelay(s.Transport, opts.Retry, s)

	s.Presence.Bind(s.Transport)
	s.Calls.Bind(s.Transport)
	s.Chat.Bind(s.Transport)

	// Contacts may have changed while the channel was down.
	s.offReady = s.Transport.On(ws.OpReady, func(json.RawMessage) {
		go s.RefreshContacts()
	})
	return s, nil
}

// Connect authenticates both halves with token and opens the channel.
func (s *Session) Connect(ctx context.Context, token string) error {
	s.API.SetToken(token)
	return s.Transport.Connect(ctx, token)
}

// RefreshContacts reloads the contact list over REST. Errors are logged;
// the current list stays in place.
func (s *Session) RefreshContacts() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	contacts, err := s.API.Contacts(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[session] contact refresh failed")
		return
	}
	s.Chat.SetContacts(contacts)
}

// OpenConversation makes peerID the active conversation and loads its
// latest history.
func (s *Session) OpenConversation(ctx context.Context, peerID string) error {
	s.Chat.SetActive(peerID)

	page, err := s.API.History(ctx, peerID, "", historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.Chat.LoadHistory(peerID, page.Messages)
	return nil
}

// Close ends any call, stops chat retries and closes the channel.
func (s *Session) Close() {
	if err := s.Calls.Hangup(); err != nil {
		log.Debug().Err(err).Msg("[session] hangup on close")
	}
	s.Chat.Close()
	s.offReady()
	s.Transport.Disconnect()
}
