// Package chat keeps one client's view of its conversations in step with
// the coordinator.
//
// Sends are rendered at once as pending entries carrying a client key. The
// message_sent ack echoes that key back and the entry is swapped for the
// stored message by exact key match. Sends without an ack are retried with
// the same key a bounded number of times, then marked failed; the server
// stores a key only once, so a retry never duplicates a message.
package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/ws"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrInvalidKind  = errors.New("chat: invalid message kind")
	ErrInvalidScope = errors.New("chat: invalid delete scope")
	ErrNoPeer       = errors.New("chat: peer id is required")
	ErrUnknownEntry = errors.New("chat: no such message")
	ErrNotRetryable = errors.New("chat: message is not in a failed state")
)

// FailReasonTimeout marks a send that was never acknowledged.
const FailReasonTimeout = "timeout"

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(op string, payload any) error
}

// ContactsRefresher reloads the contact list, typically from the REST
// contacts endpoint followed by SetContacts.
type ContactsRefresher interface {
	RefreshContacts()
}

// Status is the delivery state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one rendered message. Pending and failed entries have no ID yet.
type Entry struct {
	models.Message
	Status     Status
	FailReason string
	RetryAfter int
}

func (e Entry) key() string {
	if e.ClientKey == nil {
		return ""
	}
	return *e.ClientKey
}

// Contact is the per-peer summary the relay maintains.
type Contact struct {
	PeerID       string
	User         *models.User
	LastMessage  *models.Message
	Unread       int
	LastActivity time.Time
}

// UpdateKind says which part of the relay's state changed.
type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateContacts UpdateKind = "contacts"
)

// Update is what observers receive. PeerID is empty for contact list
// reloads.
type Update struct {
	Kind   UpdateKind
	PeerID string
}

// RetryPolicy bounds unacknowledged sends. The n-th attempt waits
// AckTimeout * 2^(n-1) for its ack.
type RetryPolicy struct {
	AckTimeout  time.Duration
	MaxAttempts int
}

// clearedKeyTTL is how long a cleared client key keeps blocking its late ack.
const clearedKeyTTL = 10 * time.Minute

// DefaultRetryPolicy gives up after about 35 seconds.
var DefaultRetryPolicy = RetryPolicy{AckTimeout: 5 * time.Second, MaxAttempts: 3}

type pendingSend struct {
	peerID   string
	data     ws.SendMessageData
	attempts int
	timer    *time.Timer
}

// Relay is the only mutator of message and contact state.
type Relay struct {
	sender    Sender
	retry     RetryPolicy
	refresher ContactsRefresher

	mu            sync.Mutex
	selfID        string
	active        string
	conversations map[string][]Entry
	contacts      map[string]*Contact
	order         []string // contact peer ids, most recent first
	pending       map[string]*pendingSend
	cleared       map[string]time.Time // client key → when its chat was cleared
	observers     map[int]func(Update)
	nextID        int
	now           func() time.Time
}

// NewRelay creates an empty relay. refresher may be nil.
func NewRelay(sender Sender, retry RetryPolicy, refresher ContactsRefresher) *Relay {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.AckTimeout <= 0 {
		retry.AckTimeout = DefaultRetryPolicy.AckTimeout
	}
	return &Relay{
		sender:        sender,
		retry:         retry,
		refresher:     refresher,
		conversations: make(map[string][]Entry),
		contacts:      make(map[string]*Contact),
		pending:       make(map[string]*pendingSend),
		cleared:       make(map[string]time.Time),
		observers:     make(map[int]func(Update)),
		now:           time.Now,
	}
}

// SetSelf records the local user id. Bind does this from the ready frame.
func (r *Relay) SetSelf(userID string) {
	r.mu.Lock()
	r.selfID = userID
	r.mu.Unlock()
}

// Subscribe registers fn and returns a func that removes it.
func (r *Relay) Subscribe(fn func(Update)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Relay) notify(updates ...Update) {
	r.mu.Lock()
	fns := lo.Values(r.observers)
	r.mu.Unlock()

	for _, u := range updates {
		for _, fn := range fns {
			fn(u)
		}
	}
}

// Close stops every retry timer. Pending entries stay pending.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.pending {
		ps.timer.Stop()
	}
	r.pending = make(map[string]*pendingSend)
}

// ─── Sending ───

// SendMessage renders content at once as a pending entry and sends it.
func (r *Relay) SendMessage(peerID, content string, kind models.MessageKind) (Entry, error) {
	content = strings.TrimSpace(content)
	switch {
	case peerID == "":
		return Entry{}, ErrNoPeer
	case content == "":
		return Entry{}, ErrEmptyMessage
	}
	if kind == "" {
		kind = models.MessageKindText
	}
	if kind != models.MessageKindText && kind != models.MessageKindImage && kind != models.MessageKindFile {
		return Entry{}, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	key := uuid.NewString()

	r.mu.Lock()
	entry := Entry{
		Message: models.Message{
			SenderID:   r.selfID,
			ReceiverID: peerID,
			Content:    content,
			Kind:       kind,
			ClientKey:  &key,
			CreatedAt:  r.now(),
		},
		Status: StatusPending,
	}
	r.conversations[peerID] = append(r.conversations[peerID], entry)
	r.touchContactLocked(peerID, &entry.Message)

	ps := &pendingSend{
		peerID: peerID,
		data: ws.SendMessageData{
			ReceiverID: peerID,
			Content:    content,
			Kind:       kind,
			ClientKey:  key,
		},
	}
	r.pending[key] = ps
	r.attemptLocked(key, ps)
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessages, PeerID: peerID}, Update{Kind: UpdateContacts})
	return entry, nil
}

// Resend retries a failed entry with its original client key.
func (r *Relay) Resend(peerID, clientKey string) error {
	r.mu.Lock()
	idx := r.indexByKeyLocked(peerID, clientKey)
	if idx < 0 {
		r.mu.Unlock()
		return ErrUnknownEntry
	}
	entry := &r.conversations[peerID][idx]
	if entry.Status != StatusFailed {
		r.mu.Unlock()
		return ErrNotRetryable
	}
	entry.Status = StatusPending
	entry.FailReason = ""
	entry.RetryAfter = 0

	ps := &pendingSend{
		peerID: peerID,
		data: ws.SendMessageData{
			ReceiverID: peerID,
			Content:    entry.Content,
			Kind:       entry.Kind,
			ClientKey:  clientKey,
		},
	}
	r.pending[clientKey] = ps
	r.attemptLocked(clientKey, ps)
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessages, PeerID: peerID})
	return nil
}

func (r *Relay) attemptLocked(key string, ps *pendingSend) {
	ps.attempts++
	if err := r.sender.Send(ws.OpSendMessage, ps.data); err != nil {
		log.Debug().Err(err).Msgf("[chat] send %s attempt %d not queued", key, ps.attempts)
	}
	wait := r.retry.AckTimeout << (ps.attempts - 1)
	ps.timer = time.AfterFunc(wait, func() { r.ackTimeout(key, ps) })
}

func (r *Relay) ackTimeout(key string, ps *pendingSend) {
	r.mu.Lock()
	if r.pending[key] != ps {
		r.mu.Unlock()
		return
	}
	if ps.attempts < r.retry.MaxAttempts {
		r.attemptLocked(key, ps)
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.markFailedLocked(ps.peerID, key, FailReasonTimeout, 0)
	r.mu.Unlock()

	log.Warn().Msgf("[chat] message %s to %s not acknowledged after %d attempts", key, ps.peerID, ps.attempts)
	r.notify(Update{Kind: UpdateMessages, PeerID: ps.peerID})
}

func (r *Relay) markFailedLocked(peerID, key, reason string, retryAfter int) bool {
	idx := r.indexByKeyLocked(peerID, key)
	if idx < 0 {
		return false
	}
	entry := &r.conversations[peerID][idx]
	if entry.Status == StatusSent {
		return false
	}
	entry.Status = StatusFailed
	entry.FailReason = reason
	entry.RetryAfter = retryAfter
	return true
}

// ─── Inbound ───

// Acknowledge handles message_sent: the stored copy of one of this user's
// messages. It replaces the pending entry with the same client key, or is
// appended when another session of this user sent it.
func (r *Relay) Acknowledge(msg models.Message) {
	peerID := msg.ReceiverID

	r.mu.Lock()
	key := ""
	if msg.ClientKey != nil {
		key = *msg.ClientKey
		if _, gone := r.cleared[key]; gone {
			r.mu.Unlock()
			return
		}
		if ps, ok := r.pending[key]; ok {
			ps.timer.Stop()
			delete(r.pending, key)
		}
	}

	sent := Entry{Message: msg, Status: StatusSent}
	idx := -1
	if key != "" {
		idx = r.indexByKeyLocked(peerID, key)
	}
	switch {
	case idx >= 0:
		r.conversations[peerID][idx] = sent
	case r.indexByIDLocked(peerID, msg.ID) >= 0:
		r.mu.Unlock()
		return
	default:
		r.conversations[peerID] = append(r.conversations[peerID], sent)
	}
	r.touchContactLocked(peerID, &sent.Message)
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessages, PeerID: peerID}, Update{Kind: UpdateContacts})
}

// Reject handles message_failed.
func (r *Relay) Reject(data ws.MessageFailedData) {
	r.mu.Lock()
	peerID := ""
	if ps, ok := r.pending[data.ClientKey]; ok {
		ps.timer.Stop()
		delete(r.pending, data.ClientKey)
		peerID = ps.peerID
	} else {
		peerID = r.peerOfKeyLocked(data.ClientKey)
	}
	changed := peerID != "" && r.markFailedLocked(peerID, data.ClientKey, data.Reason, data.RetryAfter)
	r.mu.Unlock()

	if changed {
		log.Warn().Msgf("[chat] message %s rejected: %s", data.ClientKey, data.Reason)
		r.notify(Update{Kind: UpdateMessages, PeerID: peerID})
	}
}

// Receive handles a message from a peer. A message already shown (same
// id, or same timestamp and content) is dropped.
func (r *Relay) Receive(msg models.Message) {
	peerID := msg.SenderID

	r.mu.Lock()
	if r.isDuplicateLocked(peerID, msg) {
		r.mu.Unlock()
		return
	}

	_, known := r.contacts[peerID]
	r.conversations[peerID] = append(r.conversations[peerID], Entry{Message: msg, Status: StatusSent})
	contact := r.touchContactLocked(peerID, &msg)

	isActive := peerID == r.active
	if isActive {
		r.markReadLocked(peerID)
	} else {
		contact.Unread++
	}
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessages, PeerID: peerID}, Update{Kind: UpdateContacts})

	if !known && r.refresher != nil {
		r.refresher.RefreshContacts()
	}
}

func (r *Relay) isDuplicateLocked(peerID string, msg models.Message) bool {
	return slices.ContainsFunc(r.conversations[peerID], func(e Entry) bool {
		if msg.ID != "" && e.ID == msg.ID {
			return true
		}
		return e.CreatedAt.Equal(msg.CreatedAt) && e.Content == msg.Content
	})
}

// ─── Delete and clear ───

// DeleteMessage removes the message locally and asks the coordinator to
// delete it for scope. The local removal stands even if the send fails.
func (r *Relay) DeleteMessage(peerID, messageID string, scope models.DeleteScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if peerID == "" || messageID == "" {
		return ErrUnknownEntry
	}

	r.mu.Lock()
	r.removeLocked(peerID, messageID)
	r.mu.Unlock()
	r.notify(Update{Kind: UpdateMessages, PeerID: peerID}, Update{Kind: UpdateContacts})

	return r.send(ws.OpDeleteMessage, ws.DeleteMessageData{MessageID: messageID, ReceiverID: peerID, Scope: scope})
}

// ClearChat empties the conversation locally and asks the coordinator to
// clear it for scope.
func (r *Relay) ClearChat(peerID string, scope models.DeleteScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if peerID == "" {
		return ErrNoPeer
	}

	r.mu.Lock()
	r.clearLocked(peerID)
	if c, ok := r.contacts[peerID]; ok && peerID == r.active {
		c.LastMessage = nil
	}
	r.mu.Unlock()
	r.notify(Update{Kind: UpdateMessages, PeerID: peerID}, Update{Kind: UpdateContacts})

	return r.send(ws.OpClearChat, ws.ClearChatData{ReceiverID: peerID, Scope: scope})
}

func (r *Relay) handleDeleted(data ws.MessageDeletedData) {
	r.mu.Lock()
	removed := r.removeLocked(data.PeerID, data.MessageID)
	r.mu.Unlock()

	if removed {
		r.notify(Update{Kind: UpdateMessages, PeerID: data.PeerID}, Update{Kind: UpdateContacts})
	}
}

// handleCleared drops the conversation and its summary. The messages are
// gone on the server side too, so nothing is left to count as unread.
func (r *Relay) handleCleared(data ws.ChatClearedData) {
	r.mu.Lock()
	r.clearLocked(data.PeerID)
	if c, ok := r.contacts[data.PeerID]; ok {
		c.LastMessage = nil
		c.Unread = 0
	}
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessages, PeerID: data.PeerID}, Update{Kind: UpdateContacts})
}

func (r *Relay) removeLocked(peerID, messageID string) bool {
	idx := r.indexByIDLocked(peerID, messageID)
	if idx < 0 {
		return false
	}
	conv := slices.Delete(r.conversations[peerID], idx, idx+1)
	r.conversations[peerID] = conv

	if c, ok := r.contacts[peerID]; ok && c.LastMessage != nil && c.LastMessage.ID == messageID {
		c.LastMessage = nil
		if len(conv) > 0 {
			last := conv[len(conv)-1].Message
			c.LastMessage = &last
		}
	}
	return true
}

// clearLocked drops the conversation and remembers its client keys, so an
// ack still in flight for one of them cannot bring the message back.
func (r *Relay) clearLocked(peerID string) {
	now := r.now()
	for key, at := range r.cleared {
		if now.Sub(at) > clearedKeyTTL {
			delete(r.cleared, key)
		}
	}

	for key, ps := range r.pending {
		if ps.peerID == peerID {
			ps.timer.Stop()
			delete(r.pending, key)
			r.cleared[key] = now
		}
	}
	for _, e := range r.conversations[peerID] {
		if key := e.key(); key != "" {
			r.cleared[key] = now
		}
	}
	delete(r.conversations, peerID)
}

// ─── Active conversation ───

// SetActive makes peerID the conversation on screen and resets its unread
// count. An empty peerID means no conversation is open.
func (r *Relay) SetActive(peerID string) {
	r.mu.Lock()
	r.active = peerID
	if peerID != "" {
		r.markReadLocked(peerID)
	}
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateContacts})
}

func (r *Relay) markReadLocked(peerID string) {
	if c, ok := r.contacts[peerID]; ok {
		c.Unread = 0
	}
	if err := r.sender.Send(ws.OpMarkRead, ws.MarkReadData{PeerID: peerID}); err != nil {
		log.Debug().Err(err).Msgf("[chat] mark_read for %s not sent", peerID)
	}
}

// Active returns the open conversation's peer id.
func (r *Relay) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ─── Seeding from REST ───

// LoadHistory replaces a conversation with a page of stored history, oldest
// first. Pending and failed entries that the history does not contain are
// kept at the end.
func (r *Relay) LoadHistory(peerID string, history []models.Message) {
	r.mu.Lock()
	stored := lo.SliceToMap(history, func(m models.Message) (string, bool) {
		if m.ClientKey == nil {
			return m.ID, true
		}
		return *m.ClientKey, true
	})

	conv := make([]Entry, 0, len(history))
	for _, m := range history {
		conv = append(conv, Entry{Message: m, Status: StatusSent})
	}
	for _, e := range r.conversations[peerID] {
		if e.Status != StatusSent && !stored[e.key()] {
			conv = append(conv, e)
		}
	}
	r.conversations[peerID] = conv
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessages, PeerID: peerID})
}

// SetContacts replaces the contact list with the coordinator's summary,
// which arrives most recent first.
func (r *Relay) SetContacts(contacts []models.Contact) {
	r.mu.Lock()
	r.contacts = make(map[string]*Contact, len(contacts))
	r.order = r.order[:0]
	for _, c := range contacts {
		if c.User == nil {
			continue
		}
		unread := c.UnreadCount
		if c.User.ID == r.active {
			unread = 0
		}
		r.contacts[c.User.ID] = &Contact{
			PeerID:       c.User.ID,
			User:         c.User,
			LastMessage:  c.LastMessage,
			Unread:       unread,
			LastActivity: c.LastActivityAt,
		}
		r.order = append(r.order, c.User.ID)
	}
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateContacts})
}

// touchContactLocked records msg as the latest activity with peerID and
// moves the contact to the top.
func (r *Relay) touchContactLocked(peerID string, msg *models.Message) *Contact {
	c, ok := r.contacts[peerID]
	if !ok {
		c = &Contact{PeerID: peerID}
		r.contacts[peerID] = c
	}
	last := *msg
	c.LastMessage = &last
	c.LastActivity = msg.CreatedAt

	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == peerID })
	r.order = slices.Insert(r.order, 0, peerID)
	return c
}

// ─── Reads ───

// Messages returns a copy of the conversation with peerID.
func (r *Relay) Messages(peerID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.conversations[peerID])
}

// Contacts returns the contact list, most recent activity first.
func (r *Relay) Contacts() []Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.order, func(id string, _ int) Contact { return *r.contacts[id] })
}

// Unread returns the unread count for peerID.
func (r *Relay) Unread(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contacts[peerID]; ok {
		return c.Unread
	}
	return 0
}

func (r *Relay) indexByKeyLocked(peerID, key string) int {
	return slices.IndexFunc(r.conversations[peerID], func(e Entry) bool { return e.key() == key })
}

func (r *Relay) indexByIDLocked(peerID, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(r.conversations[peerID], func(e Entry) bool { return e.ID == id })
}

func (r *Relay) peerOfKeyLocked(key string) string {
	for peerID := range r.conversations {
		if r.indexByKeyLocked(peerID, key) >= 0 {
			return peerID
		}
	}
	return ""
}

func (r *Relay) send(op string, payload any) error {
	if err := r.sender.Send(op, payload); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
