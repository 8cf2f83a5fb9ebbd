package chat

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/akinalp/medicall/client/transport"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/ws"
)

type frame struct {
	Op      string
	Payload any
}

type recordingSender struct {
	mu     sync.Mutex
	frames []frame
}

func (s *recordingSender) Send(op string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame{Op: op, Payload: payload})
	return nil
}

func (s *recordingSender) byOp(op string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, f := range s.frames {
		if f.Op == op {
			out = append(out, f.Payload)
		}
	}
	return out
}

type countingRefresher struct {
	mu sync.Mutex
	n  int
}

func (c *countingRefresher) RefreshContacts() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// slowRetry keeps timers out of the way of tests that do not exercise them.
var slowRetry = RetryPolicy{AckTimeout: time.Hour, MaxAttempts: 3}

func newRelay(t *testing.T, self string, retry RetryPolicy) (*Relay, *recordingSender, *countingRefresher) {
	t.Helper()
	sender := &recordingSender{}
	refresher := &countingRefresher{}
	r := NewRelay(sender, retry, refresher)
	r.SetSelf(self)
	t.Cleanup(r.Close)
	return r, sender, refresher
}

func stored(id, from, to, content, key string, at time.Time) models.Message {
	m := models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		Kind:       models.MessageKindText,
		CreatedAt:  at,
	}
	if key != "" {
		m.ClientKey = &key
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendRendersPendingThenReconcilesByKey(t *testing.T) {
	r, sender, _ := newRelay(t, "alice", slowRetry)

	entry, err := r.SendMessage("bob", "  hello  ", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if entry.Status != StatusPending || entry.ID != "" || entry.Content != "hello" || entry.Kind != models.MessageKindText {
		t.Fatalf("provisional entry = %+v", entry)
	}

	sends := sender.byOp(ws.OpSendMessage)
	if len(sends) != 1 {
		t.Fatalf("sent %d frames", len(sends))
	}
	data := sends[0].(ws.SendMessageData)
	if data.ClientKey != *entry.ClientKey || data.ReceiverID != "bob" {
		t.Errorf("send_message payload = %+v", data)
	}

	r.Acknowledge(stored("m1", "alice", "bob", "hello", data.ClientKey, time.Now()))

	msgs := r.Messages("bob")
	if len(msgs) != 1 {
		t.Fatalf("got %d entries, want 1", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Status != StatusSent {
		t.Errorf("entry after ack = %+v", msgs[0])
	}
}

func TestIdenticalSendsReconcileIndependently(t *testing.T) {
	r, sender, _ := newRelay(t, "alice", slowRetry)

	r.SendMessage("bob", "ok", models.MessageKindText)
	r.SendMessage("bob", "ok", models.MessageKindText)
	sends := sender.byOp(ws.OpSendMessage)
	second := sends[1].(ws.SendMessageData).ClientKey

	r.Acknowledge(stored("m2", "alice", "bob", "ok", second, time.Now()))

	msgs := r.Messages("bob")
	if len(msgs) != 2 {
		t.Fatalf("got %d entries", len(msgs))
	}
	if msgs[0].Status != StatusPending || msgs[1].Status != StatusSent || msgs[1].ID != "m2" {
		t.Errorf("wrong entry reconciled: %+v / %+v", msgs[0], msgs[1])
	}
}

func TestUnacknowledgedSendRetriesThenFails(t *testing.T) {
	r, sender, _ := newRelay(t, "alice", RetryPolicy{AckTimeout: 10 * time.Millisecond, MaxAttempts: 3})

	entry, _ := r.SendMessage("bob", "are you there", "")

	waitFor(t, "failed status", func() bool {
		msgs := r.Messages("bob")
		return len(msgs) == 1 && msgs[0].Status == StatusFailed
	})

	sends := sender.byOp(ws.OpSendMessage)
	if len(sends) != 3 {
		t.Fatalf("attempts = %d, want 3", len(sends))
	}
	for _, s := range sends {
		if s.(ws.SendMessageData).ClientKey != *entry.ClientKey {
			t.Error("retry used a different client key")
		}
	}
	if got := r.Messages("bob")[0].FailReason; got != FailReasonTimeout {
		t.Errorf("fail reason = %q", got)
	}
}

func TestAckAfterRetryStopsRetrying(t *testing.T) {
	r, sender, _ := newRelay(t, "alice", RetryPolicy{AckTimeout: 10 * time.Millisecond, MaxAttempts: 5})

	entry, _ := r.SendMessage("bob", "hi", "")
	waitFor(t, "a retry", func() bool { return len(sender.byOp(ws.OpSendMessage)) >= 2 })

	r.Acknowledge(stored("m1", "alice", "bob", "hi", *entry.ClientKey, time.Now()))
	attempts := len(sender.byOp(ws.OpSendMessage))
	time.Sleep(100 * time.Millisecond)

	if got := len(sender.byOp(ws.OpSendMessage)); got != attempts {
		t.Errorf("kept retrying after ack: %d → %d", attempts, got)
	}
	if msgs := r.Messages("bob"); len(msgs) != 1 || msgs[0].Status != StatusSent {
		t.Errorf("entries = %+v", msgs)
	}
}

func TestRejectedSendCanBeResent(t *testing.T) {
	r, sender, _ := newRelay(t, "alice", slowRetry)
	entry, _ := r.SendMessage("bob", "spam", "")
	key := *entry.ClientKey

	r.Reject(ws.MessageFailedData{ClientKey: key, Reason: "rate_limited", RetryAfter: 12})

	got := r.Messages("bob")[0]
	if got.Status != StatusFailed || got.FailReason != "rate_limited" || got.RetryAfter != 12 {
		t.Fatalf("after reject: %+v", got)
	}

	if err := r.Resend("bob", key); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if got := r.Messages("bob")[0].Status; got != StatusPending {
		t.Errorf("status after resend = %s", got)
	}
	sends := sender.byOp(ws.OpSendMessage)
	if len(sends) != 2 || sends[1].(ws.SendMessageData).ClientKey != key {
		t.Errorf("resend frames = %+v", sends)
	}
	if err := r.Resend("bob", key); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("resend of pending entry: got %v", err)
	}
}

func TestReceiveDeduplicatesByTimestampAndContent(t *testing.T) {
	r, _, _ := newRelay(t, "bob", slowRetry)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	r.Receive(stored("m1", "alice", "bob", "hello", "", at))
	r.Receive(stored("", "alice", "bob", "hello", "", at))
	r.Receive(stored("m1", "alice", "bob", "hello", "", at))

	if n := len(r.Messages("alice")); n != 1 {
		t.Errorf("rendered %d messages, want 1", n)
	}
	if n := r.Unread("alice"); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}

func TestReceiveActiveAndInactiveConversations(t *testing.T) {
	r, sender, _ := newRelay(t, "bob", slowRetry)
	r.Receive(stored("m0", "carol", "bob", "earlier", "", time.Now()))
	r.SetActive("alice")

	r.Receive(stored("m1", "alice", "bob", "hello", "", time.Now()))
	if n := len(r.Messages("alice")); n != 1 {
		t.Fatalf("active conversation has %d entries", n)
	}
	if n := r.Unread("alice"); n != 0 {
		t.Errorf("unread for active peer = %d", n)
	}
	reads := sender.byOp(ws.OpMarkRead)
	if len(reads) != 2 {
		t.Errorf("mark_read sent %d times, want 2 (open + arrival)", len(reads))
	}

	r.SetActive("carol")
	r.Receive(stored("m2", "alice", "bob", "hi", "", time.Now()))

	if n := r.Unread("alice"); n != 1 {
		t.Errorf("unread after inactive arrival = %d, want 1", n)
	}
	if top := r.Contacts()[0].PeerID; top != "alice" {
		t.Errorf("top contact = %s, want alice", top)
	}
}

func TestUnreadResetsOnActivation(t *testing.T) {
	r, _, _ := newRelay(t, "bob", slowRetry)
	r.Receive(stored("m1", "alice", "bob", "one", "", time.Now()))
	r.Receive(stored("m2", "alice", "bob", "two", "", time.Now().Add(time.Second)))
	if n := r.Unread("alice"); n != 2 {
		t.Fatalf("unread = %d", n)
	}

	r.SetActive("alice")
	if n := r.Unread("alice"); n != 0 {
		t.Fatalf("unread after activation = %d", n)
	}
	r.Receive(stored("m3", "alice", "bob", "three", "", time.Now().Add(2*time.Second)))
	if n := r.Unread("alice"); n != 0 {
		t.Errorf("unread while active = %d", n)
	}

	r.SetActive("")
	r.Receive(stored("m4", "alice", "bob", "four", "", time.Now().Add(3*time.Second)))
	if n := r.Unread("alice"); n != 1 {
		t.Errorf("unread after leaving = %d", n)
	}
}

func TestNewPeerTriggersContactRefresh(t *testing.T) {
	r, _, refresher := newRelay(t, "bob", slowRetry)

	r.Receive(stored("m1", "dave", "bob", "first", "", time.Now()))
	r.Receive(stored("m2", "dave", "bob", "second", "", time.Now().Add(time.Second)))

	if refresher.n != 1 {
		t.Errorf("refreshed %d times, want 1", refresher.n)
	}
}

func TestDeleteForEveryoneReachesBothSides(t *testing.T) {
	alice, aliceSender, _ := newRelay(t, "alice", slowRetry)
	bob, _, _ := newRelay(t, "bob", slowRetry)
	at := time.Now()

	entry, _ := alice.SendMessage("bob", "oops", "")
	msg := stored("m1", "alice", "bob", "oops", *entry.ClientKey, at)
	alice.Acknowledge(msg)
	bob.Receive(msg)

	if err := alice.DeleteMessage("bob", "m1", models.DeleteScopeEveryone); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := len(alice.Messages("bob")); n != 0 {
		t.Errorf("sender still shows %d messages", n)
	}
	frames := aliceSender.byOp(ws.OpDeleteMessage)
	if len(frames) != 1 || frames[0].(ws.DeleteMessageData).Scope != models.DeleteScopeEveryone {
		t.Fatalf("delete_message frames = %+v", frames)
	}

	// What the coordinator sends the receiver.
	ch := newFakeChannel()
	bob.Bind(ch)
	ch.push(t, ws.OpMessageDeleted, ws.MessageDeletedData{MessageID: "m1", PeerID: "alice", Scope: models.DeleteScopeEveryone})

	if n := len(bob.Messages("alice")); n != 0 {
		t.Errorf("receiver still shows %d messages", n)
	}
	if last := bob.Contacts()[0].LastMessage; last != nil {
		t.Errorf("summary still points at the deleted message: %+v", last)
	}
}

func TestDeleteValidatesScope(t *testing.T) {
	r, _, _ := newRelay(t, "alice", slowRetry)
	if err := r.DeleteMessage("bob", "m1", "nobody"); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("got %v", err)
	}
}

func TestClearChatClearsActiveSummary(t *testing.T) {
	r, sender, _ := newRelay(t, "bob", slowRetry)
	r.Receive(stored("m1", "alice", "bob", "x", "", time.Now()))
	r.Receive(stored("m2", "carol", "bob", "y", "", time.Now()))
	r.SetActive("alice")

	if err := r.ClearChat("alice", models.DeleteScopeMe); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(r.Messages("alice")) != 0 {
		t.Error("conversation not cleared")
	}

	contacts := r.Contacts()
	idx := slices.IndexFunc(contacts, func(c Contact) bool { return c.PeerID == "alice" })
	if contacts[idx].LastMessage != nil {
		t.Error("active summary kept its last message")
	}
	frames := sender.byOp(ws.OpClearChat)
	if len(frames) != 1 || frames[0].(ws.ClearChatData).ReceiverID != "alice" {
		t.Errorf("clear_chat frames = %+v", frames)
	}
	if len(r.Messages("carol")) != 1 {
		t.Error("other conversation touched")
	}
}

func TestRemoteClearEmptiesConversation(t *testing.T) {
	r, _, _ := newRelay(t, "bob", slowRetry)
	ch := newFakeChannel()
	r.Bind(ch)
	r.Receive(stored("m1", "alice", "bob", "x", "", time.Now()))

	ch.push(t, ws.OpChatCleared, ws.ChatClearedData{PeerID: "alice", Scope: models.DeleteScopeEveryone})

	if len(r.Messages("alice")) != 0 || r.Unread("alice") != 0 {
		t.Error("remote clear left state behind")
	}
}

func TestLateAckAfterClearStaysCleared(t *testing.T) {
	tests := []struct {
		name  string
		clear func(r *Relay)
	}{
		{"local clear", func(r *Relay) { r.ClearChat("bob", models.DeleteScopeMe) }},
		{"remote clear", func(r *Relay) {
			r.handleCleared(ws.ChatClearedData{PeerID: "bob", Scope: models.DeleteScopeEveryone})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newRelay(t, "alice", slowRetry)
			pending, _ := r.SendMessage("bob", "still in flight", "")
			acked, _ := r.SendMessage("bob", "already sent", "")
			r.Acknowledge(stored("m1", "alice", "bob", "already sent", *acked.ClientKey, time.Now()))

			tt.clear(r)

			// Both acks were already on the wire when the chat was cleared.
			r.Acknowledge(stored("m2", "alice", "bob", "still in flight", *pending.ClientKey, time.Now()))
			r.Acknowledge(stored("m1", "alice", "bob", "already sent", *acked.ClientKey, time.Now()))
			if msgs := r.Messages("bob"); len(msgs) != 0 {
				t.Fatalf("cleared messages came back: %+v", msgs)
			}

			fresh, _ := r.SendMessage("bob", "after clear", "")
			r.Acknowledge(stored("m3", "alice", "bob", "after clear", *fresh.ClientKey, time.Now()))
			if msgs := r.Messages("bob"); len(msgs) != 1 || msgs[0].ID != "m3" {
				t.Errorf("entries after new send = %+v", msgs)
			}
		})
	}
}

func TestAckFromAnotherSessionAppends(t *testing.T) {
	r, _, _ := newRelay(t, "alice", slowRetry)
	msg := stored("m9", "alice", "bob", "sent from my phone", "other-key", time.Now())

	r.Acknowledge(msg)
	r.Acknowledge(msg)

	if n := len(r.Messages("bob")); n != 1 {
		t.Errorf("got %d entries, want 1", n)
	}
}

func TestLoadHistoryKeepsUnconfirmedEntries(t *testing.T) {
	r, _, _ := newRelay(t, "alice", slowRetry)
	entry, _ := r.SendMessage("bob", "in flight", "")

	r.LoadHistory("bob", []models.Message{
		stored("m1", "bob", "alice", "old", "", time.Now().Add(-time.Hour)),
	})

	msgs := r.Messages("bob")
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].key() != *entry.ClientKey {
		t.Errorf("entries after history load = %+v", msgs)
	}
}

func TestSetContactsKeepsActiveUnreadAtZero(t *testing.T) {
	r, _, _ := newRelay(t, "alice", slowRetry)
	r.SetActive("bob")

	r.SetContacts([]models.Contact{
		{User: &models.User{ID: "bob"}, UnreadCount: 3},
		{User: &models.User{ID: "carol"}, UnreadCount: 2},
	})

	if r.Unread("bob") != 0 || r.Unread("carol") != 2 {
		t.Errorf("unread bob=%d carol=%d", r.Unread("bob"), r.Unread("carol"))
	}
	if order := r.Contacts(); order[0].PeerID != "bob" || order[1].PeerID != "carol" {
		t.Errorf("order = %+v", order)
	}
}

func TestSendValidation(t *testing.T) {
	r, sender, _ := newRelay(t, "alice", slowRetry)
	tests := []struct {
		name string
		peer string
		body string
		kind models.MessageKind
		want error
	}{
		{name: "no peer", body: "x", want: ErrNoPeer},
		{name: "blank", peer: "bob", body: "   ", want: ErrEmptyMessage},
		{name: "call log", peer: "bob", body: "{}", kind: models.MessageKindCallLog, want: ErrInvalidKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.SendMessage(tt.peer, tt.body, tt.kind); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(sender.byOp(ws.OpSendMessage)); n != 0 {
		t.Errorf("invalid sends reached the wire: %d", n)
	}
}

// ─── Transport fake ───

type fakeChannel struct {
	handlers map[string][]transport.Handler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) On(op string, h transport.Handler) func() {
	f.handlers[op] = append(f.handlers[op], h)
	return func() {}
}

func (f *fakeChannel) push(t *testing.T, op string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, h := range f.handlers[op] {
		h(data)
	}
}
