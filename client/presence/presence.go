// Package presence tracks which users the coordinator reports online.
//
// The set is seeded from the ready frame, then kept current by user_online
// and user_offline. Losing the channel clears it, since nothing is known
// about anyone until the next ready.
package presence

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/akinalp/medicall/client/transport"
	"github.com/akinalp/medicall/ws"
)

// Subscriber is the part of the transport channel the tracker listens on.
type Subscriber interface {
	On(op string, h transport.Handler) (off func())
}

// Change is one transition reported to observers. A reset after ready or a
// dropped channel is reported with an empty UserID.
type Change struct {
	UserID string
	Online bool
	Reset  bool
}

// Tracker holds the presence set for one client session.
type Tracker struct {
	mu        sync.RWMutex
	online    map[string]time.Time
	selfID    string
	observers map[int]func(Change)
	nextID    int
	now       func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online:    make(map[string]time.Time),
		observers: make(map[int]func(Change)),
		now:       time.Now,
	}
}

// Bind registers the tracker's handlers on ch.
func (t *Tracker) Bind(ch Subscriber) {
	ch.On(ws.OpReady, func(data json.RawMessage) {
		var ready ws.ReadyData
		if err := json.Unmarshal(data, &ready); err != nil {
			log.Warn().Err(err).Msg("[presence] bad ready payload")
			return
		}
		t.Reset(ready.UserID, ready.OnlineUserIDs)
	})
	ch.On(ws.OpUserOnline, func(data json.RawMessage) {
		if userID, ok := decodeUserID(data); ok {
			t.SetOnline(userID)
		}
	})
	ch.On(ws.OpUserOffline, func(data json.RawMessage) {
		if userID, ok := decodeUserID(data); ok {
			t.SetOffline(userID)
		}
	})
	ch.On(transport.EventDisconnect, func(json.RawMessage) {
		t.Clear()
	})
}

func decodeUserID(data json.RawMessage) (string, bool) {
	var p ws.PresenceData
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		log.Warn().Err(err).Msg("[presence] bad presence payload")
		return "", false
	}
	return p.UserID, true
}

// Reset replaces the whole set with a snapshot.
func (t *Tracker) Reset(selfID string, userIDs []string) {
	now := t.now()

	t.mu.Lock()
	t.selfID = selfID
	t.online = lo.SliceToMap(userIDs, func(id string) (string, time.Time) { return id, now })
	t.mu.Unlock()

	t.notify(Change{Reset: true})
}

// SetOnline marks userID online. Repeats for an already online user are
// ignored, which is how several sessions of one user collapse to one entry.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	if _, ok := t.online[userID]; ok {
		t.mu.Unlock()
		return
	}
	t.online[userID] = t.now()
	t.mu.Unlock()

	t.notify(Change{UserID: userID, Online: true})
}

// SetOffline removes userID.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	if _, ok := t.online[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.online, userID)
	t.mu.Unlock()

	t.notify(Change{UserID: userID})
}

// Clear forgets everyone.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.online = make(map[string]time.Time)
	t.mu.Unlock()

	t.notify(Change{Reset: true})
}

// IsOnline reports whether userID is in the set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// OnlineSince returns when userID was first seen online in the current set.
func (t *Tracker) OnlineSince(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	since, ok := t.online[userID]
	return since, ok
}

// Online returns the sorted set, excluding the local user.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := lo.Filter(lo.Keys(t.online), func(id string, _ int) bool { return id != t.selfID })
	t.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Subscribe registers fn for every change and returns a func that removes it.
func (t *Tracker) Subscribe(fn func(Change)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) notify(c Change) {
	t.mu.RLock()
	fns := lo.Values(t.observers)
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
