package services

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"

	"github.com/akinalp/medicall/database"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/repository"
	"github.com/akinalp/medicall/ws"
)

// sent is one event delivered through the fake hub. User is empty for
// broadcasts to everyone.
type sent struct {
	User   string
	Except string
	Event  ws.Event
}

// fakeHub records events and answers presence from a fixed set.
type fakeHub struct {
	mu     sync.Mutex
	online map[string]bool
	events []sent
	closed map[string]int
}

func newFakeHub(online ...string) *fakeHub {
	h := &fakeHub{online: make(map[string]bool), closed: make(map[string]int)}
	for _, id := range online {
		h.online[id] = true
	}
	return h
}

func (h *fakeHub) BroadcastToAll(event ws.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, sent{Event: event})
}

func (h *fakeHub) BroadcastToAllExcept(excludeUserID string, event ws.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, sent{Except: excludeUserID, Event: event})
}

func (h *fakeHub) BroadcastToUser(userID string, event ws.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, sent{User: userID, Event: event})
}

func (h *fakeHub) GetOnlineUserIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.online))
	for id := range h.online {
		ids = append(ids, id)
	}
	return ids
}

func (h *fakeHub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[userID]
}

func (h *fakeHub) DisconnectUser(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.online[userID] {
		return 0
	}
	delete(h.online, userID)
	h.closed[userID]++
	return 1
}

func (h *fakeHub) setOnline(userID string, online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online[userID] = online
}

// to returns the events delivered to userID with the given op.
func (h *fakeHub) to(userID, op string) []ws.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ws.Event
	for _, s := range h.events {
		if s.User == userID && s.Event.Op == op {
			out = append(out, s.Event)
		}
	}
	return out
}

func (h *fakeHub) ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, s := range h.events {
		out[i] = s.Event.Op
	}
	return out
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

type testRepos struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	reads    repository.ReadStateRepository
}

func newTestRepos(t *testing.T) testRepos {
	t.Helper()
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	db, err := database.New(filepath.Join(t.TempDir(), "svc.db"), migrations)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return testRepos{
		users:    repository.NewSQLiteUserRepo(db.Conn),
		messages: repository.NewSQLiteMessageRepo(db.Conn),
		reads:    repository.NewSQLiteReadStateRepo(db.Conn),
	}
}

func mustUser(t *testing.T, repo repository.UserRepository, username, email string) *models.User {
	t.Helper()
	u := &models.User{
		Username:     username,
		DisplayName:  "Dr " + username,
		Email:        email,
		PasswordHash: "x",
		Role:         models.UserRolePatient,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}
