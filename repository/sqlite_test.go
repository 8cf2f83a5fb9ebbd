package repository

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/akinalp/medicall/database"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	db, err := database.New(filepath.Join(t.TempDir(), "repo.db"), migrations)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, repo UserRepository, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username, PasswordHash: "x", Role: models.UserRolePatient}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create(%s): %v", username, err)
	}
	return u
}

func sendAt(t *testing.T, repo MessageRepository, from, to *models.User, content string, at time.Time) *models.Message {
	t.Helper()
	m := &models.Message{SenderID: from.ID, ReceiverID: to.ID, Content: content, Kind: models.MessageKindText, CreatedAt: at}
	if err := repo.Create(context.Background(), m); err != nil {
		t.Fatalf("Create message: %v", err)
	}
	return m
}

func TestUserRepo(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteUserRepo(db.Conn)
	ctx := context.Background()

	alice := createUser(t, repo, "alice")
	if alice.ID == "" {
		t.Fatal("ID not assigned")
	}

	err := repo.Create(ctx, &models.User{Username: "ALICE", PasswordHash: "x", Role: models.UserRolePatient})
	if !errors.Is(err, pkg.ErrAlreadyExists) {
		t.Fatalf("duplicate username err = %v, want ErrAlreadyExists", err)
	}

	got, err := repo.GetByUsername(ctx, "alice")
	if err != nil || got.ID != alice.ID {
		t.Fatalf("GetByUsername = %v, %v", got, err)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, pkg.ErrNotFound) {
		t.Fatalf("GetByID missing err = %v", err)
	}

	bob := createUser(t, repo, "bob")
	users, err := repo.GetByIDs(ctx, []string{alice.ID, bob.ID, "missing"})
	if err != nil || len(users) != 2 {
		t.Fatalf("GetByIDs = %d users, %v", len(users), err)
	}
}

func TestMessageClientKeyIsUnique(t *testing.T) {
	db := openTestDB(t)
	users := NewSQLiteUserRepo(db.Conn)
	repo := NewSQLiteMessageRepo(db.Conn)
	ctx := context.Background()

	a, b := createUser(t, users, "alice"), createUser(t, users, "bob")
	key := "k-1"

	first := &models.Message{SenderID: a.ID, ReceiverID: b.ID, Content: "hi", Kind: models.MessageKindText, ClientKey: &key}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := &models.Message{SenderID: a.ID, ReceiverID: b.ID, Content: "hi", Kind: models.MessageKindText, ClientKey: &key}
	if err := repo.Create(ctx, dup); !errors.Is(err, pkg.ErrAlreadyExists) {
		t.Fatalf("duplicate key err = %v, want ErrAlreadyExists", err)
	}

	got, err := repo.GetByClientKey(ctx, a.ID, key)
	if err != nil || got.ID != first.ID {
		t.Fatalf("GetByClientKey = %v, %v", got, err)
	}

	// The same key from a different sender is a different message.
	other := &models.Message{SenderID: b.ID, ReceiverID: a.ID, Content: "hi", Kind: models.MessageKindText, ClientKey: &key}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("other sender same key: %v", err)
	}
}

func TestListConversationPagingAndHides(t *testing.T) {
	db := openTestDB(t)
	users := NewSQLiteUserRepo(db.Conn)
	repo := NewSQLiteMessageRepo(db.Conn)
	ctx := context.Background()

	a, b, c := createUser(t, users, "alice"), createUser(t, users, "bob"), createUser(t, users, "carol")
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i, content := range []string{"m1", "m2", "m3", "m4"} {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		ids = append(ids, sendAt(t, repo, from, to, content, base.Add(time.Duration(i)*time.Minute)).ID)
	}
	sendAt(t, repo, a, c, "other conversation", base)

	page, err := repo.ListConversation(ctx, a.ID, b.ID, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Content != "m4" || page[1].Content != "m3" {
		t.Fatalf("first page = %+v", page)
	}

	older, err := repo.ListConversation(ctx, a.ID, b.ID, page[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].Content != "m2" || older[1].Content != "m1" {
		t.Fatalf("older page = %+v", older)
	}

	if err := repo.Hide(ctx, a.ID, ids[0]); err != nil {
		t.Fatal(err)
	}
	forA, _ := repo.ListConversation(ctx, a.ID, b.ID, "", 10)
	forB, _ := repo.ListConversation(ctx, b.ID, a.ID, "", 10)
	if len(forA) != 3 || len(forB) != 4 {
		t.Fatalf("after hide: alice sees %d, bob sees %d", len(forA), len(forB))
	}

	n, err := repo.HideConversation(ctx, b.ID, a.ID)
	if err != nil || n != 4 {
		t.Fatalf("HideConversation = %d, %v", n, err)
	}
	forB, _ = repo.ListConversation(ctx, b.ID, a.ID, "", 10)
	if len(forB) != 0 {
		t.Fatalf("bob still sees %d after clear", len(forB))
	}

	n, err = repo.DeleteConversation(ctx, a.ID, b.ID)
	if err != nil || n != 4 {
		t.Fatalf("DeleteConversation = %d, %v", n, err)
	}
	left, _ := repo.ListConversation(ctx, a.ID, c.ID, "", 10)
	if len(left) != 1 {
		t.Fatalf("unrelated conversation lost messages: %d", len(left))
	}

	if err := repo.Delete(ctx, ids[0]); !errors.Is(err, pkg.ErrNotFound) {
		t.Fatalf("Delete of removed message err = %v", err)
	}
}

func TestListContactsUnreadAndOrder(t *testing.T) {
	db := openTestDB(t)
	users := NewSQLiteUserRepo(db.Conn)
	repo := NewSQLiteMessageRepo(db.Conn)
	reads := NewSQLiteReadStateRepo(db.Conn)
	ctx := context.Background()

	a, b, c := createUser(t, users, "alice"), createUser(t, users, "bob"), createUser(t, users, "carol")
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	sendAt(t, repo, b, a, "b1", base)
	sendAt(t, repo, b, a, "b2", base.Add(time.Minute))
	sendAt(t, repo, a, c, "to carol", base.Add(2*time.Minute))
	sendAt(t, repo, c, a, "from carol", base.Add(3*time.Minute))

	contacts, err := repo.ListContacts(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("contacts = %d, want 2", len(contacts))
	}
	if contacts[0].PeerID != c.ID || contacts[0].LastMessage.Content != "from carol" || contacts[0].UnreadCount != 1 {
		t.Fatalf("first contact = %+v", contacts[0])
	}
	if contacts[1].PeerID != b.ID || contacts[1].UnreadCount != 2 {
		t.Fatalf("second contact = %+v", contacts[1])
	}

	if err := reads.MarkRead(ctx, a.ID, b.ID, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// An older mark must not move the read state backwards.
	if err := reads.MarkRead(ctx, a.ID, b.ID, base); err != nil {
		t.Fatal(err)
	}

	contacts, _ = repo.ListContacts(ctx, a.ID)
	for _, ct := range contacts {
		if ct.PeerID == b.ID && ct.UnreadCount != 0 {
			t.Fatalf("bob unread = %d after mark read", ct.UnreadCount)
		}
	}
}
