package services

import (
	"context"
	"testing"
	"time"

	"github.com/akinalp/medicall/repository"
	"github.com/akinalp/medicall/ws"
)

func newPresenceFixture(online ...string) (*presenceService, *fakeHub, repository.PresenceStore) {
	hub := newFakeHub(online...)
	store := repository.NewMemoryPresenceStore()
	svc := NewPresenceService(store, hub, hub, time.Minute).(*presenceService)
	return svc, hub, store
}

func TestPresenceConnectBroadcastsOnline(t *testing.T) {
	svc, hub, store := newPresenceFixture("u1")

	svc.HandleConnect("u1")

	ops := hub.ops()
	if len(ops) != 1 || ops[0] != ws.OpUserOnline {
		t.Fatalf("ops = %v, want [user_online]", ops)
	}
	if hub.events[0].Except != "u1" {
		t.Errorf("user_online excluded %q, want u1", hub.events[0].Except)
	}
	if _, ok, _ := store.LastSeen(context.Background(), "u1"); !ok {
		t.Error("connect did not record last seen")
	}
}

func TestPresenceConnectSkipsWhenAlreadyGone(t *testing.T) {
	svc, hub, _ := newPresenceFixture()

	svc.HandleConnect("u1")

	if ops := hub.ops(); len(ops) != 0 {
		t.Fatalf("ops = %v, want none", ops)
	}
}

func TestPresenceDisconnect(t *testing.T) {
	svc, hub, store := newPresenceFixture("u1")
	svc.Heartbeat("u1")

	// Reconnected before the callback ran: still online.
	svc.HandleDisconnect("u1")
	if ops := hub.ops(); len(ops) != 0 {
		t.Fatalf("ops = %v, want none while a connection remains", ops)
	}

	hub.setOnline("u1", false)
	svc.HandleDisconnect("u1")
	ops := hub.ops()
	if len(ops) != 1 || ops[0] != ws.OpUserOffline {
		t.Fatalf("ops = %v, want [user_offline]", ops)
	}
	if _, ok, _ := store.LastSeen(context.Background(), "u1"); ok {
		t.Error("last seen kept after disconnect")
	}
}

func TestPresenceSweep(t *testing.T) {
	svc, hub, store := newPresenceFixture("live", "stale")
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }
	svc.Heartbeat("stale")
	svc.Heartbeat("ghost") // no local connection

	svc.now = func() time.Time { return base.Add(50 * time.Second) }
	svc.Heartbeat("live")

	svc.now = func() time.Time { return base.Add(90 * time.Second) }
	swept := svc.Sweep(ctx)

	if len(swept) != 2 {
		t.Fatalf("swept = %v, want stale and ghost", swept)
	}
	if hub.closed["stale"] != 1 {
		t.Errorf("stale connections closed %d times, want 1", hub.closed["stale"])
	}
	if hub.closed["live"] != 0 {
		t.Error("live user was disconnected")
	}

	// ghost had nothing to close, so the sweep announces it directly.
	ops := hub.ops()
	if len(ops) != 1 || ops[0] != ws.OpUserOffline {
		t.Fatalf("ops = %v, want one user_offline", ops)
	}
	if data := hub.events[0].Event.Data.(ws.PresenceData); data.UserID != "ghost" {
		t.Errorf("offline user = %s, want ghost", data.UserID)
	}

	if _, ok, _ := store.LastSeen(ctx, "live"); !ok {
		t.Error("live user removed from store")
	}
}
