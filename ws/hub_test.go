package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akinalp/medicall/models"
)

// tokenIsUserID accepts any token of the form "tok-<userID>".
type tokenIsUserID struct{}

func (tokenIsUserID) ValidateAccessToken(token string) (*models.TokenClaims, error) {
	userID, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return nil, errors.New("bad token")
	}
	return &models.TokenClaims{UserID: userID}, nil
}

func startHub(t *testing.T, configure func(h *Hub)) (*Hub, string) {
	t.Helper()
	hub := NewHub(30 * time.Second)
	if configure != nil {
		configure(hub)
	}
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, tokenIsUserID{}, nil).HandleConnection))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=tok-"+userID, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) RawEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev RawEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRejectsMissingOrInvalidToken(t *testing.T) {
	_, url := startHub(t, nil)

	for _, suffix := range []string{"", "?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(url+suffix, nil)
		if err == nil {
			t.Fatalf("dial %q succeeded", suffix)
		}
		if resp == nil || resp.StatusCode != 401 {
			t.Fatalf("dial %q: resp = %v, want 401", suffix, resp)
		}
	}
}

func TestReadyCarriesOnlineUsers(t *testing.T) {
	hub, url := startHub(t, nil)

	a := dial(t, url, "alice")
	ready := readEvent(t, a)
	if ready.Op != OpReady {
		t.Fatalf("first op = %s, want ready", ready.Op)
	}

	waitFor(t, "alice online", func() bool { return hub.IsOnline("alice") })

	b := dial(t, url, "bob")
	ready = readEvent(t, b)
	var data ReadyData
	if err := ready.Decode(&data); err != nil {
		t.Fatal(err)
	}
	if data.UserID != "bob" || len(data.OnlineUserIDs) != 2 || data.HeartbeatIntervalMs != 30000 {
		t.Fatalf("ready = %+v", data)
	}
}

func TestPresenceCallbacksCollapseConnections(t *testing.T) {
	connected := make(chan string, 4)
	disconnected := make(chan string, 4)
	_, url := startHub(t, func(h *Hub) {
		h.OnUserFirstConnect(func(id string) { connected <- id })
		h.OnUserFullyDisconnected(func(id string) { disconnected <- id })
	})

	first := dial(t, url, "alice")
	readEvent(t, first)
	second := dial(t, url, "alice")
	readEvent(t, second)

	select {
	case id := <-connected:
		if id != "alice" {
			t.Fatalf("connected %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no first-connect callback")
	}

	first.Close()
	select {
	case id := <-disconnected:
		t.Fatalf("fully disconnected %s with a connection left", id)
	case <-time.After(200 * time.Millisecond):
	}

	second.Close()
	select {
	case id := <-disconnected:
		if id != "alice" {
			t.Fatalf("disconnected %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fully-disconnected callback")
	}

	if len(connected) != 0 {
		t.Fatal("second connection fired first-connect again")
	}
}

func TestConnectionClosedNamesTheConnection(t *testing.T) {
	calls := make(chan string, 4)
	closed := make(chan [2]string, 4)
	_, url := startHub(t, func(h *Hub) {
		h.OnCallUser(func(_, connID string, _ CallUserData) { calls <- connID })
		h.OnConnectionClosed(func(userID, connID string) { closed <- [2]string{userID, connID} })
	})

	tab1 := dial(t, url, "alice")
	readEvent(t, tab1)
	tab2 := dial(t, url, "alice")
	readEvent(t, tab2)

	offer := Event{Op: OpCallUser, Data: CallUserData{To: "bob", Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}}
	for _, conn := range []*websocket.Conn{tab1, tab2} {
		if err := conn.WriteJSON(offer); err != nil {
			t.Fatal(err)
		}
	}
	var ids []string
	for range 2 {
		select {
		case id := <-calls:
			ids = append(ids, id)
		case <-time.After(3 * time.Second):
			t.Fatal("call_user not dispatched")
		}
	}
	if ids[0] == "" || ids[0] == ids[1] {
		t.Fatalf("connection ids %q are not distinct", ids)
	}

	tab1.Close()
	select {
	case got := <-closed:
		if got[0] != "alice" || (got[1] != ids[0] && got[1] != ids[1]) {
			t.Fatalf("closed %v, want one of %v", got, ids)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connection-closed callback while another tab stays open")
	}
}

func TestHeartbeatIsAcked(t *testing.T) {
	beats := make(chan string, 1)
	_, url := startHub(t, func(h *Hub) {
		h.OnHeartbeat(func(id string) { beats <- id })
	})

	conn := dial(t, url, "alice")
	readEvent(t, conn)

	if err := conn.WriteJSON(Event{Op: OpHeartbeat}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Op != OpHeartbeatAck {
		t.Fatalf("op = %s, want heartbeat_ack", ev.Op)
	}
	if id := <-beats; id != "alice" {
		t.Fatalf("heartbeat for %s", id)
	}
}

func TestSignalingDispatchKeepsFrameOrder(t *testing.T) {
	got := make(chan string, 8)
	_, url := startHub(t, func(h *Hub) {
		h.OnCallUser(func(sender, _ string, d CallUserData) { got <- "call:" + sender + "->" + d.To })
		h.OnICECandidate(func(sender string, d ICECandidateData) { got <- "ice:" + string(d.Candidate) })
	})

	conn := dial(t, url, "alice")
	readEvent(t, conn)

	frames := []Event{
		{Op: OpCallUser, Data: CallUserData{To: "bob", Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), MediaKind: models.MediaKindVideo}},
		{Op: OpICECandidate, Data: ICECandidateData{To: "bob", Candidate: json.RawMessage(`"c1"`)}},
		{Op: OpICECandidate, Data: ICECandidateData{To: "bob", Candidate: json.RawMessage(`"c2"`)}},
		// Dropped: no recipient.
		{Op: OpICECandidate, Data: ICECandidateData{Candidate: json.RawMessage(`"c3"`)}},
		{Op: OpICECandidate, Data: ICECandidateData{To: "bob", Candidate: json.RawMessage(`"c4"`)}},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"call:alice->bob", `ice:"c1"`, `ice:"c2"`, `ice:"c4"`}
	for _, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Fatalf("got %s, want %s", g, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestBroadcastToUserReachesEveryConnection(t *testing.T) {
	hub, url := startHub(t, nil)

	a1 := dial(t, url, "alice")
	readEvent(t, a1)
	a2 := dial(t, url, "alice")
	readEvent(t, a2)
	b := dial(t, url, "bob")
	readEvent(t, b)

	waitFor(t, "bob online", func() bool { return hub.IsOnline("bob") })

	hub.BroadcastToUser("alice", Event{Op: OpUserOnline, Data: PresenceData{UserID: "carol"}})

	for _, conn := range []*websocket.Conn{a1, a2} {
		ev := readEvent(t, conn)
		var p PresenceData
		if ev.Op != OpUserOnline || ev.Decode(&p) != nil || p.UserID != "carol" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Seq == 0 {
			t.Fatal("seq not set")
		}
	}
}

func TestDisconnectUserClosesConnections(t *testing.T) {
	hub, url := startHub(t, nil)

	conn := dial(t, url, "alice")
	readEvent(t, conn)
	waitFor(t, "alice online", func() bool { return hub.IsOnline("alice") })

	if n := hub.DisconnectUser("alice"); n != 1 {
		t.Fatalf("DisconnectUser = %d, want 1", n)
	}
	waitFor(t, "alice offline", func() bool { return !hub.IsOnline("alice") })
}
