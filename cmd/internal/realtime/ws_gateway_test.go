package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"relay/cmd/internal/directory"
	v1 "relay/contracts/chat/v1"
)

const testStepTimeout = 5 * time.Second

type gatewayFixture struct {
	srv    *httptest.Server
	groups *InMemoryGroupStore
	store  *InMemoryStore
}

// newGatewayFixture starts a gateway over httptest with in-memory stores and
// an open directory. Tests using it must not be parallel (env knobs).
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	t.Setenv("RELAY_WS_ORIGIN_REQUIRED", "false")

	log := testLogger()
	store := NewInMemoryStore()
	groups := NewInMemoryGroupStore()
	presence := NewPresence(log)
	hub := NewHub(log)
	metrics := NewMetrics(prometheus.NewRegistry())
	router := NewRouter(log, store, groups, presence, hub, metrics)

	gw := NewWSGateway(log, presence, hub, router, directory.OpenDirectory{}, groups, metrics)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, groups: groups, store: store}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func dialGateway(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{"relay.chat.v1"},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	if got := conn.Subprotocol(); got != "relay.chat.v1" {
		t.Fatalf("subprotocol=%q want relay.chat.v1", got)
	}
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "t-" + typ, TS: time.Now().UTC(), Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads envelopes until one of wantType arrives. Anything else is
// skipped; error envelopes fail the test unless errors are the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == wantType {
			return env
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			t.Fatalf("unexpected error envelope: code=%q msg=%q", p.Code, p.Message)
		}
	}
}

func joinAs(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()

	sendEnv(t, conn, v1.TypeJoin, v1.JoinPayload{UserID: userID})
	env := readUntil(t, conn, v1.TypeOnlineUsers)

	var p v1.OnlineUsersPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	for _, u := range p.Users {
		if u == userID {
			return
		}
	}
	t.Fatalf("online snapshot %v missing joiner %q", p.Users, userID)
}

func TestWSGateway_JoinAnnouncesPresence(t *testing.T) {
	f := newGatewayFixture(t)

	a := dialGateway(t, f)
	joinAs(t, a, "alice")

	b := dialGateway(t, f)
	joinAs(t, b, "bob")

	// The earlier connection hears about the newcomer.
	env := readUntil(t, a, v1.TypeUserOnline)
	var p v1.UserPresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal user_online: %v", err)
	}
	if p.UserID != "bob" {
		t.Fatalf("user_online for %q, want bob", p.UserID)
	}

	snap := readUntil(t, a, v1.TypeOnlineUsers)
	var sp v1.OnlineUsersPayload
	if err := json.Unmarshal(snap.Payload, &sp); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(sp.Users) != 2 || sp.Users[0] != "alice" || sp.Users[1] != "bob" {
		t.Fatalf("snapshot=%v, want [alice bob]", sp.Users)
	}
}

func TestWSGateway_DirectMessageDelivery(t *testing.T) {
	f := newGatewayFixture(t)

	a := dialGateway(t, f)
	joinAs(t, a, "alice")
	b := dialGateway(t, f)
	joinAs(t, b, "bob")

	chatID := DirectChatID("alice", "bob")
	sendEnv(t, a, v1.TypeSendMessage, v1.SendMessagePayload{
		ChatID:   chatID,
		Sender:   "alice",
		Receiver: "bob",
		Text:     "hello bob",
	})

	env := readUntil(t, b, v1.TypeReceiveMessage)
	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal receive_message: %v", err)
	}
	if p.ChatID != chatID || p.Sender != "alice" || p.Receiver != "bob" || p.Text != "hello bob" {
		t.Fatalf("payload mismatch: %+v", p)
	}
	if p.MessageID == "" || p.CreatedAt.IsZero() {
		t.Fatalf("payload missing server fields: %+v", p)
	}

	// Persisted regardless of delivery.
	out, err := f.store.HistoryByChatID(context.Background(), HistoryInput{ChatID: chatID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(out.Messages))
	}
}

func TestWSGateway_GroupJoinAndFanout(t *testing.T) {
	f := newGatewayFixture(t)

	g, err := f.groups.Create(context.Background(), CreateGroupInput{Title: "team", Admin: "alice", Members: []string{"bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	a := dialGateway(t, f)
	joinAs(t, a, "alice")
	b := dialGateway(t, f)
	joinAs(t, b, "bob")

	sendEnv(t, a, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: g.ID, UserID: "alice"})

	// Confirm alice's bind is active before bob binds: group fanout includes
	// the sender connection, so her own message echoing back is the sync point.
	sendEnv(t, a, v1.TypeSendGroupMessage, v1.SendGroupMessagePayload{GroupID: g.ID, SenderID: "alice", Text: "ping"})
	readUntil(t, a, v1.TypeReceiveGroupMessage)

	sendEnv(t, b, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: g.ID, UserID: "bob"})

	// The earlier subscriber hears the later bind.
	env := readUntil(t, a, v1.TypeUserJoinedGroup)
	var jp v1.UserJoinedGroupPayload
	if err := json.Unmarshal(env.Payload, &jp); err != nil {
		t.Fatalf("unmarshal user_joined_group: %v", err)
	}
	if jp.GroupID != g.ID || jp.UserID != "bob" {
		t.Fatalf("bind announce mismatch: %+v", jp)
	}

	sendEnv(t, a, v1.TypeSendGroupMessage, v1.SendGroupMessagePayload{
		GroupID:  g.ID,
		SenderID: "alice",
		Text:     "hello team",
	})

	// Both bound connections get the fanout, the sender's included.
	for _, conn := range []*websocket.Conn{a, b} {
		env := readUntil(t, conn, v1.TypeReceiveGroupMessage)
		var p v1.ReceiveGroupMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal receive_group_message: %v", err)
		}
		if p.GroupID != g.ID || p.Sender != "alice" || p.Text != "hello team" {
			t.Fatalf("fanout mismatch: %+v", p)
		}
	}
}

func TestWSGateway_MembershipGate(t *testing.T) {
	t.Setenv("RELAY_WS_REQUIRE_MEMBERSHIP", "true")
	f := newGatewayFixture(t)

	g, err := f.groups.Create(context.Background(), CreateGroupInput{Title: "team", Admin: "alice"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	outsider := dialGateway(t, f)
	joinAs(t, outsider, "mallory")
	member := dialGateway(t, f)
	joinAs(t, member, "alice")

	// The rejected bind is silent; the admin's bind afterwards must still work,
	// and a group send must reach only the admin connection.
	sendEnv(t, outsider, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: g.ID, UserID: "mallory"})
	sendEnv(t, member, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: g.ID, UserID: "alice"})
	sendEnv(t, member, v1.TypeSendGroupMessage, v1.SendGroupMessagePayload{
		GroupID:  g.ID,
		SenderID: "alice",
		Text:     "members only",
	})

	readUntil(t, member, v1.TypeReceiveGroupMessage)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, data, err := outsider.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		_ = json.Unmarshal(data, &env)
		if env.Type == v1.TypeReceiveGroupMessage {
			t.Fatal("non-member must not receive group fanout")
		}
	}
}

func TestWSGateway_DisconnectBroadcastsOffline(t *testing.T) {
	f := newGatewayFixture(t)

	a := dialGateway(t, f)
	joinAs(t, a, "alice")
	b := dialGateway(t, f)
	joinAs(t, b, "bob")

	// Drain bob's join announce on alice's side.
	readUntil(t, a, v1.TypeOnlineUsers)

	_ = b.Close(websocket.StatusNormalClosure, "leaving")

	env := readUntil(t, a, v1.TypeUserOffline)
	var p v1.UserPresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal user_offline: %v", err)
	}
	if p.UserID != "bob" {
		t.Fatalf("user_offline for %q, want bob", p.UserID)
	}

	snap := readUntil(t, a, v1.TypeOnlineUsers)
	var sp v1.OnlineUsersPayload
	if err := json.Unmarshal(snap.Payload, &sp); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(sp.Users) != 1 || sp.Users[0] != "alice" {
		t.Fatalf("snapshot=%v, want [alice]", sp.Users)
	}
}

func TestWSGateway_AnonymousDisconnectIsSilent(t *testing.T) {
	f := newGatewayFixture(t)

	a := dialGateway(t, f)
	joinAs(t, a, "alice")

	// Dial and close without ever joining. The connection has no presence
	// entry, so its teardown must produce no broadcast of any kind.
	anon := dialGateway(t, f)
	_ = anon.Close(websocket.StatusNormalClosure, "leaving")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, data, err := a.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		_ = json.Unmarshal(data, &env)
		if env.Type == v1.TypeUserOffline || env.Type == v1.TypeOnlineUsers {
			t.Fatalf("unjoined disconnect must be silent, got %q", env.Type)
		}
	}
}

func TestWSGateway_RejoinReleasesPriorIdentity(t *testing.T) {
	f := newGatewayFixture(t)

	a := dialGateway(t, f)
	joinAs(t, a, "alice")

	c := dialGateway(t, f)
	joinAs(t, c, "bob")
	readUntil(t, a, v1.TypeOnlineUsers)

	// Same connection joins again under a new identity. The old entry must be
	// released and announced offline, not stranded in the presence table.
	joinAs(t, c, "robert")

	env := readUntil(t, a, v1.TypeUserOffline)
	var p v1.UserPresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal user_offline: %v", err)
	}
	if p.UserID != "bob" {
		t.Fatalf("user_offline for %q, want the superseded identity bob", p.UserID)
	}

	env = readUntil(t, a, v1.TypeUserOnline)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal user_online: %v", err)
	}
	if p.UserID != "robert" {
		t.Fatalf("user_online for %q, want robert", p.UserID)
	}

	snap := readUntil(t, a, v1.TypeOnlineUsers)
	var sp v1.OnlineUsersPayload
	if err := json.Unmarshal(snap.Payload, &sp); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(sp.Users) != 2 || sp.Users[0] != "alice" || sp.Users[1] != "robert" {
		t.Fatalf("snapshot=%v, want [alice robert]", sp.Users)
	}

	// Disconnect now announces only the current identity.
	_ = c.Close(websocket.StatusNormalClosure, "leaving")
	env = readUntil(t, a, v1.TypeUserOffline)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal user_offline: %v", err)
	}
	if p.UserID != "robert" {
		t.Fatalf("user_offline for %q, want robert", p.UserID)
	}
}

func TestWSGateway_BadJSONGetsErrorEnvelope(t *testing.T) {
	f := newGatewayFixture(t)

	conn := dialGateway(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != v1.TypeError {
		t.Fatalf("type=%q want error", env.Type)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != "bad_json" {
		t.Fatalf("code=%q want bad_json", p.Code)
	}
}

func TestWSGateway_UnsupportedTypeGetsErrorEnvelope(t *testing.T) {
	f := newGatewayFixture(t)

	conn := dialGateway(t, f)

	// Server-to-client types are structurally valid but not accepted inbound.
	sendEnv(t, conn, v1.TypeUserOnline, v1.UserPresencePayload{UserID: "alice"})

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != v1.TypeError {
		t.Fatalf("type=%q want error", env.Type)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "unsupported" {
		t.Fatalf("code=%q want unsupported", p.Code)
	}
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	t.Setenv("RELAY_WS_RATE_EVENTS", "3")
	t.Setenv("RELAY_WS_RATE_WINDOW", "10s")
	f := newGatewayFixture(t)

	conn := dialGateway(t, f)
	joinAs(t, conn, "alice")

	// Writes may start failing once the server tears the connection down.
	for i := 0; i < 6; i++ {
		raw, _ := json.Marshal(v1.MarkAsSeenPayload{UserID: "alice", ConversationWith: "bob"})
		env := v1.Envelope{V: v1.Version, Type: v1.TypeMarkAsSeen, ID: "t-seen", TS: time.Now().UTC(), Payload: raw}
		data, _ := json.Marshal(env)

		wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
		err := conn.Write(wctx, websocket.MessageText, data)
		wcancel()
		if err != nil {
			break
		}
	}

	// The connection is torn down with a policy violation close.
	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return
			}
			// Some close races surface as abnormal closure; the error envelope
			// check below is the strict part.
			return
		}
		var env v1.Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			t.Fatalf("unmarshal: %v", jsonErr)
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Code != "rate_limited" {
				t.Fatalf("code=%q want rate_limited", p.Code)
			}
		}
	}
}

func TestWSGateway_OriginRequiredRejects(t *testing.T) {
	t.Setenv("RELAY_WS_ORIGIN_REQUIRED", "true")

	log := testLogger()
	store := NewInMemoryStore()
	groups := NewInMemoryGroupStore()
	presence := NewPresence(log)
	hub := NewHub(log)
	metrics := NewMetrics(prometheus.NewRegistry())
	router := NewRouter(log, store, groups, presence, hub, metrics)
	gw := NewWSGateway(log, presence, hub, router, directory.OpenDirectory{}, groups, metrics)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d want 403 for missing origin", resp.StatusCode)
	}
}
