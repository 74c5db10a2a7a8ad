// Package main provides a CI-friendly WebSocket smoke test for the relay gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - join -> presence announcement + online snapshot
//   - direct send -> receive_message fanout to the peer
//   - mark_as_seen acceptance (no error envelope)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "relay/contracts/chat/v1"
)

const (
	defaultSubprotocol = "relay.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "User ID for the sending client")
		userB   = flag.String("user-b", "smoke-bob", "User ID for the receiving client")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA == *userB {
		fatalf("-user-a and -user-b must differ")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, *userA, *timeout)
	mustJoin(root, b, *userB, *timeout)

	// A joined first, so B's announcement must reach A.
	mustAssertUserOnline(root, a, *userB, *timeout)

	chatID := directChatID(*userA, *userB)
	mustSendDirect(root, a, chatID, *userA, *userB, *text, *timeout)
	got := mustAssertReceive(root, b, chatID, *userA, *userB, *text, *timeout)

	if *verbose {
		fmt.Printf("delivered: message_id=%s chat_id=%s\n", got.MessageID, got.ChatID)
	}

	mustMarkAsSeen(root, b, *userB, *userA, *timeout)

	// Seen updates are silent on success; an error envelope here means the
	// reconcile path is broken.
	mustAssertNoType(root, b, v1.TypeError, 1200*time.Millisecond)

	fmt.Printf("OK: users=%s,%s chat_id=%s message_id=%s\n", *userA, *userB, chatID, got.MessageID)
}

// directChatID mirrors the server's canonical pair key.
func directChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.JoinPayload{UserID: userID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
	c.userID = userID

	// The joiner gets the full online snapshot; it must include itself.
	snap := c.mustReadUntilType(parent, v1.TypeOnlineUsers, stepTimeout, map[string]struct{}{
		v1.TypeUserOnline: {},
	})

	var p v1.OnlineUsersPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("unmarshal online_users payload (%s): %v", c.name, err)
	}
	if !containsUser(p.Users, userID) {
		fatalf("online snapshot missing self (%s): users=%v", c.name, p.Users)
	}
}

func mustAssertUserOnline(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeOnlineUsers: {}}
	for {
		env := c.mustReadUntilType(parent, v1.TypeUserOnline, stepTimeout, skip)

		var p v1.UserPresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal user_online payload (%s): %v", c.name, err)
		}
		if p.UserID == userID {
			return
		}
	}
}

func mustSendDirect(parent context.Context, c *smokeClient, chatID, sender, receiver, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			ChatID:   chatID,
			Sender:   sender,
			Receiver: receiver,
			Text:     text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertReceive(parent context.Context, c *smokeClient, chatID, sender, receiver, text string, stepTimeout time.Duration) v1.ReceiveMessagePayload {
	skip := map[string]struct{}{
		v1.TypeUserOnline:  {},
		v1.TypeOnlineUsers: {},
	}
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, skip)

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("receive chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
	if p.Sender != sender {
		fatalf("receive sender mismatch (%s): got=%q want=%q", c.name, p.Sender, sender)
	}
	if p.Receiver != receiver {
		fatalf("receive receiver mismatch (%s): got=%q want=%q", c.name, p.Receiver, receiver)
	}
	if p.Text != text {
		fatalf("receive text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("receive missing message_id (%s)", c.name)
	}
	if p.CreatedAt.IsZero() {
		fatalf("receive created_at missing/zero (%s)", c.name)
	}
	return p
}

func mustMarkAsSeen(parent context.Context, c *smokeClient, userID, conversationWith string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMarkAsSeen,
		ID:   fmt.Sprintf("%s-seen", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MarkAsSeenPayload{
			UserID:           userID,
			ConversationWith: conversationWith,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	data, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %q: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write %q: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return data
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
