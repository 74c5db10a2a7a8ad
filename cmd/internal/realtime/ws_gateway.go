// Package realtime contains the relay websocket gateway, presence table,
// message router, and message/group persistence primitives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"relay/cmd/internal/directory"
	v1 "relay/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "relay.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the websocket entrypoint of the messaging core.
//
// It owns the lifecycle of each persistent connection and keeps the presence
// table consistent with reality: join registers presence (last-join-wins),
// disconnect removes it, and both broadcast presence-change events plus the
// full online snapshot. Send and seen events are dispatched to the Router.
type WSGateway struct {
	log      *slog.Logger
	presence *Presence
	hub      *Hub
	router   *Router
	dir      directory.Directory
	groups   GroupStore
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	// When true, joinGroup is gated on a Group Registry membership check
	// (admin counts as member). Off by default: binding is an unauthenticated
	// subscription, matching the observed upstream behavior.
	requireMembership bool
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, presence *Presence, hub *Hub, router *Router, dir directory.Directory, groups GroupStore, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{
		log:      log,
		presence: presence,
		hub:      hub,
		router:   router,
		dir:      dir,
		groups:   groups,
		metrics:  metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("RELAY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("RELAY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("RELAY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("RELAY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("RELAY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("RELAY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("RELAY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("RELAY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("RELAY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("RELAY_WS_RATE_WINDOW", rateLimitWindow)

	g.requireMembership = envBoolWS("RELAY_WS_REQUIRE_MEMBERSHIP", false)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		sessionID = NewRandomHex(13)
	}
	client := NewClient(sessionID, g.sendQueueSize)

	g.metrics.Connections.Inc()
	defer g.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once

		// Group channels this connection is bound to, keyed by group id.
		boundMu sync.Mutex
		bound   = make(map[string]*GroupChannel)
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and channel/presence removal
	// happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			boundMu.Lock()
			for _, ch := range bound {
				ch.Unbind(sessionID)
			}
			bound = nil
			boundMu.Unlock()

			g.dropPresence(client)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		// Domain failures below are logged and dropped without notifying the
		// peer: failed events surface as an absence of effect, never as an
		// error envelope or a torn-down connection.
		switch env.Type {
		case v1.TypeJoin:
			g.onJoin(ctx, client, env)

		case v1.TypeJoinGroup:
			g.onJoinGroup(ctx, client, env, func(groupID string, ch *GroupChannel) {
				boundMu.Lock()
				if bound != nil {
					bound[groupID] = ch
				}
				boundMu.Unlock()
			})

		case v1.TypeSendMessage:
			g.onSendMessage(ctx, client, env, now)

		case v1.TypeSendGroupMessage:
			g.onSendGroupMessage(ctx, client, env, now)

		case v1.TypeMarkAsSeen:
			g.onMarkAsSeen(ctx, client, env)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onJoin registers presence for the connection's user.
// Unknown users are logged and ignored: the connection stays open but anonymous.
func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.log.Info("ws.join.bad_payload", "session_id", client.SessionID, "err", err)
		g.metrics.EventsRejected.Inc()
		return
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		g.log.Info("ws.join.missing_user", "session_id", client.SessionID)
		g.metrics.EventsRejected.Inc()
		return
	}

	user, err := g.dir.Lookup(ctx, userID)
	if err != nil {
		if directory.IsNotFound(err) {
			g.log.Info("ws.join.unknown_user", "session_id", client.SessionID, "user_id", userID)
		} else {
			g.log.Error("ws.join.directory.fail", "session_id", client.SessionID, "user_id", userID, "err", err)
		}
		g.metrics.EventsRejected.Inc()
		return
	}

	// Re-join under a different identity releases the old entry first, so it
	// cannot sit in the presence table past this connection's lifetime.
	if prev := client.UserID(); prev != "" && prev != userID {
		g.dropPresence(client)
	}

	client.SetUserID(userID)
	g.presence.Set(userID, client)
	g.metrics.OnlineUsers.Set(float64(len(g.presence.Online())))

	g.log.Info("ws.join", "session_id", client.SessionID, "user_id", userID, "display_name", user.DisplayName)

	now := time.Now().UTC()

	onlinePayload, _ := json.Marshal(v1.UserPresencePayload{UserID: userID})
	g.presence.BroadcastExcept(userID, NewEnvelope(v1.TypeUserOnline, onlinePayload, now))

	snapshotPayload, _ := json.Marshal(v1.OnlineUsersPayload{Users: g.presence.Online()})
	g.presence.Broadcast(NewEnvelope(v1.TypeOnlineUsers, snapshotPayload, now))
}

// onJoinGroup binds the connection to a group delivery channel and announces
// the bind to peers already on that channel.
func (g *WSGateway) onJoinGroup(ctx context.Context, client *Client, env v1.Envelope, track func(string, *GroupChannel)) {
	var p v1.JoinGroupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.log.Info("ws.join_group.bad_payload", "session_id", client.SessionID, "err", err)
		g.metrics.EventsRejected.Inc()
		return
	}

	groupID := strings.TrimSpace(p.GroupID)
	userID := strings.TrimSpace(p.UserID)
	if groupID == "" {
		g.log.Info("ws.join_group.missing_group", "session_id", client.SessionID)
		g.metrics.EventsRejected.Inc()
		return
	}

	if g.requireMembership {
		ok, err := g.groups.IsMember(ctx, groupID, userID)
		if err != nil {
			g.log.Info("ws.join_group.membership.fail", "session_id", client.SessionID, "group_id", groupID, "user_id", userID, "err", err)
			g.metrics.EventsRejected.Inc()
			return
		}
		if !ok {
			g.log.Info("ws.join_group.not_member", "session_id", client.SessionID, "group_id", groupID, "user_id", userID)
			g.metrics.EventsRejected.Inc()
			return
		}
	}

	ch := g.hub.GetOrCreate(groupID)
	ch.Bind(client)
	track(groupID, ch)

	g.log.Info("ws.join_group", "session_id", client.SessionID, "group_id", groupID, "user_id", userID)

	joinedPayload, _ := json.Marshal(v1.UserJoinedGroupPayload{UserID: userID, GroupID: groupID})
	ch.BroadcastExcept(client.SessionID, NewEnvelope(v1.TypeUserJoinedGroup, joinedPayload, time.Now().UTC()))
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.log.Info("ws.send.bad_payload", "session_id", client.SessionID, "err", err)
		g.metrics.EventsRejected.Inc()
		return
	}

	if _, err := g.router.SendDirect(ctx, DirectSendInput{
		ChatID:   strings.TrimSpace(p.ChatID),
		Sender:   strings.TrimSpace(p.Sender),
		Receiver: strings.TrimSpace(p.Receiver),
		Text:     p.Text,
		Now:      now,
	}); err != nil {
		g.log.Info("ws.send.fail", "session_id", client.SessionID, "chat_id", p.ChatID, "err", err)
	}
}

func (g *WSGateway) onSendGroupMessage(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.SendGroupMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.log.Info("ws.send_group.bad_payload", "session_id", client.SessionID, "err", err)
		g.metrics.EventsRejected.Inc()
		return
	}

	if _, err := g.router.SendGroup(ctx, GroupSendInput{
		GroupID: strings.TrimSpace(p.GroupID),
		Sender:  strings.TrimSpace(p.SenderID),
		Text:    p.Text,
		Now:     now,
	}); err != nil {
		g.log.Info("ws.send_group.fail", "session_id", client.SessionID, "group_id", p.GroupID, "err", err)
	}
}

func (g *WSGateway) onMarkAsSeen(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MarkAsSeenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.log.Info("ws.mark_seen.bad_payload", "session_id", client.SessionID, "err", err)
		g.metrics.EventsRejected.Inc()
		return
	}

	if err := g.router.MarkSeen(ctx, strings.TrimSpace(p.UserID), strings.TrimSpace(p.ConversationWith)); err != nil {
		g.log.Info("ws.mark_seen.fail", "session_id", client.SessionID, "err", err)
	}
}

// dropPresence removes the connection's presence entry if it still owns one
// and broadcasts the offline event plus the updated snapshot.
// A connection that never joined, or whose entry was replaced by a newer join,
// produces no broadcast.
func (g *WSGateway) dropPresence(client *Client) {
	userID := client.UserID()
	if userID == "" {
		return
	}
	if !g.presence.Remove(userID, client) {
		return
	}
	g.metrics.OnlineUsers.Set(float64(len(g.presence.Online())))

	now := time.Now().UTC()

	offlinePayload, _ := json.Marshal(v1.UserPresencePayload{UserID: userID})
	g.presence.BroadcastExcept(userID, NewEnvelope(v1.TypeUserOffline, offlinePayload, now))

	snapshotPayload, _ := json.Marshal(v1.OnlineUsersPayload{Users: g.presence.Online()})
	g.presence.Broadcast(NewEnvelope(v1.TypeOnlineUsers, snapshotPayload, now))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := NewEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.TryEnqueue(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
