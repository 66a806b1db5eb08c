package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connections"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscriptions"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/validation"
)

var testSecret = []byte("gateway-test-secret")

type stubDirectory struct{}

func (stubDirectory) ResolveSlug(_ context.Context, slug string) (string, error) {
	return slug, nil
}
func (stubDirectory) TenantActive(context.Context, string) (bool, error) { return true, nil }
func (stubDirectory) UserInTenant(context.Context, string, string) (bool, error) {
	return true, nil
}

func signToken(t *testing.T, orgID, userID string, roles ...string) string {
	t.Helper()
	token, err := auth.GenerateJWT(models.Principal{
		OrgID:    orgID,
		UserID:   userID,
		Roles:    roles,
		AuthType: "jwt",
	}, testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type env struct {
	hub   *Hub
	log   *eventlog.Log
	subs  *subscriptions.Manager
	ring  *audit.Ring
	notes *redis.TypedPubSub[eventlog.Notification]
	srv   *httptest.Server
}

type envOptions struct {
	cfg  Config
	rate connections.RatePolicy
	mr   *miniredis.Miniredis
}

func newEnv(t *testing.T, mutate ...func(*envOptions)) *env {
	t.Helper()
	eo := envOptions{cfg: Config{InstanceID: "node-test"}}
	for _, m := range mutate {
		m(&eo)
	}
	mr := eo.mr
	if mr == nil {
		mr = miniredis.RunT(t)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := logrus.New()
	store := logstore.New(client, logger)

	notify := redis.NewTypedPubSub[eventlog.Notification](client, logger)
	elog := eventlog.New(store, notify, eventlog.DefaultConfig(eo.cfg.InstanceID), nil, nil, logger)
	subs := subscriptions.NewManager(store, logger)
	reg := connections.NewRegistry(connections.Options{Rate: eo.rate}, nil, logger)
	rt := router.New(elog, nil, logger)
	validator := validation.NewValidator()
	pub := router.NewPublisher(rt, validator, nil, logger)
	builder := auth.NewContextBuilder(testSecret, "", stubDirectory{})

	notes := redis.NewTypedPubSub[eventlog.Notification](client, logger)
	alerts := redis.NewTypedPubSub[models.AuditAlert](client, logger)
	ring := audit.NewRing(store, alerts, 90*24*time.Hour, logger)
	hub := New(eo.cfg, Deps{
		Registry:      reg,
		Subscriptions: subs,
		Publisher:     pub,
		Auth:          builder,
		Validator:     validator,
		Audit:         ring,
		Notes:         notes,
		Alerts:        alerts,
		Logger:        logger,
	})
	rt.SetBroadcaster(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	go func() { _ = hub.RunRelay(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return &env{hub: hub, log: elog, subs: subs, ring: ring, notes: notes, srv: srv}
}

// waitRelayReady publishes probe notifications until the hub's relay
// delivers one, proving the pattern subscription is live.
func waitRelayReady(t *testing.T, e *env) {
	t.Helper()
	tap := e.hub.AttachTap("warmup-org", nil)
	defer e.hub.DetachTap(tap)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	probe := eventlog.Notification{
		Origin: "warmup-probe",
		Event:  &models.Event{OrgID: "warmup-org", Channel: "w", EventType: "warmup"},
	}
	for {
		if err := e.notes.Publish(ctx, redis.KeyFanout("warmup-org", "w"), probe); err != nil {
			t.Fatalf("publish probe: %v", err)
		}
		select {
		case <-tap.Events:
			return
		case <-deadline:
			t.Fatalf("relay did not come up")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (e *env) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *env) connect(t *testing.T, token string) (*websocket.Conn, apix.ConnectedFrame) {
	t.Helper()
	conn := e.dial(t, "?token="+token)
	var connected apix.ConnectedFrame
	readFrame(t, conn, time.Second, &connected)
	if connected.Type != apix.FrameConnected {
		t.Fatalf("handshake frame = %q, want connected", connected.Type)
	}
	if connected.SessionID == "" {
		t.Fatalf("connected frame without sessionId")
	}
	return conn, connected
}

func readRaw(t *testing.T, conn *websocket.Conn, within time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(within))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func readFrame(t *testing.T, conn *websocket.Conn, within time.Duration, out interface{}) {
	t.Helper()
	data := readRaw(t, conn, within)
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
}

func frameType(t *testing.T, data []byte) string {
	t.Helper()
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.Fatalf("probe frame %s: %v", data, err)
	}
	return probe.Type
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, within time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(within))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, filters *models.SubscriptionFilters, channels ...string) {
	t.Helper()
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FrameSubscribe, Channels: channels, Filters: filters}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var reply apix.ChannelsFrame
	readFrame(t, conn, time.Second, &reply)
	if reply.Type != apix.FrameSubscribed {
		t.Fatalf("subscribe reply = %q, want subscribed", reply.Type)
	}
}

func publish(t *testing.T, conn *websocket.Conn, eventType, channel string, payload models.JSONB) apix.PublishedFrame {
	t.Helper()
	if err := conn.WriteJSON(apix.ClientFrame{
		Type:      apix.FramePublish,
		EventType: eventType,
		Channel:   channel,
		Payload:   payload,
	}); err != nil {
		t.Fatalf("write publish: %v", err)
	}
	var reply apix.PublishedFrame
	readFrame(t, conn, time.Second, &reply)
	if reply.Type != apix.FramePublished {
		t.Fatalf("publish reply = %q, want published", reply.Type)
	}
	return reply
}

func TestPublishFanOutAcrossSessions(t *testing.T) {
	e := newEnv(t)
	connA, _ := e.connect(t, signToken(t, "org1", "alice"))
	connB, _ := e.connect(t, signToken(t, "org1", "bob"))

	subscribe(t, connB, nil, "chat")

	published := publish(t, connA, "msg", "chat", models.JSONB{"text": "hi"})
	if published.MessageID == "" || published.Channel != "chat" {
		t.Fatalf("published frame = %+v", published)
	}

	var frame apix.EventFrame
	readFrame(t, connB, time.Second, &frame)
	if frame.Type != apix.FrameEvent {
		t.Fatalf("B frame = %q, want event", frame.Type)
	}
	if frame.Event.OrgID != "org1" || frame.Event.Channel != "chat" {
		t.Fatalf("event scope = %s/%s", frame.Event.OrgID, frame.Event.Channel)
	}
	if text, _ := frame.Event.Payload["text"].(string); text != "hi" {
		t.Fatalf("payload text = %v", frame.Event.Payload["text"])
	}
	if frame.Event.ID != published.MessageID {
		t.Fatalf("delivered id %s != published id %s", frame.Event.ID, published.MessageID)
	}

	events, err := e.log.Range(context.Background(), "org1", "chat", eventlog.RangeFilter{},
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(events) != 1 || events[0].ID != published.MessageID {
		t.Fatalf("range = %d events", len(events))
	}
}

func TestCrossTenantIsolation(t *testing.T) {
	e := newEnv(t)
	connA, _ := e.connect(t, signToken(t, "org1", "alice"))
	connC, _ := e.connect(t, signToken(t, "org2", "carol"))

	subscribe(t, connC, nil, "chat")
	publish(t, connA, "msg", "chat", models.JSONB{"text": "hi"})

	expectNoFrame(t, connC, 300*time.Millisecond)

	events, err := e.log.Range(context.Background(), "org2", "chat", eventlog.RangeFilter{},
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("org2 sees %d events", len(events))
	}
}

func TestHandshakeRequiresAuth(t *testing.T) {
	e := newEnv(t, func(eo *envOptions) { eo.cfg.AuthWait = 200 * time.Millisecond })

	conn := e.dial(t, "")
	data := readRaw(t, conn, time.Second)
	var errFrame apix.ErrorFrame
	if err := json.Unmarshal(data, &errFrame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errFrame.Type != apix.FrameError || errFrame.Code != apix.CodeAuthRequired {
		t.Fatalf("frame = %+v, want AUTH_REQUIRED error", errFrame)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after auth refusal")
	}
}

func TestFirstFrameAuth(t *testing.T) {
	e := newEnv(t)

	conn := e.dial(t, "")
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FrameAuth, Token: signToken(t, "org1", "alice")}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var connected apix.ConnectedFrame
	readFrame(t, conn, time.Second, &connected)
	if connected.Type != apix.FrameConnected || connected.OrgID != "org1" {
		t.Fatalf("connected = %+v", connected)
	}
}

func TestFirstFrameAuthRejectsBadToken(t *testing.T) {
	e := newEnv(t)

	conn := e.dial(t, "")
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FrameAuth, Token: "not-a-jwt"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	data := readRaw(t, conn, time.Second)
	if ft := frameType(t, data); ft != apix.FrameError {
		t.Fatalf("frame = %q, want error", ft)
	}
}

func TestFrameChecksKeepSessionOpen(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.connect(t, signToken(t, "org1", "alice"))

	// Body tenant must match the session principal.
	if err := conn.WriteJSON(apix.ClientFrame{
		Type: apix.FramePublish, EventType: "msg", Channel: "chat",
		Payload: models.JSONB{"a": 1}, OrganizationID: "org2",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errFrame apix.ErrorFrame
	readFrame(t, conn, time.Second, &errFrame)
	if errFrame.Code != apix.CodePermissionDenied {
		t.Fatalf("code = %s, want PERMISSION_DENIED", errFrame.Code)
	}

	// Not JSON at all.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, time.Second, &errFrame)
	if errFrame.Code != apix.CodeInvalidArgument {
		t.Fatalf("code = %s, want INVALID_ARGUMENT", errFrame.Code)
	}

	// Unknown frame type.
	if err := conn.WriteJSON(apix.ClientFrame{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, time.Second, &errFrame)
	if errFrame.Code != apix.CodeInvalidArgument {
		t.Fatalf("code = %s, want INVALID_ARGUMENT", errFrame.Code)
	}

	// Channel budget.
	channels := make([]string, validation.MaxChannelsPerSubscribe+1)
	for i := range channels {
		channels[i] = "ch"
	}
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FrameSubscribe, Channels: channels}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, time.Second, &errFrame)
	if errFrame.Code != apix.CodeInvalidArgument {
		t.Fatalf("code = %s, want INVALID_ARGUMENT", errFrame.Code)
	}

	// The session survived all of it.
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FramePing, ClientTs: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong apix.PongFrame
	readFrame(t, conn, time.Second, &pong)
	if pong.Type != apix.FramePong {
		t.Fatalf("frame = %q, want pong", pong.Type)
	}
}

func TestPublishFramesWriteAuditRecords(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.connect(t, signToken(t, "org1", "alice"))

	published := publish(t, conn, "msg", "chat", models.JSONB{"text": "hi"})

	records, err := e.ring.Query(context.Background(), "org1", audit.Query{})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("audit records after publish = %d, want 1", len(records))
	}
	r := records[0]
	if r.Action != "event.publish" || r.ResourceType != "event" {
		t.Fatalf("record = %s/%s, want event.publish/event", r.Action, r.ResourceType)
	}
	if !r.Success {
		t.Fatalf("publish record marked failed: %+v", r)
	}
	if r.UserID == nil || *r.UserID != "alice" {
		t.Fatalf("record user = %v, want alice", r.UserID)
	}
	if r.ResourceID == nil || *r.ResourceID != published.MessageID {
		t.Fatalf("record resource = %v, want %s", r.ResourceID, published.MessageID)
	}

	// A rejected republish of the same payload audits as a failure.
	if err := conn.WriteJSON(apix.ClientFrame{
		Type: apix.FramePublish, EventType: "msg", Channel: "chat",
		Payload: models.JSONB{"text": "hi"},
	}); err != nil {
		t.Fatalf("write publish: %v", err)
	}
	var errFrame apix.ErrorFrame
	readFrame(t, conn, time.Second, &errFrame)
	if errFrame.Code != apix.CodeDuplicateEvent {
		t.Fatalf("code = %s, want DUPLICATE_EVENT", errFrame.Code)
	}

	records, err = e.ring.Query(context.Background(), "org1", audit.Query{})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("audit records after duplicate = %d, want 2", len(records))
	}
	var failed *models.AuditRecord
	for i := range records {
		if !records[i].Success {
			failed = &records[i]
		}
	}
	if failed == nil || failed.Error == "" {
		t.Fatalf("no failure record with error among %+v", records)
	}
}

func TestPingPongReportsQuality(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.connect(t, signToken(t, "org1", "alice"))

	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FramePing, ClientTs: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong apix.PongFrame
	readFrame(t, conn, time.Second, &pong)
	if pong.LatencyMs < 0 {
		t.Fatalf("latency = %d", pong.LatencyMs)
	}
	if pong.Quality != string(models.QualityExcellent) {
		t.Fatalf("quality = %s, want EXCELLENT", pong.Quality)
	}

	// Future client timestamps clamp to zero latency.
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FramePing, ClientTs: time.Now().Add(time.Minute).UnixMilli()}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readFrame(t, conn, time.Second, &pong)
	if pong.LatencyMs != 0 {
		t.Fatalf("future ts latency = %d, want 0", pong.LatencyMs)
	}
}

func TestSubscribeFiltersApplyAtSocket(t *testing.T) {
	e := newEnv(t)
	connA, _ := e.connect(t, signToken(t, "org1", "alice"))
	connB, _ := e.connect(t, signToken(t, "org1", "bob"))

	subscribe(t, connB, &models.SubscriptionFilters{EventTypes: []string{"alpha"}}, "chat")

	publish(t, connA, "beta", "chat", models.JSONB{"n": 1})
	publish(t, connA, "alpha", "chat", models.JSONB{"n": 2})

	var frame apix.EventFrame
	readFrame(t, connB, time.Second, &frame)
	if frame.Event.EventType != "alpha" {
		t.Fatalf("delivered %s, want the filtered alpha event", frame.Event.EventType)
	}
	expectNoFrame(t, connB, 200*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newEnv(t)
	connA, _ := e.connect(t, signToken(t, "org1", "alice"))
	connB, _ := e.connect(t, signToken(t, "org1", "bob"))

	subscribe(t, connB, nil, "chat")
	publish(t, connA, "msg", "chat", models.JSONB{"n": 1})
	var frame apix.EventFrame
	readFrame(t, connB, time.Second, &frame)
	if frame.Type != apix.FrameEvent {
		t.Fatalf("frame = %q", frame.Type)
	}

	if err := connB.WriteJSON(apix.ClientFrame{Type: apix.FrameUnsubscribe, Channels: []string{"chat"}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	var reply apix.ChannelsFrame
	readFrame(t, connB, time.Second, &reply)
	if reply.Type != apix.FrameUnsubscribed || len(reply.Channels) != 0 {
		t.Fatalf("unsubscribe reply = %+v", reply)
	}

	publish(t, connA, "msg", "chat", models.JSONB{"n": 2})
	expectNoFrame(t, connB, 300*time.Millisecond)
}

func TestMessageRateLimit(t *testing.T) {
	e := newEnv(t, func(eo *envOptions) {
		eo.rate = connections.RatePolicy{Limit: 3, Window: time.Minute}
	})
	conn, _ := e.connect(t, signToken(t, "org1", "alice"))

	for i := 0; i < 3; i++ {
		subscribe(t, conn, nil, "chat")
	}
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FrameSubscribe, Channels: []string{"chat"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errFrame apix.ErrorFrame
	readFrame(t, conn, time.Second, &errFrame)
	if errFrame.Type != apix.FrameError || errFrame.Code != apix.CodeRateLimited {
		t.Fatalf("frame = %+v, want RATE_LIMITED", errFrame)
	}

	// Pings are exempt so heartbeats survive a throttled session.
	if err := conn.WriteJSON(apix.ClientFrame{Type: apix.FramePing, ClientTs: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong apix.PongFrame
	readFrame(t, conn, time.Second, &pong)
	if pong.Type != apix.FramePong {
		t.Fatalf("frame = %q, want pong", pong.Type)
	}
}

func TestDurableSubscriptionsResumeOnConnect(t *testing.T) {
	e := newEnv(t)
	principal := models.Principal{OrgID: "org1", UserID: "bob", AuthType: "jwt"}
	if _, err := e.subs.Create(context.Background(), principal, "chat", nil); err != nil {
		t.Fatalf("create durable subscription: %v", err)
	}

	connA, _ := e.connect(t, signToken(t, "org1", "alice"))
	connB, _ := e.connect(t, signToken(t, "org1", "bob"))

	// No subscribe frame from B; the durable subscription carries it.
	publish(t, connA, "msg", "chat", models.JSONB{"text": "resumed"})

	var frame apix.EventFrame
	readFrame(t, connB, time.Second, &frame)
	if frame.Type != apix.FrameEvent || frame.Event.Channel != "chat" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestRelayDeliversRemoteEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	e1 := newEnv(t, func(eo *envOptions) { eo.mr = mr; eo.cfg.InstanceID = "node-a" })
	e2 := newEnv(t, func(eo *envOptions) { eo.mr = mr; eo.cfg.InstanceID = "node-b" })
	waitRelayReady(t, e1)
	waitRelayReady(t, e2)

	connA, _ := e1.connect(t, signToken(t, "org1", "alice"))
	connB1, _ := e1.connect(t, signToken(t, "org1", "bob"))
	connB2, _ := e2.connect(t, signToken(t, "org1", "bea"))

	subscribe(t, connB1, nil, "chat")
	subscribe(t, connB2, nil, "chat")

	published := publish(t, connA, "msg", "chat", models.JSONB{"text": "hi"})

	var f1, f2 apix.EventFrame
	readFrame(t, connB1, 2*time.Second, &f1)
	readFrame(t, connB2, 2*time.Second, &f2)
	if f1.Event.ID != published.MessageID || f2.Event.ID != published.MessageID {
		t.Fatalf("relay ids = %s / %s, want %s", f1.Event.ID, f2.Event.ID, published.MessageID)
	}

	// The publishing node must not also mirror its own notification.
	expectNoFrame(t, connB1, 300*time.Millisecond)
	expectNoFrame(t, connB2, 100*time.Millisecond)
}

func TestTapMirrorsChannel(t *testing.T) {
	e := newEnv(t)
	tap := e.hub.AttachTap("org1", []string{"chat"})
	defer e.hub.DetachTap(tap)

	connA, _ := e.connect(t, signToken(t, "org1", "alice"))
	publish(t, connA, "offtopic", "lobby", models.JSONB{"n": 1})
	published := publish(t, connA, "msg", "chat", models.JSONB{"n": 2})

	select {
	case ev := <-tap.Events:
		if ev.ID != published.MessageID || ev.Channel != "chat" {
			t.Fatalf("tap saw %s on %s", ev.ID, ev.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tap never received the chat event")
	}

	select {
	case ev := <-tap.Events:
		t.Fatalf("tap leaked channel %s", ev.Channel)
	default:
	}
}

func TestStreamSSEWritesEvents(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = e.hub.StreamSSE(r.Context(), w, models.Principal{OrgID: "org1"}, []string{"chat"})
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	e.hub.Broadcast(&models.Event{
		ID: "ev-sse", OrgID: "org1", Channel: "chat", EventType: "msg",
		Payload: models.JSONB{"text": "hello"}, CreatedAt: time.Now(),
		Priority: models.PriorityNormal,
	})

	found := make(chan bool, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"id":"ev-sse"`) {
				found <- true
				return
			}
		}
		found <- false
	}()
	select {
	case ok := <-found:
		if !ok {
			t.Fatalf("sse stream ended without the event")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("sse stream never carried the event")
	}
}

func TestBroadcastToUserTargetsSessions(t *testing.T) {
	e := newEnv(t)
	connB, _ := e.connect(t, signToken(t, "org1", "bob"))
	e.connect(t, signToken(t, "org1", "alice"))

	n := e.hub.BroadcastToUser("org1", "bob", &models.Event{
		ID: "ev-user", OrgID: "org1", Channel: "direct", EventType: "note",
		Payload: models.JSONB{"text": "for bob"}, Priority: models.PriorityHigh,
	})
	if n != 1 {
		t.Fatalf("reached %d sessions, want 1", n)
	}
	var frame apix.EventFrame
	readFrame(t, connB, time.Second, &frame)
	if frame.Event.ID != "ev-user" {
		t.Fatalf("event = %+v", frame.Event)
	}
}

func TestAlertsReachAdminSessions(t *testing.T) {
	e := newEnv(t)
	adminConn, _ := e.connect(t, signToken(t, "org1", "root", "admin"))
	memberConn, _ := e.connect(t, signToken(t, "org1", "bob"))

	e.hub.forwardAlert(models.AuditAlert{Reason: "failure", Record: models.AuditRecord{
		ID: "audit-1", OrgID: "org1", Action: "subscription.delete",
		ResourceType: "subscription", Success: false,
		Severity: models.SeverityCritical, Category: models.CategorySecurityEvent,
		Timestamp: time.Now(),
	}})

	var frame apix.EventFrame
	readFrame(t, adminConn, time.Second, &frame)
	if frame.Event.EventType != "audit.alert" || frame.Event.Channel != "system" {
		t.Fatalf("alert event = %+v", frame.Event)
	}
	expectNoFrame(t, memberConn, 200*time.Millisecond)

	// Routine successful records are not forwarded.
	e.hub.forwardAlert(models.AuditAlert{Reason: "severity", Record: models.AuditRecord{
		ID: "audit-2", OrgID: "org1", Action: "subscription.create",
		ResourceType: "subscription", Success: true,
		Severity: models.SeverityMedium, Category: models.CategoryDataModification,
		Timestamp: time.Now(),
	}})
	expectNoFrame(t, adminConn, 200*time.Millisecond)
}

func TestBackpressureDropsThenCloses(t *testing.T) {
	e := newEnv(t, func(eo *envOptions) { eo.cfg.SlowGrace = 50 * time.Millisecond })

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	server := <-connCh

	// No write pump attached, so the buffer never drains.
	c := &Client{
		hub:       e.hub,
		conn:      server,
		send:      make(chan []byte, 1),
		sessionID: "s-back",
		principal: models.Principal{OrgID: "org1"},
		channels:  make(map[string]*models.SubscriptionFilters),
		rooms:     make(map[string]bool),
		logger:    logrus.NewEntry(logrus.New()),
	}

	if !c.trySend([]byte(`{"n":1}`), models.PriorityNormal) {
		t.Fatalf("first send should queue")
	}
	if c.trySend([]byte(`{"n":2}`), models.PriorityNormal) {
		t.Fatalf("second NORMAL send should drop on a full buffer")
	}
	if c.trySend([]byte(`{"n":3}`), models.PriorityLow) {
		t.Fatalf("LOW send should drop on a full buffer")
	}

	start := time.Now()
	if c.trySend([]byte(`{"n":4}`), models.PriorityCritical) {
		t.Fatalf("CRITICAL send should fail once grace expires")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("grace window not honored, returned after %v", elapsed)
	}
	if got := e.hub.CountersSnapshot().SlowClosed; got != 1 {
		t.Fatalf("slowClosed = %d, want 1", got)
	}

	// The transport was torn down.
	peer.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := peer.ReadMessage(); err != nil {
			break
		}
	}
}

func TestHubStatsCountsRooms(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.connect(t, signToken(t, "org1", "alice"))
	subscribe(t, conn, nil, "chat")

	stats := e.hub.Stats()
	if stats.Connections != 1 {
		t.Fatalf("connections = %d", stats.Connections)
	}
	if stats.TotalSessions != 1 {
		t.Fatalf("total sessions = %d", stats.TotalSessions)
	}
	if stats.ChannelSubscriptions["channel:org1:chat"] != 1 {
		t.Fatalf("rooms = %+v", stats.ChannelSubscriptions)
	}
}
