package server_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/metrics"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
	"github.com/Tyrowin/nexus-chat/internal/server"
	"github.com/Tyrowin/nexus-chat/internal/store"
	"github.com/Tyrowin/nexus-chat/test/testhelpers"
)

type harness struct {
	t        *testing.T
	store    *store.Memory
	verifier *auth.JWTVerifier
	gateway  *server.Gateway
	srv      *httptest.Server
	wsURL    string
}

func newHarness(t *testing.T, mutate func(*server.Config)) *harness {
	t.Helper()

	cfg := server.NewConfig()
	cfg.RateLimit.Burst = 1000
	if mutate != nil {
		mutate(cfg)
	}
	server.SetConfig(cfg)

	verifier, err := auth.NewJWTVerifier("test-secret")
	require.NoError(t, err)

	mem := store.NewMemory()
	gateway := server.NewGateway(server.GatewayOptions{
		Messages:      mem,
		Conversations: mem,
		Verifier:      verifier,
		Metrics:       metrics.New(),
	})
	go gateway.Run()

	srv := testhelpers.CreateTestServer(server.SetupRoutes(gateway, metrics.New()))
	t.Cleanup(func() {
		srv.Close()
		_ = gateway.Shutdown(5 * time.Second)
		server.SetConfig(nil)
	})

	return &harness{
		t:        t,
		store:    mem,
		verifier: verifier,
		gateway:  gateway,
		srv:      srv,
		wsURL:    testhelpers.WebSocketURL(srv.URL),
	}
}

func (h *harness) token(subject string) string {
	h.t.Helper()
	tok, err := h.verifier.Issue(subject, "", time.Hour)
	require.NoError(h.t, err)
	return tok
}

// dial connects as subject and waits until the gateway has admitted the
// connection, signalled by the presence snapshot entry for subject itself.
func (h *harness) dial(subject string) (*websocket.Conn, *testhelpers.EventReader) {
	h.t.Helper()
	conn, _, err := testhelpers.ConnectWebSocket(h.wsURL, h.token(subject))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })

	r := testhelpers.NewEventReader(conn)
	for {
		var ev protocol.PresenceEvent
		r.ExpectInto(h.t, protocol.EventPresence, &ev)
		if ev.UserID == subject && ev.Status == protocol.StatusOnline {
			return conn, r
		}
	}
}

func (h *harness) join(conn *websocket.Conn, r *testhelpers.EventReader, conversationID string) {
	h.t.Helper()
	require.NoError(h.t, testhelpers.Emit(conn, protocol.EventJoin, protocol.JoinPayload{ConversationID: conversationID}))
	var ev protocol.JoinedEvent
	r.ExpectInto(h.t, protocol.EventJoined, &ev)
	require.Equal(h.t, conversationID, ev.ConversationID)
}

func (h *harness) private(a, b string) string {
	h.t.Helper()
	conv, err := h.store.CreatePrivate(context.Background(), a, b)
	require.NoError(h.t, err)
	return conv.ID
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, h.srv.URL+"/")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	require.Eventually(t, func() bool {
		ready := testhelpers.MakeRequest(t, http.MethodGet, h.srv.URL+"/readyz")
		defer ready.Body.Close()
		return ready.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	m := testhelpers.MakeRequest(t, http.MethodGet, h.srv.URL+"/metrics")
	defer m.Body.Close()
	testhelpers.AssertStatusCode(t, m, http.StatusOK)
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t, nil)

	expired, err := h.verifier.Issue("alice", "", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing_token", token: ""},
		{name: "garbage_token", token: "garbage"},
		{name: "expired_token", token: expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.ConnectWebSocket(h.wsURL, tt.token)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Nil(t, conn)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	assert.Zero(t, h.gateway.ConnectionCount())
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	h := newHarness(t, nil)

	headers := http.Header{}
	headers.Set("Origin", testhelpers.TestOrigin)
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL+"?token="+h.token("alice"), headers)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestHandshakeRejectsDisallowedOrigin(t *testing.T) {
	h := newHarness(t, nil)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	headers.Set("Authorization", "Bearer "+h.token("alice"))
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL, headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	h := newHarness(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, h.srv.URL+"/ws")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

// Alice on two devices sends "hi"; every member connection gets the canonical
// message with the echoed temp id and only the origin gets the ack.
func TestSendFansOutToAllDevices(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")

	a1, ra1 := h.dial("alice")
	a2, ra2 := h.dial("alice")
	b1, rb1 := h.dial("bob")
	h.join(a1, ra1, convID)
	h.join(a2, ra2, convID)
	h.join(b1, rb1, convID)

	require.NoError(t, testhelpers.Emit(a1, protocol.EventSend, protocol.SendPayload{
		ConversationID: convID,
		Content:        "hi",
		TempID:         "t1",
	}))

	var ack protocol.AckEvent
	var fromOrigin protocol.MessageEvent
	for i := 0; i < 2; i++ {
		env, err := ra1.Next(testhelpers.DefaultTimeout)
		require.NoError(t, err)
		switch env.Event {
		case protocol.EventAck:
			require.NoError(t, env.Bind(&ack))
		case protocol.EventMessage:
			require.NoError(t, env.Bind(&fromOrigin))
		default:
			t.Fatalf("unexpected %q", env.Event)
		}
	}
	assert.Equal(t, "t1", ack.TempID)
	require.NotEmpty(t, ack.MessageID)
	assert.Equal(t, ack.MessageID, fromOrigin.ID)
	assert.Equal(t, "t1", fromOrigin.TempID)

	for _, r := range []*testhelpers.EventReader{ra2, rb1} {
		var ev protocol.MessageEvent
		r.ExpectInto(t, protocol.EventMessage, &ev)
		assert.Equal(t, ack.MessageID, ev.ID)
		assert.Equal(t, "t1", ev.TempID)
		assert.Equal(t, "hi", ev.Content)
		assert.Equal(t, "alice", ev.SenderID)
	}

	assert.Equal(t, 1, h.store.Count(convID))
	conv, err := h.store.Get(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, ack.MessageID, conv.LastMessageID)

	// the other device and bob never see the ack
	ra2.ExpectNone(t, 150*time.Millisecond)
	rb1.ExpectNone(t, 50*time.Millisecond)
}

func TestSendRejections(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")

	b1, rb1 := h.dial("bob")
	h.join(b1, rb1, convID)
	carol, rc := h.dial("carol")
	alice, ra := h.dial("alice")

	tests := []struct {
		name   string
		conn   *websocket.Conn
		reader *testhelpers.EventReader
		send   protocol.SendPayload
		reason string
	}{
		{name: "non_participant", conn: carol, reader: rc, send: protocol.SendPayload{ConversationID: convID, Content: "x", TempID: "c1"}, reason: chat.ReasonForbidden},
		{name: "unknown_conversation", conn: alice, reader: ra, send: protocol.SendPayload{ConversationID: "nope", Content: "x", TempID: "a1"}, reason: chat.ReasonForbidden},
		{name: "empty_content", conn: alice, reader: ra, send: protocol.SendPayload{ConversationID: convID, Content: "", TempID: "a2"}, reason: chat.ReasonValidation},
		{name: "too_long", conn: alice, reader: ra, send: protocol.SendPayload{ConversationID: convID, Content: strings.Repeat("é", chat.MaxContentLength+1), TempID: "a3"}, reason: chat.ReasonValidation},
		{name: "missing_temp_id", conn: alice, reader: ra, send: protocol.SendPayload{ConversationID: convID, Content: "x"}, reason: chat.ReasonValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, testhelpers.Emit(tt.conn, protocol.EventSend, tt.send))
			var ev protocol.SendErrorEvent
			tt.reader.ExpectInto(t, protocol.EventSendError, &ev)
			assert.Equal(t, tt.send.TempID, ev.TempID)
			assert.Equal(t, tt.reason, ev.Reason)
		})
	}

	assert.Zero(t, h.store.Count(convID), "rejected sends never persist")
	rb1.ExpectNone(t, 150*time.Millisecond)
}

func TestJoinForbiddenKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")
	other := h.private("carol", "dave")

	alice, ra := h.dial("alice")

	require.NoError(t, testhelpers.Emit(alice, protocol.EventJoin, protocol.JoinPayload{ConversationID: other}))
	var ev protocol.ErrorEvent
	ra.ExpectInto(t, protocol.EventError, &ev)
	assert.Equal(t, protocol.EventJoin, ev.Event)
	assert.Equal(t, chat.ReasonForbidden, ev.Reason)

	h.join(alice, ra, convID)
	assert.True(t, h.gateway.Router().IsMember(h.connID(t, "alice"), convID))
}

func (h *harness) connID(t *testing.T, subject string) string {
	t.Helper()
	conns := h.gateway.Registry().ConnectionsFor(subject)
	require.Len(t, conns, 1)
	return conns[0]
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")

	alice, ra := h.dial("alice")
	bob, rb := h.dial("bob")
	h.join(alice, ra, convID)
	h.join(bob, rb, convID)

	require.NoError(t, testhelpers.Emit(bob, protocol.EventLeave, protocol.LeavePayload{ConversationID: convID}))
	require.NoError(t, testhelpers.Emit(bob, protocol.EventLeave, protocol.LeavePayload{ConversationID: convID}))
	require.Eventually(t, func() bool {
		return len(h.gateway.Router().Members(convID)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, testhelpers.Emit(alice, protocol.EventSend, protocol.SendPayload{ConversationID: convID, Content: "gone?", TempID: "t1"}))
	ra.Expect(t, protocol.EventMessage)
	ra.Expect(t, protocol.EventAck)
	rb.ExpectNone(t, 150*time.Millisecond)
}

func TestTypingExcludesSender(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")

	a1, ra1 := h.dial("alice")
	a2, ra2 := h.dial("alice")
	b1, rb1 := h.dial("bob")
	h.join(a1, ra1, convID)
	h.join(a2, ra2, convID)
	h.join(b1, rb1, convID)

	require.NoError(t, testhelpers.Emit(a1, protocol.EventTyping, protocol.TypingPayload{ConversationID: convID, IsTyping: true}))

	for _, r := range []*testhelpers.EventReader{ra2, rb1} {
		var ev protocol.TypingEvent
		r.ExpectInto(t, protocol.EventTyping, &ev)
		assert.Equal(t, "alice", ev.UserID)
		assert.True(t, ev.IsTyping)
		assert.Equal(t, convID, ev.ConversationID)
	}
	ra1.ExpectNone(t, 150*time.Millisecond)
}

func TestTypingRequiresJoin(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")
	alice, ra := h.dial("alice")

	require.NoError(t, testhelpers.Emit(alice, protocol.EventTyping, protocol.TypingPayload{ConversationID: convID, IsTyping: true}))
	var ev protocol.ErrorEvent
	ra.ExpectInto(t, protocol.EventError, &ev)
	assert.Equal(t, protocol.EventTyping, ev.Event)
	assert.Equal(t, chat.ReasonForbidden, ev.Reason)
}

func TestMarkReadBroadcastsReceipt(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"one", "two"} {
		msg, err := h.store.Create(ctx, chat.Message{ConversationID: convID, SenderID: "alice", Content: content})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	alice, ra := h.dial("alice")
	bob, rb := h.dial("bob")
	h.join(alice, ra, convID)
	h.join(bob, rb, convID)

	require.NoError(t, testhelpers.Emit(bob, protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: convID}))

	for _, r := range []*testhelpers.EventReader{ra, rb} {
		var ev protocol.ReadReceiptEvent
		r.ExpectInto(t, protocol.EventReadReceipt, &ev)
		assert.Equal(t, "bob", ev.UserID)
		assert.Equal(t, ids, ev.MessageIDs)
	}

	unread, err := h.store.CountUnread(ctx, convID, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread)

	require.NoError(t, testhelpers.Emit(alice, protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: "nope"}))
	var errEv protocol.ErrorEvent
	ra.ExpectInto(t, protocol.EventError, &errEv)
	assert.Equal(t, chat.ReasonForbidden, errEv.Reason)
}

func TestMarkReadWithoutChangesSendsNoReceipt(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")
	ctx := context.Background()

	own, err := h.store.Create(ctx, chat.Message{ConversationID: convID, SenderID: "alice", Content: "mine"})
	require.NoError(t, err)

	alice, ra := h.dial("alice")
	bob, rb := h.dial("bob")
	h.join(alice, ra, convID)
	h.join(bob, rb, convID)

	// Own messages never enter the sender's read-set, so nothing changes.
	require.NoError(t, testhelpers.Emit(alice, protocol.EventMarkRead, protocol.MarkReadPayload{
		ConversationID: convID,
		MessageIDs:     []string{own.ID},
	}))
	// Events on one connection run in order, so the joined reply proves the
	// markRead above has completed without a receipt.
	h.join(alice, ra, convID)
	h.join(bob, rb, convID)

	require.NoError(t, testhelpers.Emit(bob, protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: convID}))

	var ev protocol.ReadReceiptEvent
	rb.ExpectInto(t, protocol.EventReadReceipt, &ev)
	assert.Equal(t, "bob", ev.UserID, "the no-op markRead must not produce a receipt")
	assert.Equal(t, []string{own.ID}, ev.MessageIDs)

	require.NoError(t, testhelpers.Emit(bob, protocol.EventMarkRead, protocol.MarkReadPayload{ConversationID: convID}))
	ra.Expect(t, protocol.EventReadReceipt)
	ra.ExpectNone(t, 150*time.Millisecond)
}

func TestPresenceFollowsLastConnection(t *testing.T) {
	h := newHarness(t, nil)

	_, ra := h.dial("alice")

	bob1, _ := h.dial("bob")
	var ev protocol.PresenceEvent
	ra.ExpectInto(t, protocol.EventPresence, &ev)
	assert.Equal(t, "bob", ev.UserID)
	assert.Equal(t, protocol.StatusOnline, ev.Status)

	bob2, _ := h.dial("bob")
	require.NoError(t, testhelpers.CloseWebSocket(bob1))
	require.Eventually(t, func() bool {
		return len(h.gateway.Registry().ConnectionsFor("bob")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.gateway.Registry().IsOnline("bob"))

	closedAt := time.Now()
	require.NoError(t, testhelpers.CloseWebSocket(bob2))

	// the next presence event alice sees is bob going offline
	ra.ExpectInto(t, protocol.EventPresence, &ev)
	assert.Equal(t, "bob", ev.UserID)
	assert.Equal(t, protocol.StatusOffline, ev.Status)
	assert.WithinDuration(t, closedAt, ev.LastSeenAt, time.Second)
	assert.False(t, h.gateway.Registry().IsOnline("bob"))
}

func TestMessageOrderIsIdenticalAcrossMembers(t *testing.T) {
	h := newHarness(t, nil)
	conv, err := h.store.CreateGroup(context.Background(), "alice", "team", []string{"bob", "carol"})
	require.NoError(t, err)

	subjects := []string{"alice", "bob", "carol"}
	conns := make([]*websocket.Conn, len(subjects))
	readers := make([]*testhelpers.EventReader, len(subjects))
	for i, s := range subjects {
		conns[i], readers[i] = h.dial(s)
		h.join(conns[i], readers[i], conv.ID)
	}

	const perSender = 15
	var wg sync.WaitGroup
	for i := range subjects[:2] {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				_ = testhelpers.Emit(conns[i], protocol.EventSend, protocol.SendPayload{
					ConversationID: conv.ID,
					Content:        fmt.Sprintf("%s-%d", subjects[i], n),
					TempID:         fmt.Sprintf("%d-%d", i, n),
				})
			}
		}(i)
	}
	wg.Wait()

	sequences := make([][]string, len(readers))
	for i, r := range readers {
		for len(sequences[i]) < 2*perSender {
			env, err := r.Next(testhelpers.DefaultTimeout)
			require.NoError(t, err)
			if env.Event != protocol.EventMessage {
				continue
			}
			var ev protocol.MessageEvent
			require.NoError(t, env.Bind(&ev))
			sequences[i] = append(sequences[i], ev.ID)
		}
	}

	assert.Equal(t, sequences[0], sequences[1])
	assert.Equal(t, sequences[0], sequences[2])

	page, err := h.store.Find(context.Background(), conv.ID, store.Query{Limit: 100})
	require.NoError(t, err)
	stored := make([]string, 0, len(page.Messages))
	for _, m := range page.Messages {
		stored = append(stored, m.ID)
	}
	assert.Equal(t, stored, sequences[0], "broadcast order matches persistence order")
}

func TestRateLimitedSendFailsPendingMessage(t *testing.T) {
	h := newHarness(t, func(c *server.Config) {
		c.RateLimit.Burst = 1
		c.RateLimit.RefillInterval = time.Minute
	})
	convID := h.private("alice", "bob")
	alice, ra := h.dial("alice")

	require.NoError(t, testhelpers.Emit(alice, protocol.EventSend, protocol.SendPayload{ConversationID: convID, Content: "one", TempID: "t1"}))
	require.NoError(t, testhelpers.Emit(alice, protocol.EventSend, protocol.SendPayload{ConversationID: convID, Content: "two", TempID: "t2"}))

	var ack protocol.AckEvent
	ra.ExpectInto(t, protocol.EventAck, &ack)
	assert.Equal(t, "t1", ack.TempID)

	var ev protocol.SendErrorEvent
	ra.ExpectInto(t, protocol.EventSendError, &ev)
	assert.Equal(t, "t2", ev.TempID)
	assert.Equal(t, server.ReasonRateLimited, ev.Reason)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	convID := h.private("alice", "bob")
	alice, ra := h.dial("alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var ev protocol.ErrorEvent
	ra.ExpectInto(t, protocol.EventError, &ev)
	assert.Equal(t, chat.ReasonValidation, ev.Reason)

	h.join(alice, ra, convID)
}

func TestGatewayShutdownClosesClients(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.dial("alice")

	require.NoError(t, h.gateway.Shutdown(5*time.Second))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}
	assert.Error(t, h.gateway.Ready())
}
