package client

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

type sentMessage struct {
	conversationID string
	content        string
	tempID         string
}

type recordingSender struct {
	ok   bool
	sent []sentMessage
}

func (s *recordingSender) Send(conversationID, content, tempID string, _ []string) bool {
	s.sent = append(s.sent, sentMessage{conversationID: conversationID, content: content, tempID: tempID})
	return s.ok
}

func newTestCoordinator(sender Sender, opts ...CoordinatorOption) *Coordinator {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	ids := 0
	defaults := []CoordinatorOption{
		WithNow(func() time.Time {
			n++
			return base.Add(time.Duration(n) * time.Second)
		}),
		WithTempIDs(func() string {
			ids++
			return fmt.Sprintf("t%d", ids)
		}),
	}
	return NewCoordinator(sender, append(defaults, opts...)...)
}

func canonical(id, conversationID, tempID string, at time.Time) protocol.MessageEvent {
	return protocol.MessageEvent{
		Message: chat.Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       "alice",
			Content:        "hi",
			CreatedAt:      at,
		},
		TempID: tempID,
	}
}

func TestSubmitEmitsPendingMessage(t *testing.T) {
	sender := &recordingSender{ok: true}
	c := newTestCoordinator(sender)

	p, err := c.Submit("c1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.TempID)
	assert.Equal(t, StatusPending, p.Status)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, sentMessage{conversationID: "c1", content: "hi", tempID: "t1"}, sender.sent[0])

	items := c.Visible("c1")
	require.Len(t, items, 1)
	assert.True(t, items[0].Provisional)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, 1, c.Pending("c1"))
}

func TestSubmitRejectsInvalidContentLocally(t *testing.T) {
	sender := &recordingSender{ok: true}
	c := newTestCoordinator(sender)

	_, err := c.Submit("c1", "", nil)
	require.ErrorIs(t, err, chat.ErrValidation)
	_, err = c.Submit("c1", strings.Repeat("x", chat.MaxContentLength+1), nil)
	require.ErrorIs(t, err, chat.ErrValidation)
	_, err = c.Submit(" ", "hi", nil)
	require.ErrorIs(t, err, chat.ErrValidation)

	assert.Empty(t, sender.sent)
	assert.Empty(t, c.Visible("c1"))
}

func TestSubmitWhileDisconnectedFails(t *testing.T) {
	var failed []string
	c := newTestCoordinator(&recordingSender{ok: false},
		WithFailureHandler(func(p Provisional, reason string) { failed = append(failed, p.TempID+":"+reason) }))

	p, err := c.Submit("c1", "hi", nil)
	require.ErrorIs(t, err, chat.ErrTransport)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, []string{"t1:" + ReasonNotConnected}, failed)
	assert.Empty(t, c.Visible("c1"))
}

// Both arrival orders of ack and broadcast converge on one visible message
// with the real id and no pending entries, and a duplicate broadcast changes
// nothing.
func TestAckAndBroadcastOrdersConverge(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name  string
		apply func(t *testing.T, c *Coordinator)
	}{
		{
			name: "ack_then_broadcast",
			apply: func(t *testing.T, c *Coordinator) {
				assert.True(t, c.HandleAck(protocol.AckEvent{TempID: "t1", MessageID: "m1"}))
				items := c.Visible("c1")
				require.Len(t, items, 1)
				assert.Equal(t, "m1", items[0].ID)
				assert.Equal(t, StatusAcknowledged, items[0].Status)

				assert.True(t, c.HandleMessage(canonical("m1", "c1", "t1", at)))
			},
		},
		{
			name: "broadcast_then_ack",
			apply: func(t *testing.T, c *Coordinator) {
				assert.True(t, c.HandleMessage(canonical("m1", "c1", "t1", at)))
				assert.False(t, c.HandleAck(protocol.AckEvent{TempID: "t1", MessageID: "m1"}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(&recordingSender{ok: true})
			_, err := c.Submit("c1", "hi", nil)
			require.NoError(t, err)

			tt.apply(t, c)
			assert.False(t, c.HandleMessage(canonical("m1", "c1", "t1", at)), "duplicate broadcast")

			items := c.Visible("c1")
			require.Len(t, items, 1)
			assert.Equal(t, "m1", items[0].ID)
			assert.False(t, items[0].Provisional)
			assert.Zero(t, c.Pending("c1"))
			_, still := c.Provisional("t1")
			assert.False(t, still)
		})
	}
}

func TestOtherDeviceInsertsCanonicalOnce(t *testing.T) {
	c := newTestCoordinator(&recordingSender{ok: true})
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, c.HandleMessage(canonical("m1", "c1", "t-from-other-device", at)))
	assert.False(t, c.HandleMessage(canonical("m1", "c1", "t-from-other-device", at)))
	assert.False(t, c.HandleAck(protocol.AckEvent{TempID: "t-from-other-device", MessageID: "m1"}))

	items := c.Visible("c1")
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ID)
}

func TestSendErrorFailsPendingOnly(t *testing.T) {
	var reasons []string
	c := newTestCoordinator(&recordingSender{ok: true},
		WithFailureHandler(func(_ Provisional, reason string) { reasons = append(reasons, reason) }))

	_, err := c.Submit("c1", "one", nil)
	require.NoError(t, err)
	_, err = c.Submit("c1", "two", nil)
	require.NoError(t, err)
	require.True(t, c.HandleAck(protocol.AckEvent{TempID: "t2", MessageID: "m2"}))

	assert.True(t, c.HandleSendError(protocol.SendErrorEvent{TempID: "t1", Reason: chat.ReasonForbidden}))
	assert.False(t, c.HandleSendError(protocol.SendErrorEvent{TempID: "t1", Reason: chat.ReasonForbidden}), "already failed")
	assert.False(t, c.HandleSendError(protocol.SendErrorEvent{TempID: "t2", Reason: chat.ReasonPersistence}), "acknowledged entries stay")

	assert.Equal(t, []string{chat.ReasonForbidden}, reasons)
	items := c.Visible("c1")
	require.Len(t, items, 1)
	assert.Equal(t, "t2", items[0].TempID)
}

func TestVisibleOrdersByCreationThenInsertion(t *testing.T) {
	c := newTestCoordinator(&recordingSender{ok: true})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Load([]chat.Message{
		{ID: "m3", ConversationID: "c1", SenderID: "bob", Content: "three", CreatedAt: base.Add(3 * time.Second)},
		{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "one", CreatedAt: base.Add(time.Second)},
		{ID: "other", ConversationID: "c2", SenderID: "bob", Content: "elsewhere", CreatedAt: base},
	})
	// stamped base+1s by the test clock, same instant as m1 but inserted later
	_, err := c.Submit("c1", "mine", nil)
	require.NoError(t, err)

	items := c.Visible("c1")
	require.Len(t, items, 3)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "t1", items[1].TempID)
	assert.True(t, items[1].Provisional)
	assert.Equal(t, "m3", items[2].ID)
}

func TestLoadRetiresAcknowledgedProvisional(t *testing.T) {
	c := newTestCoordinator(&recordingSender{ok: true})
	_, err := c.Submit("c1", "hi", nil)
	require.NoError(t, err)
	require.True(t, c.HandleAck(protocol.AckEvent{TempID: "t1", MessageID: "m1"}))

	c.Load([]chat.Message{{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: time.Now()}})
	c.Load([]chat.Message{{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: time.Now()}})

	items := c.Visible("c1")
	require.Len(t, items, 1)
	assert.False(t, items[0].Provisional)
	assert.False(t, c.HandleMessage(canonical("m1", "c1", "t1", time.Now())))
}

func TestApplyReadReceipt(t *testing.T) {
	c := newTestCoordinator(&recordingSender{ok: true})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.Load([]chat.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", CreatedAt: base},
		{ID: "m2", ConversationID: "c1", SenderID: "bob", CreatedAt: base.Add(time.Second)},
		{ID: "m3", ConversationID: "c1", SenderID: "alice", CreatedAt: base.Add(2 * time.Second)},
	})

	assert.Equal(t, 1, c.ApplyReadReceipt(protocol.ReadReceiptEvent{ConversationID: "c1", UserID: "bob", MessageIDs: []string{"m1"}}))
	assert.Equal(t, 1, c.ApplyReadReceipt(protocol.ReadReceiptEvent{ConversationID: "c1", UserID: "bob"}), "only m3 is still unread by bob")
	assert.Zero(t, c.ApplyReadReceipt(protocol.ReadReceiptEvent{ConversationID: "c1", UserID: "bob"}))

	for _, it := range c.Visible("c1") {
		if it.SenderID == "alice" {
			assert.Equal(t, []string{"bob"}, it.ReadBy, it.ID)
		} else {
			assert.Empty(t, it.ReadBy, it.ID)
		}
	}
}

func TestReadReceiptSkipsReadersOwnMessages(t *testing.T) {
	c := newTestCoordinator(&recordingSender{ok: true})
	c.Load([]chat.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", CreatedAt: time.Now()},
		{ID: "m2", ConversationID: "c1", SenderID: "bob", CreatedAt: time.Now()},
	})

	assert.Equal(t, 1, c.ApplyReadReceipt(protocol.ReadReceiptEvent{
		ConversationID: "c1",
		UserID:         "alice",
		MessageIDs:     []string{"m1", "m2"},
	}))

	for _, it := range c.Visible("c1") {
		if it.ID == "m1" {
			assert.Empty(t, it.ReadBy)
		} else {
			assert.Equal(t, []string{"alice"}, it.ReadBy)
		}
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "acknowledged", StatusAcknowledged.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", Status(9).String())
}
