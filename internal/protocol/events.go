// Package protocol defines the JSON events exchanged between chat clients and
// the gateway over a websocket connection.
//
// Every frame carries an Envelope: {"event": "<name>", "data": {...}}. A single
// websocket text frame may hold several envelopes separated by '\n' when the
// gateway flushes queued events together.
package protocol

import (
	"time"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

// EventType names an event on the wire.
type EventType string

// Client to server.
const (
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventSend     EventType = "send"
	EventTyping   EventType = "typing"
	EventMarkRead EventType = "markRead"
)

// Server to client. EventTyping is used in both directions.
const (
	EventMessage     EventType = "message"
	EventAck         EventType = "ack"
	EventSendError   EventType = "sendError"
	EventReadReceipt EventType = "readReceipt"
	EventPresence    EventType = "presence"
	EventJoined      EventType = "joined"
	EventError       EventType = "error"
)

// JoinPayload subscribes the connection to a conversation room.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// LeavePayload unsubscribes the connection from a conversation room.
type LeavePayload struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload submits a new message. TempID is echoed back in the ack,
// the sendError and the canonical message broadcast.
type SendPayload struct {
	ConversationID string   `json:"conversationId"`
	Content        string   `json:"content"`
	TempID         string   `json:"tempId"`
	Attachments    []string `json:"attachments,omitempty"`
}

// TypingPayload is the client's typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MarkReadPayload marks messages read. Empty MessageIDs means every unread
// message in the conversation sent by someone else.
type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// MessageEvent is the canonical message broadcast to a room.
type MessageEvent struct {
	chat.Message
	TempID string `json:"tempId,omitempty"`
}

// AckEvent is sent only to the originating connection after persistence.
type AckEvent struct {
	TempID    string `json:"tempId"`
	MessageID string `json:"messageId"`
}

// SendErrorEvent is sent only to the originating connection when a send fails.
type SendErrorEvent struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
}

// TypingEvent relays a typing signal to the other room members.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceiptEvent announces that UserID has read messages in a conversation.
type ReadReceiptEvent struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// PresenceStatus is the presence state of a subject.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceEvent carries a presence transition.
type PresenceEvent struct {
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
}

// JoinedEvent confirms a successful join to the joining connection.
type JoinedEvent struct {
	ConversationID string `json:"conversationId"`
}

// ErrorEvent reports a rejected inbound event. The connection stays open.
type ErrorEvent struct {
	Event          EventType `json:"event"`
	ConversationID string    `json:"conversationId,omitempty"`
	Reason         string    `json:"reason"`
}
