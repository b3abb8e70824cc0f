// Package store declares the persistence collaborators used by the chat
// gateway and ships an in-memory implementation of them.
package store

import (
	"context"
	"time"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// Query selects a page of messages. Messages older than Before are returned
// when Before is set.
type Query struct {
	Before time.Time
	Limit  int
}

// NormalizedLimit clamps Limit to 1..MaxPageSize, defaulting to
// DefaultPageSize.
func (q Query) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}

// Page is one page of history in chronological order. NextCursor is the
// timestamp to pass as Before for the following page.
type Page struct {
	Messages   []chat.Message
	HasMore    bool
	NextCursor time.Time
}

// MessageStore persists messages and their read-sets.
type MessageStore interface {
	// Create persists msg, assigning its ID and CreatedAt.
	Create(ctx context.Context, msg chat.Message) (chat.Message, error)
	Find(ctx context.Context, conversationID string, q Query) (Page, error)
	// MarkRead adds subjectID to the read-set of messages sent by others.
	// Empty messageIDs selects every unread message in the conversation. It
	// returns the ids whose read-set changed.
	MarkRead(ctx context.Context, conversationID, subjectID string, messageIDs []string) ([]string, error)
	CountUnread(ctx context.Context, conversationID, subjectID string) (int, error)
}

// ConversationStore answers membership questions and keeps conversation
// metadata.
type ConversationStore interface {
	// IsParticipant returns an error wrapping chat.ErrNotFound for unknown
	// conversations.
	IsParticipant(ctx context.Context, conversationID, subjectID string) (bool, error)
	IsAdmin(ctx context.Context, conversationID, subjectID string) (bool, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID string) error
	// CreatePrivate returns the existing conversation for the pair when there
	// is one.
	CreatePrivate(ctx context.Context, subjectA, subjectB string) (chat.Conversation, error)
	CreateGroup(ctx context.Context, creatorID, name string, participants []string) (chat.Conversation, error)
	Get(ctx context.Context, conversationID string) (chat.Conversation, error)
}

// PairKey is the order-independent key of a private conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
