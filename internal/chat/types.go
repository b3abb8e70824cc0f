// Package chat defines the domain types shared by the realtime gateway and
// its clients: messages, conversations, and the error taxonomy used on the wire.
package chat

import (
	"time"
)

// Message is the canonical, persisted chat message. Everything except ReadBy
// is immutable once the store has assigned an ID.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Attachments    []string  `json:"attachments"`
	ReadBy         []string  `json:"readBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers can hand messages across goroutines.
func (m Message) Clone() Message {
	out := m
	out.Attachments = append([]string{}, m.Attachments...)
	out.ReadBy = append([]string{}, m.ReadBy...)
	return out
}

// HasRead reports whether subjectID is in the read-set.
func (m Message) HasRead(subjectID string) bool {
	for _, id := range m.ReadBy {
		if id == subjectID {
			return true
		}
	}
	return false
}

// MergeReadBy adds the given subjects to the read-set. The set only grows.
func (m *Message) MergeReadBy(subjects ...string) bool {
	changed := false
	for _, s := range subjects {
		if s == "" || m.HasRead(s) {
			continue
		}
		m.ReadBy = append(m.ReadBy, s)
		changed = true
	}
	return changed
}

// Conversation is the routing-relevant view of a conversation.
type Conversation struct {
	ID            string    `json:"id"`
	IsGroup       bool      `json:"isGroup"`
	Name          string    `json:"name,omitempty"`
	Participants  []string  `json:"participants"`
	Admins        []string  `json:"admins"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasParticipant reports whether subjectID belongs to the conversation.
func (c Conversation) HasParticipant(subjectID string) bool {
	for _, p := range c.Participants {
		if p == subjectID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether subjectID administers the conversation. Private
// conversations are administered by both participants.
func (c Conversation) IsAdmin(subjectID string) bool {
	if !c.IsGroup {
		return c.HasParticipant(subjectID)
	}
	for _, a := range c.Admins {
		if a == subjectID {
			return true
		}
	}
	return false
}
