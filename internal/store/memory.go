package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

// Memory is a process-local MessageStore and ConversationStore. It backs the
// "memory" database driver and the gateway tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*chat.Conversation
	pairs         map[string]string
	messages      map[string]*chat.Message
	byConv        map[string][]string
	lastCreated   time.Time
	now           func() time.Time
}

var (
	_ MessageStore      = (*Memory)(nil)
	_ ConversationStore = (*Memory)(nil)
)

// MemoryOption customises a Memory store.
type MemoryOption func(*Memory)

// WithNow overrides the clock used for CreatedAt.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		conversations: make(map[string]*chat.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]*chat.Message),
		byConv:        make(map[string][]string),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// stamp returns a creation time strictly after the previous one so history
// pages never split messages sharing a timestamp.
func (m *Memory) stamp() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastCreated) {
		t = m.lastCreated.Add(time.Microsecond)
	}
	m.lastCreated = t
	return t
}

func (m *Memory) conversation(id string) (*chat.Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	return c, nil
}

// Create implements MessageStore.
func (m *Memory) Create(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, fmt.Errorf("create message: %w: %v", chat.ErrPersistence, err)
	}
	if err := chat.ValidateContent(msg.Content); err != nil {
		return chat.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.conversation(msg.ConversationID); err != nil {
		return chat.Message{}, err
	}

	stored := msg.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = m.stamp()
	stored.ReadBy = []string{}
	m.messages[stored.ID] = &stored
	m.byConv[stored.ConversationID] = append(m.byConv[stored.ConversationID], stored.ID)
	return stored.Clone(), nil
}

// Find implements MessageStore.
func (m *Memory) Find(ctx context.Context, conversationID string, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, fmt.Errorf("find messages: %w: %v", chat.ErrPersistence, err)
	}
	limit := q.NormalizedLimit()

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byConv[conversationID]
	// walk newest first, stopping after limit+1 matches
	var picked []chat.Message
	for i := len(ids) - 1; i >= 0 && len(picked) <= limit; i-- {
		msg := m.messages[ids[i]]
		if !q.Before.IsZero() && !msg.CreatedAt.Before(q.Before) {
			continue
		}
		picked = append(picked, msg.Clone())
	}

	page := Page{HasMore: len(picked) > limit}
	if page.HasMore {
		picked = picked[:limit]
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	page.Messages = picked
	if page.HasMore {
		page.NextCursor = picked[0].CreatedAt
	}
	return page, nil
}

// MarkRead implements MessageStore.
func (m *Memory) MarkRead(ctx context.Context, conversationID, subjectID string, messageIDs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mark read: %w: %v", chat.ErrPersistence, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.conversation(conversationID); err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	var changed []string
	for _, id := range m.byConv[conversationID] {
		if len(wanted) > 0 {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		msg := m.messages[id]
		if msg.SenderID == subjectID {
			continue
		}
		if msg.MergeReadBy(subjectID) {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

// CountUnread implements MessageStore.
func (m *Memory) CountUnread(ctx context.Context, conversationID, subjectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("count unread: %w: %v", chat.ErrPersistence, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, id := range m.byConv[conversationID] {
		msg := m.messages[id]
		if msg.SenderID != subjectID && !msg.HasRead(subjectID) {
			n++
		}
	}
	return n, nil
}

// IsParticipant implements ConversationStore.
func (m *Memory) IsParticipant(ctx context.Context, conversationID, subjectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("is participant: %w: %v", chat.ErrPersistence, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.conversation(conversationID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(subjectID), nil
}

// IsAdmin implements ConversationStore.
func (m *Memory) IsAdmin(ctx context.Context, conversationID, subjectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("is admin: %w: %v", chat.ErrPersistence, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.conversation(conversationID)
	if err != nil {
		return false, err
	}
	return c.IsAdmin(subjectID), nil
}

// UpdateLastMessage implements ConversationStore.
func (m *Memory) UpdateLastMessage(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update last message: %w: %v", chat.ErrPersistence, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.conversation(conversationID)
	if err != nil {
		return err
	}
	c.LastMessageID = messageID
	c.UpdatedAt = m.now().UTC()
	return nil
}

// CreatePrivate implements ConversationStore.
func (m *Memory) CreatePrivate(ctx context.Context, subjectA, subjectB string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, fmt.Errorf("create private: %w: %v", chat.ErrPersistence, err)
	}
	pair := chat.UniqueParticipants(subjectA, subjectB)
	if len(pair) != 2 {
		return chat.Conversation{}, fmt.Errorf("%w: private conversation needs two distinct participants", chat.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := PairKey(pair[0], pair[1])
	if id, ok := m.pairs[key]; ok {
		return cloneConversation(m.conversations[id]), nil
	}

	now := m.now().UTC()
	c := &chat.Conversation{
		ID:           uuid.NewString(),
		Participants: pair,
		Admins:       append([]string{}, pair...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.conversations[c.ID] = c
	m.pairs[key] = c.ID
	return cloneConversation(c), nil
}

// CreateGroup implements ConversationStore. The creator is always a
// participant and the only admin.
func (m *Memory) CreateGroup(ctx context.Context, creatorID, name string, participants []string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, fmt.Errorf("create group: %w: %v", chat.ErrPersistence, err)
	}
	members := chat.UniqueParticipants(append([]string{creatorID}, participants...)...)
	if err := chat.ValidateGroup(name, members); err != nil {
		return chat.Conversation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	c := &chat.Conversation{
		ID:           uuid.NewString(),
		IsGroup:      true,
		Name:         strings.TrimSpace(name),
		Participants: members,
		Admins:       []string{strings.TrimSpace(creatorID)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.conversations[c.ID] = c
	return cloneConversation(c), nil
}

// Get implements ConversationStore.
func (m *Memory) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, fmt.Errorf("get conversation: %w: %v", chat.ErrPersistence, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.conversation(conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	return cloneConversation(c), nil
}

// Message returns a stored message by id.
func (m *Memory) Message(id string) (chat.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, false
	}
	return msg.Clone(), true
}

// Count returns the number of stored messages in a conversation.
func (m *Memory) Count(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConv[conversationID])
}

func cloneConversation(c *chat.Conversation) chat.Conversation {
	out := *c
	out.Participants = append([]string{}, c.Participants...)
	out.Admins = append([]string{}, c.Admins...)
	sort.Strings(out.Admins)
	return out
}
