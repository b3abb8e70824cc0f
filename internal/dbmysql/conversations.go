package dbmysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/store"
)

func (s *Store) exists(tx *gorm.DB, conversationID string) error {
	var conv Conversation
	return tx.Select("id").Where("id = ?", conversationID).First(&conv).Error
}

// IsParticipant implements store.ConversationStore.
func (s *Store) IsParticipant(ctx context.Context, conversationID, subjectID string) (bool, error) {
	db := s.db.WithContext(ctx)
	if err := s.exists(db, conversationID); err != nil {
		return false, wrap("is participant", err)
	}

	var n int64
	err := db.Model(&Participant{}).
		Where("conversation_id = ? AND subject_id = ?", conversationID, subjectID).
		Count(&n).Error
	if err != nil {
		return false, wrap("is participant", err)
	}
	return n > 0, nil
}

// IsAdmin implements store.ConversationStore.
func (s *Store) IsAdmin(ctx context.Context, conversationID, subjectID string) (bool, error) {
	db := s.db.WithContext(ctx)
	if err := s.exists(db, conversationID); err != nil {
		return false, wrap("is admin", err)
	}

	var n int64
	err := db.Model(&Participant{}).
		Where("conversation_id = ? AND subject_id = ? AND is_admin = ?", conversationID, subjectID, true).
		Count(&n).Error
	if err != nil {
		return false, wrap("is admin", err)
	}
	return n > 0, nil
}

// UpdateLastMessage implements store.ConversationStore.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID, messageID string) error {
	res := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{"last_message_id": messageID, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return wrap("update last message", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("update last message", gorm.ErrRecordNotFound)
	}
	return nil
}

// CreatePrivate implements store.ConversationStore. A concurrent insert for
// the same pair loses on the unique pair key and returns the winner's row.
func (s *Store) CreatePrivate(ctx context.Context, subjectA, subjectB string) (chat.Conversation, error) {
	pair := chat.UniqueParticipants(subjectA, subjectB)
	if len(pair) != 2 {
		return chat.Conversation{}, fmt.Errorf("%w: private conversation needs two distinct participants", chat.ErrValidation)
	}
	key := store.PairKey(pair[0], pair[1])

	if conv, err := s.byPairKey(ctx, key); err == nil {
		return conv, nil
	}

	now := s.now().UTC()
	row := Conversation{ID: uuid.NewString(), PairKey: &key, CreatedAt: now, UpdatedAt: now}
	participants := []Participant{
		{ConversationID: row.ID, SubjectID: pair[0], IsAdmin: true, Position: 0, JoinedAt: now},
		{ConversationID: row.ID, SubjectID: pair[1], IsAdmin: true, Position: 1, JoinedAt: now},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&participants).Error
	})
	if err != nil {
		if conv, lookupErr := s.byPairKey(ctx, key); lookupErr == nil {
			return conv, nil
		}
		return chat.Conversation{}, wrap("create private conversation", err)
	}
	return row.toChat(participants), nil
}

func (s *Store) byPairKey(ctx context.Context, key string) (chat.Conversation, error) {
	var row Conversation
	if err := s.db.WithContext(ctx).Where("pair_key = ?", key).First(&row).Error; err != nil {
		return chat.Conversation{}, wrap("find private conversation", err)
	}
	return s.load(ctx, row)
}

// CreateGroup implements store.ConversationStore.
func (s *Store) CreateGroup(ctx context.Context, creatorID, name string, participants []string) (chat.Conversation, error) {
	members := chat.UniqueParticipants(append([]string{creatorID}, participants...)...)
	if err := chat.ValidateGroup(name, members); err != nil {
		return chat.Conversation{}, err
	}

	now := s.now().UTC()
	row := Conversation{ID: uuid.NewString(), IsGroup: true, Name: strings.TrimSpace(name), CreatedAt: now, UpdatedAt: now}
	rows := make([]Participant, 0, len(members))
	for i, id := range members {
		rows = append(rows, Participant{
			ConversationID: row.ID,
			SubjectID:      id,
			IsAdmin:        i == 0,
			Position:       i,
			JoinedAt:       now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return chat.Conversation{}, wrap("create group", err)
	}
	return row.toChat(rows), nil
}

// Get implements store.ConversationStore.
func (s *Store) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var row Conversation
	if err := s.db.WithContext(ctx).Where("id = ?", conversationID).First(&row).Error; err != nil {
		return chat.Conversation{}, wrap("get conversation", err)
	}
	return s.load(ctx, row)
}

func (s *Store) load(ctx context.Context, row Conversation) (chat.Conversation, error) {
	var participants []Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", row.ID).
		Order("position ASC").
		Find(&participants).Error
	if err != nil {
		return chat.Conversation{}, wrap("load participants", err)
	}
	return row.toChat(participants), nil
}
