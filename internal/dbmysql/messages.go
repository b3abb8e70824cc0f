package dbmysql

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/nexus-chat/internal/chat"
	"github.com/Tyrowin/nexus-chat/internal/store"
)

// Create implements store.MessageStore.
func (s *Store) Create(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := chat.ValidateContent(msg.Content); err != nil {
		return chat.Message{}, err
	}

	row := Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Attachments:    append([]string{}, msg.Attachments...),
		CreatedAt:      s.stamp(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.Select("id").Where("id = ?", row.ConversationID).First(&conv).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	return row.toChat(nil), nil
}

// Find implements store.MessageStore.
func (s *Store) Find(ctx context.Context, conversationID string, q store.Query) (store.Page, error) {
	limit := q.NormalizedLimit()

	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !q.Before.IsZero() {
		query = query.Where("created_at < ?", q.Before.UTC())
	}

	var rows []Message
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return store.Page{}, wrap("find messages", err)
	}

	page := store.Page{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}

	readBy, err := s.readSets(ctx, rows)
	if err != nil {
		return store.Page{}, err
	}

	page.Messages = make([]chat.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, rows[i].toChat(readBy[rows[i].ID]))
	}
	if page.HasMore {
		page.NextCursor = page.Messages[0].CreatedAt
	}
	return page, nil
}

func (s *Store) readSets(ctx context.Context, rows []Message) (map[string][]string, error) {
	out := make(map[string][]string, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}

	var reads []MessageRead
	err := s.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("read_at ASC").
		Find(&reads).Error
	if err != nil {
		return nil, wrap("load read sets", err)
	}
	for _, r := range reads {
		out[r.MessageID] = append(out[r.MessageID], r.SubjectID)
	}
	return out, nil
}

// MarkRead implements store.MessageStore.
func (s *Store) MarkRead(ctx context.Context, conversationID, subjectID string, messageIDs []string) ([]string, error) {
	var changed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.Select("id").Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return err
		}

		query := tx.Model(&Message{}).
			Where("conversation_id = ? AND sender_id <> ?", conversationID, subjectID).
			Where("id NOT IN (?)", tx.Model(&MessageRead{}).Select("message_id").Where("subject_id = ?", subjectID))
		if len(messageIDs) > 0 {
			query = query.Where("id IN ?", messageIDs)
		}

		var unread []Message
		if err := query.Select("id", "created_at").Order("created_at ASC").Order("id ASC").Find(&unread).Error; err != nil {
			return err
		}
		if len(unread) == 0 {
			return nil
		}

		now := s.now().UTC()
		reads := make([]MessageRead, 0, len(unread))
		for _, m := range unread {
			reads = append(reads, MessageRead{
				MessageID:      m.ID,
				SubjectID:      subjectID,
				ConversationID: conversationID,
				ReadAt:         now,
			})
			changed = append(changed, m.ID)
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads).Error
	})
	if err != nil {
		return nil, wrap("mark read", err)
	}
	return changed, nil
}

// CountUnread implements store.MessageStore.
func (s *Store) CountUnread(ctx context.Context, conversationID, subjectID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, subjectID).
		Where("id NOT IN (?)", s.db.Model(&MessageRead{}).Select("message_id").Where("subject_id = ?", subjectID)).
		Count(&n).Error
	if err != nil {
		return 0, wrap("count unread", err)
	}
	return int(n), nil
}
