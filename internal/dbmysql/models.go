package dbmysql

import (
	"time"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

type Conversation struct {
	ID            string  `gorm:"primaryKey;size:36"`
	IsGroup       bool    `gorm:"not null;default:false"`
	Name          string  `gorm:"size:100"`
	PairKey       *string `gorm:"size:160;uniqueIndex"`
	LastMessageID string  `gorm:"size:36"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Participant struct {
	ConversationID string `gorm:"primaryKey;size:36"`
	SubjectID      string `gorm:"primaryKey;size:64;index"`
	IsAdmin        bool   `gorm:"not null;default:false"`
	Position       int    `gorm:"not null;default:0"`
	JoinedAt       time.Time
}

type Message struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ConversationID string    `gorm:"size:36;not null;index:idx_messages_conv_created,priority:1"`
	SenderID       string    `gorm:"size:64;not null;index"`
	Content        string    `gorm:"type:text;not null"`
	Attachments    []string  `gorm:"type:text;serializer:json"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conv_created,priority:2"`
}

type MessageRead struct {
	MessageID      string `gorm:"primaryKey;size:36"`
	SubjectID      string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:36;not null;index"`
	ReadAt         time.Time
}

func (m Message) toChat(readBy []string) chat.Message {
	out := chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Attachments:    append([]string{}, m.Attachments...),
		ReadBy:         append([]string{}, readBy...),
		CreatedAt:      m.CreatedAt.UTC(),
	}
	return out
}

func (c Conversation) toChat(participants []Participant) chat.Conversation {
	out := chat.Conversation{
		ID:            c.ID,
		IsGroup:       c.IsGroup,
		Name:          c.Name,
		LastMessageID: c.LastMessageID,
		CreatedAt:     c.CreatedAt.UTC(),
		UpdatedAt:     c.UpdatedAt.UTC(),
		Participants:  []string{},
		Admins:        []string{},
	}
	for _, p := range participants {
		out.Participants = append(out.Participants, p.SubjectID)
		if p.IsAdmin {
			out.Admins = append(out.Admins, p.SubjectID)
		}
	}
	return out
}
