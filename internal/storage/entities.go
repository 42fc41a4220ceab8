package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChatType is the kind of chat, stored as text in chats.chat_type
type ChatType string

const (
	ChatDirect  ChatType = "Direct"
	ChatGroup   ChatType = "Group"
	ChatChannel ChatType = "Channel"
)

// Valid reports whether t is one of the known chat types
func (t ChatType) Valid() bool {
	switch t {
	case ChatDirect, ChatGroup, ChatChannel:
		return true
	}
	return false
}

// MessageType is the kind of message content
type MessageType string

const (
	MessageText   MessageType = "Text"
	MessageImage  MessageType = "Image"
	MessageFile   MessageType = "File"
	MessageSystem MessageType = "System"
)

// ParseMessageType returns the MessageType named by s or an error for unknown names
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return t, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// Role is a participant role within a chat
type Role string

const (
	RoleOwner  Role = "Owner"
	RoleAdmin  Role = "Admin"
	RoleMember Role = "Member"
)

type Chat struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      ChatType  `json:"chat_type"`
	CreatorID int64     `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChatParticipant struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// Message is a chat message. ID is zero until the message is stored.
type Message struct {
	ID        int64
	ChatID    int64
	SenderID  int64
	Content   string
	Type      MessageType
	CreatedAt time.Time
	IsEdited  bool
	EditedAt  *time.Time
}

type messageJSON struct {
	ID        int64       `json:"id,omitempty"`
	ChatID    int64       `json:"chat_id"`
	SenderID  int64       `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type"`
	CreatedAt *time.Time  `json:"created_at,omitempty"`
	IsEdited  bool        `json:"is_edited"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
}

// MarshalJSON omits id and created_at while they are unset
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:       m.ID,
		ChatID:   m.ChatID,
		SenderID: m.SenderID,
		Content:  m.Content,
		Type:     m.Type,
		IsEdited: m.IsEdited,
		EditedAt: m.EditedAt,
	}
	if !m.CreatedAt.IsZero() {
		createdAt := m.CreatedAt
		out.CreatedAt = &createdAt
	}
	return json.Marshal(out)
}
