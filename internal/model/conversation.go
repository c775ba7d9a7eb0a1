package model

import "time"

// Conversation is a conversation as seen by one viewer: pin/archive/mute flags
// and the unread counter belong to the viewer's membership, not to the conversation.
type Conversation struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	IsGroup     bool         `json:"is_group"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	Members     []UserPublic `json:"members"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	IsPinned    bool         `json:"is_pinned"`
	IsArchived  bool         `json:"is_archived"`
	IsMuted     bool         `json:"is_muted"`
}

// LastMessage is the denormalized snapshot used for list ordering and previews.
type LastMessage struct {
	MessageID string    `json:"message_id,omitempty"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationMember is a membership row.
type ConversationMember struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
	IsPinned       bool      `json:"is_pinned"`
	IsArchived     bool      `json:"is_archived"`
	IsMuted        bool      `json:"is_muted"`
}

// MemberIDs returns ids of all members.
func (c *Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// HasMember reports whether userID is among the members.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// TypingUser is a transient typing-presence entry.
type TypingUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
