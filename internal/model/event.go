package model

// EventType names an invalidation event pushed over the event stream.
type EventType string

const (
	EventConversationChanged EventType = "conversation.changed"
	EventConversationDeleted EventType = "conversation.deleted"
	EventMessagesChanged     EventType = "messages.changed"
	EventTypingChanged       EventType = "typing.changed"
	EventUserStatus          EventType = "user.status"
)

// Event carries ids only. Receivers invalidate their caches and refetch.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Online         *bool     `json:"online,omitempty"`
}

// Notification is a web push payload.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
