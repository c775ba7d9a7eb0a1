package model

import "time"

type MessageKind string

const (
	MessageKindText       MessageKind = "text"
	MessageKindAttachment MessageKind = "attachment"
	MessageKindSticker    MessageKind = "sticker"
	MessageKindVoice      MessageKind = "voice"
)

type AttachmentType string

const (
	AttachmentImage   AttachmentType = "image"
	AttachmentFile    AttachmentType = "file"
	AttachmentVoice   AttachmentType = "voice"
	AttachmentSticker AttachmentType = "sticker"
)

// DeliveryStatus is a client-side annotation for just-sent messages. It is never persisted.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	SenderID         string         `json:"sender_id"`
	SenderName       string         `json:"sender_name"`
	SenderAvatar     string         `json:"sender_avatar,omitempty"`
	Content          string         `json:"content"`
	Kind             MessageKind    `json:"kind"`
	Attachments      []Attachment   `json:"attachments"`
	Reactions        []Reaction     `json:"reactions"`
	ReadBy           []ReadReceipt  `json:"read_by"`
	ReplyToMessageID *string        `json:"reply_to_message_id,omitempty"`
	ForwardedFrom    *string        `json:"forwarded_from,omitempty"`
	IsEdited         bool           `json:"is_edited"`
	EditedAt         *time.Time     `json:"edited_at,omitempty"`
	IsDeleted        bool           `json:"is_deleted"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type Attachment struct {
	ID       string         `json:"id"`
	Filename string         `json:"filename"`
	URL      string         `json:"url"`
	Size     int64          `json:"size"`
	Type     AttachmentType `json:"type"`
}

type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

type ReadReceipt struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	ReadAt   time.Time `json:"read_at"`
}

// KindFor derives the stored kind hint from attachments.
func KindFor(attachments []Attachment) MessageKind {
	if len(attachments) == 0 {
		return MessageKindText
	}
	switch attachments[0].Type {
	case AttachmentSticker:
		return MessageKindSticker
	case AttachmentVoice:
		return MessageKindVoice
	}
	return MessageKindAttachment
}

// PushSubscription — подписка браузера на Web Push.
type PushSubscription struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}
