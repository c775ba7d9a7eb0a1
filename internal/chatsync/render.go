package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/teamchat/internal/model"
)

const (
	DeletedPlaceholder = "This message was deleted"
	MissingReply       = "message not found"
)

// MessageView — вид сообщения для отрисовки. Набор вариантов закрыт.
type MessageView interface {
	Message() *model.Message
	isMessageView()
}

type TextMessage struct {
	Msg *model.Message
}

type DeletedMessage struct {
	Msg *model.Message
}

type AttachmentMessage struct {
	Msg         *model.Message
	Attachments []model.Attachment
}

type StickerMessage struct {
	Msg     *model.Message
	Sticker model.Attachment
}

type VoiceMessage struct {
	Msg   *model.Message
	Voice model.Attachment
}

func (v TextMessage) Message() *model.Message       { return v.Msg }
func (v DeletedMessage) Message() *model.Message    { return v.Msg }
func (v AttachmentMessage) Message() *model.Message { return v.Msg }
func (v StickerMessage) Message() *model.Message    { return v.Msg }
func (v VoiceMessage) Message() *model.Message      { return v.Msg }

func (TextMessage) isMessageView()       {}
func (DeletedMessage) isMessageView()    {}
func (AttachmentMessage) isMessageView() {}
func (StickerMessage) isMessageView()    {}
func (VoiceMessage) isMessageView()      {}

// Classify picks the variant. Deletion wins over everything; otherwise the first sticker or voice
// attachment decides, then any attachments, then plain text.
func Classify(m *model.Message) MessageView {
	if m.IsDeleted {
		return DeletedMessage{Msg: m}
	}
	for _, a := range m.Attachments {
		switch a.Type {
		case model.AttachmentSticker:
			return StickerMessage{Msg: m, Sticker: a}
		case model.AttachmentVoice:
			return VoiceMessage{Msg: m, Voice: a}
		}
	}
	if len(m.Attachments) > 0 {
		return AttachmentMessage{Msg: m, Attachments: m.Attachments}
	}
	return TextMessage{Msg: m}
}

// RenderPlain renders the body of one message as plain text.
func RenderPlain(v MessageView) string {
	var b strings.Builder
	m := v.Message()
	switch v := v.(type) {
	case DeletedMessage:
		return DeletedPlaceholder
	case TextMessage:
		b.WriteString(m.Content)
	case AttachmentMessage:
		b.WriteString(m.Content)
		for _, a := range v.Attachments {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "[%s: %s, %s]", a.Type, a.Filename, humanize.Bytes(uint64(max(a.Size, 0))))
		}
	case StickerMessage:
		b.WriteString("[sticker]")
	case VoiceMessage:
		b.WriteString("[voice message]")
	default:
		panic(fmt.Sprintf("chatsync: unknown message view %T", v))
	}
	if m.ForwardedFrom != nil && *m.ForwardedFrom != "" {
		return "Forwarded from " + *m.ForwardedFrom + "\n" + b.String() + editedSuffix(m)
	}
	return b.String() + editedSuffix(m)
}

func editedSuffix(m *model.Message) string {
	if m.IsEdited {
		return " (edited)"
	}
	return ""
}

// ReplyPreview describes the message with id for a reply quote. Dangling references are expected.
func ReplyPreview(msgs []model.Message, id string) string {
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		m := &msgs[i]
		if m.IsDeleted {
			return DeletedPlaceholder
		}
		return m.SenderName + ": " + truncate(RenderPlain(Classify(m)), 80)
	}
	return MissingReply
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// RenderTranscript renders a conversation as text: date headers, sender lines, reply quotes and reactions.
func RenderTranscript(msgs []model.Message, viewerID string, now time.Time, loc *time.Location) string {
	var b strings.Builder
	for _, e := range GroupByDate(msgs, now, loc) {
		if e.Kind == EntryDateHeader {
			fmt.Fprintf(&b, "-- %s --\n", e.Label)
			continue
		}
		m := e.Message
		if m.ReplyToMessageID != nil {
			fmt.Fprintf(&b, "  > %s\n", ReplyPreview(msgs, *m.ReplyToMessageID))
		}
		ts := m.CreatedAt
		if loc != nil {
			ts = ts.In(loc)
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts.Format("15:04"), m.SenderName, RenderPlain(Classify(m)))
		if m.IsDeleted {
			continue
		}
		groups := GroupReactions(m.Reactions, viewerID)
		if len(groups) == 0 {
			continue
		}
		parts := make([]string, 0, len(groups))
		for _, g := range groups {
			parts = append(parts, fmt.Sprintf("%s %d", g.Emoji, g.Count))
		}
		fmt.Fprintf(&b, "  %s\n", strings.Join(parts, "  "))
	}
	return b.String()
}
