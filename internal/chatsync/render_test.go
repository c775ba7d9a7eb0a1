package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teamchat/internal/model"
)

func TestClassifyAndRender(t *testing.T) {
	fwd := "Bob"
	tests := []struct {
		name string
		msg  model.Message
		kind MessageView
		want string
	}{
		{"text", model.Message{Content: "hello"}, TextMessage{}, "hello"},
		{"edited", model.Message{Content: "bar", IsEdited: true}, TextMessage{}, "bar (edited)"},
		{"deleted hides content", model.Message{Content: "secret", IsDeleted: true,
			Attachments: []model.Attachment{{Type: model.AttachmentImage}}}, DeletedMessage{}, DeletedPlaceholder},
		{"attachment", model.Message{Content: "deck", Attachments: []model.Attachment{
			{Filename: "q3.pdf", Type: model.AttachmentFile, Size: 1500}}}, AttachmentMessage{}, "deck\n[file: q3.pdf, 1.5 kB]"},
		{"sticker", model.Message{Attachments: []model.Attachment{{Type: model.AttachmentSticker}}}, StickerMessage{}, "[sticker]"},
		{"voice", model.Message{Attachments: []model.Attachment{{Type: model.AttachmentVoice}}}, VoiceMessage{}, "[voice message]"},
		{"forwarded", model.Message{Content: "fyi", ForwardedFrom: &fwd}, TextMessage{}, "Forwarded from Bob\nfyi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(&tt.msg)
			assert.IsType(t, tt.kind, v)
			assert.Same(t, &tt.msg, v.Message())
			assert.Equal(t, tt.want, RenderPlain(v))
		})
	}
}

func TestReplyPreview(t *testing.T) {
	msgs := []model.Message{
		{ID: "m1", SenderName: "Alice", Content: "first"},
		{ID: "m2", SenderName: "Bob", Content: "gone", IsDeleted: true},
	}
	assert.Equal(t, "Alice: first", ReplyPreview(msgs, "m1"))
	assert.Equal(t, DeletedPlaceholder, ReplyPreview(msgs, "m2"))
	assert.Equal(t, MissingReply, ReplyPreview(msgs, "nope"))
}

func TestRenderTranscript(t *testing.T) {
	now := at("2024-03-15T12:00:00Z")
	missing := "m0"
	msgs := []model.Message{
		{ID: "m1", SenderName: "Alice", Content: "hi", CreatedAt: at("2024-03-14T09:00:00Z"),
			Reactions: []model.Reaction{{Emoji: "👍", UserID: "u2"}, {Emoji: "👍", UserID: "u3"}}},
		{ID: "m2", SenderName: "Bob", Content: "top secret", IsDeleted: true, CreatedAt: at("2024-03-15T09:00:00Z")},
		{ID: "m3", SenderName: "Bob", Content: "ok", ReplyToMessageID: &missing, CreatedAt: at("2024-03-15T09:05:00Z")},
	}

	out := RenderTranscript(msgs, "u1", now, time.UTC)
	want := "-- Yesterday --\n" +
		"[09:00] Alice: hi\n" +
		"  👍 2\n" +
		"-- Today --\n" +
		"[09:00] Bob: This message was deleted\n" +
		"  > message not found\n" +
		"[09:05] Bob: ok\n"
	assert.Equal(t, want, out)
	assert.NotContains(t, out, "top secret")
}
