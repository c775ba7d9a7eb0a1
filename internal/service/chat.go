package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/storage"
)

const (
	MaxContentRunes  = 4000
	MaxNameRunes     = 100
	MaxEmojiBytes    = 32
	DefaultTypingTTL = 6 * time.Second

	notifyTimeout = 10 * time.Second
)

// ConversationStore defines the interface for conversation storage
type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation, memberIDs []string) error
	GetByID(ctx context.Context, id, viewerID string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	FindDirect(ctx context.Context, a, b string) (string, error)
	IsMember(ctx context.Context, convID, userID string) (bool, error)
	Memberships(ctx context.Context, convID string) ([]model.ConversationMember, error)
	MemberIDs(ctx context.Context, convID string) ([]string, error)
	Rename(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
	SetPinned(ctx context.Context, convID, userID string, v bool) error
	SetArchived(ctx context.Context, convID, userID string, v bool) error
	SetMuted(ctx context.Context, convID, userID string, v bool) error
	UpdateLastMessage(ctx context.Context, convID string, lm *model.LastMessage) error
	MarkRead(ctx context.Context, convID, userID string, upTo time.Time) error
}

// MessageStore defines the interface for message storage
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	ListByConversation(ctx context.Context, convID string) ([]model.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string) error
	Latest(ctx context.Context, convID string) (*model.Message, error)
	AddReceipts(ctx context.Context, convID, userID string, upTo, at time.Time) error
}

// ReactionStore defines the interface for reaction storage
type ReactionStore interface {
	Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (bool, error)
}

// UserStore defines the interface for participant storage
type UserStore interface {
	Upsert(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]model.User, error)
	List(ctx context.Context) ([]model.User, error)
	SetOnline(ctx context.Context, userID string, online bool) error
}

// EventPublisher fans invalidation events out to connected users.
type EventPublisher interface {
	Publish(userIDs []string, ev model.Event)
}

// Notifier delivers web push notifications.
type Notifier interface {
	Notify(ctx context.Context, userID string, n model.Notification) error
}

type nopPublisher struct{}

func (nopPublisher) Publish([]string, model.Event) {}

// Deps groups ChatService collaborators. Events and Notifier are optional.
type Deps struct {
	Conversations ConversationStore
	Messages      MessageStore
	Reactions     ReactionStore
	Users         UserStore
	Typing        storage.TypingStore
	Events        EventPublisher
	Notifier      Notifier
	TypingTTL     time.Duration
	Now           func() time.Time
	NewID         func() string
}

// ChatService owns conversation, message and typing rules.
type ChatService struct {
	convs     ConversationStore
	msgs      MessageStore
	reactions ReactionStore
	users     UserStore
	typing    storage.TypingStore
	events    EventPublisher
	notifier  Notifier
	typingTTL time.Duration
	now       func() time.Time
	newID     func() string
}

func NewChatService(d Deps) *ChatService {
	s := &ChatService{
		convs:     d.Conversations,
		msgs:      d.Messages,
		reactions: d.Reactions,
		users:     d.Users,
		typing:    d.Typing,
		events:    d.Events,
		notifier:  d.Notifier,
		typingTTL: d.TypingTTL,
		now:       d.Now,
		newID:     d.NewID,
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.typingTTL <= 0 {
		s.typingTTL = DefaultTypingTTL
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// SendInput is the body of a send request.
type SendInput struct {
	Content          string             `json:"content"`
	Attachments      []model.Attachment `json:"attachments"`
	MentionedUserIDs []string           `json:"mentioned_user_ids"`
	ReplyToID        string             `json:"reply_to_id"`
	ForwardedFrom    string             `json:"forwarded_from"`
}

// --- conversations ---

func (s *ChatService) ListConversations(ctx context.Context, viewerID string) ([]model.Conversation, error) {
	convs, err := s.convs.ListForUser(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListConversations: %w", err)
	}
	return convs, nil
}

func (s *ChatService) GetConversation(ctx context.Context, viewerID, convID string) (*model.Conversation, error) {
	c, err := s.convs.GetByID(ctx, convID, viewerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("chatService.GetConversation: %w", err)
	}
	return c, nil
}

// CreateDirect returns the existing direct conversation with otherID when there is one;
// created reports whether a new conversation was made.
func (s *ChatService) CreateDirect(ctx context.Context, viewerID, otherID string) (conv *model.Conversation, created bool, err error) {
	defer logger.DeferLogDuration("chatService.CreateDirect", time.Now())()
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return nil, false, invalid("user_id is required")
	}
	if otherID == viewerID {
		return nil, false, invalid("cannot start a conversation with yourself")
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, invalid("user not found")
		}
		return nil, false, fmt.Errorf("chatService.CreateDirect user: %w", err)
	}

	existing, err := s.convs.FindDirect(ctx, viewerID, otherID)
	switch {
	case err == nil:
		c, err := s.GetConversation(ctx, viewerID, existing)
		return c, false, err
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, fmt.Errorf("chatService.CreateDirect find: %w", err)
	}

	c := &model.Conversation{
		ID:        s.newID(),
		IsGroup:   false,
		CreatedBy: viewerID,
		CreatedAt: s.now(),
	}
	members := []string{viewerID, otherID}
	if err := s.convs.Create(ctx, c, members); err != nil {
		return nil, false, fmt.Errorf("chatService.CreateDirect: %w", err)
	}
	s.events.Publish(members, model.Event{Type: model.EventConversationChanged, ConversationID: c.ID})
	out, err := s.GetConversation(ctx, viewerID, c.ID)
	return out, true, err
}

// CreateGroup creates a named group of the viewer plus at least two other members.
func (s *ChatService) CreateGroup(ctx context.Context, viewerID, name string, memberIDs []string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("chatService.CreateGroup", time.Now())()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("group name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameRunes {
		return nil, invalid(fmt.Sprintf("group name is longer than %d characters", MaxNameRunes))
	}
	others := dedupe(memberIDs, viewerID)
	if len(others) < 2 {
		return nil, invalid("a group needs at least two other members")
	}
	found, err := s.users.GetByIDs(ctx, others)
	if err != nil {
		return nil, fmt.Errorf("chatService.CreateGroup users: %w", err)
	}
	if len(found) != len(others) {
		return nil, invalid("user not found")
	}

	c := &model.Conversation{
		ID:        s.newID(),
		Name:      name,
		IsGroup:   true,
		CreatedBy: viewerID,
		CreatedAt: s.now(),
	}
	members := append([]string{viewerID}, others...)
	if err := s.convs.Create(ctx, c, members); err != nil {
		return nil, fmt.Errorf("chatService.CreateGroup: %w", err)
	}
	s.events.Publish(members, model.Event{Type: model.EventConversationChanged, ConversationID: c.ID})
	return s.GetConversation(ctx, viewerID, c.ID)
}

func (s *ChatService) Rename(ctx context.Context, viewerID, convID, name string) (*model.Conversation, error) {
	c, err := s.GetConversation(ctx, viewerID, convID)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if c.IsGroup && name == "" {
		return nil, invalid("group name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameRunes {
		return nil, invalid(fmt.Sprintf("name is longer than %d characters", MaxNameRunes))
	}
	if err := s.convs.Rename(ctx, convID, name); err != nil {
		return nil, fmt.Errorf("chatService.Rename: %w", err)
	}
	s.events.Publish(c.MemberIDs(), model.Event{Type: model.EventConversationChanged, ConversationID: convID})
	return s.GetConversation(ctx, viewerID, convID)
}

// Delete removes the conversation for every member.
func (s *ChatService) Delete(ctx context.Context, viewerID, convID string) error {
	c, err := s.GetConversation(ctx, viewerID, convID)
	if err != nil {
		return err
	}
	if err := s.convs.Delete(ctx, convID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("conversation not found")
		}
		return fmt.Errorf("chatService.Delete: %w", err)
	}
	s.events.Publish(c.MemberIDs(), model.Event{Type: model.EventConversationDeleted, ConversationID: convID})
	return nil
}

func (s *ChatService) SetPinned(ctx context.Context, viewerID, convID string, v bool) (*model.Conversation, error) {
	return s.setFlag(ctx, viewerID, convID, v, s.convs.SetPinned)
}

func (s *ChatService) SetArchived(ctx context.Context, viewerID, convID string, v bool) (*model.Conversation, error) {
	return s.setFlag(ctx, viewerID, convID, v, s.convs.SetArchived)
}

func (s *ChatService) SetMuted(ctx context.Context, viewerID, convID string, v bool) (*model.Conversation, error) {
	return s.setFlag(ctx, viewerID, convID, v, s.convs.SetMuted)
}

func (s *ChatService) setFlag(ctx context.Context, viewerID, convID string, v bool,
	set func(ctx context.Context, convID, userID string, v bool) error) (*model.Conversation, error) {
	if err := set(ctx, convID, viewerID, v); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("conversation not found")
		}
		return nil, fmt.Errorf("chatService.setFlag: %w", err)
	}
	s.events.Publish([]string{viewerID}, model.Event{Type: model.EventConversationChanged, ConversationID: convID})
	return s.GetConversation(ctx, viewerID, convID)
}

// MarkRead marks the conversation read up to messageID, or up to the latest message when empty.
func (s *ChatService) MarkRead(ctx context.Context, viewerID, convID, messageID string) error {
	defer logger.DeferLogDuration("chatService.MarkRead", time.Now())()
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return err
	}
	now := s.now()
	upTo := now
	if messageID != "" {
		m, err := s.messageIn(ctx, convID, messageID)
		if err != nil {
			return err
		}
		upTo = m.CreatedAt
	} else {
		latest, err := s.msgs.Latest(ctx, convID)
		if err != nil {
			return fmt.Errorf("chatService.MarkRead latest: %w", err)
		}
		if latest != nil && latest.CreatedAt.After(upTo) {
			upTo = latest.CreatedAt
		}
	}
	if err := s.convs.MarkRead(ctx, convID, viewerID, upTo); err != nil {
		return fmt.Errorf("chatService.MarkRead: %w", err)
	}
	if err := s.msgs.AddReceipts(ctx, convID, viewerID, upTo, now); err != nil {
		return fmt.Errorf("chatService.MarkRead receipts: %w", err)
	}
	s.events.Publish([]string{viewerID}, model.Event{Type: model.EventConversationChanged, ConversationID: convID})
	if ids, err := s.convs.MemberIDs(ctx, convID); err == nil {
		s.events.Publish(ids, model.Event{Type: model.EventMessagesChanged, ConversationID: convID})
	}
	return nil
}

// --- messages ---

func (s *ChatService) ListMessages(ctx context.Context, viewerID, convID string) ([]model.Message, error) {
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return nil, err
	}
	msgs, err := s.msgs.ListByConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListMessages: %w", err)
	}
	return msgs, nil
}

func (s *ChatService) SendMessage(ctx context.Context, viewerID, convID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("chatService.SendMessage", time.Now())()
	c, err := s.GetConversation(ctx, viewerID, convID)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, viewerID, c, in)
}

func (s *ChatService) send(ctx context.Context, viewerID string, c *model.Conversation, in SendInput) (*model.Message, error) {
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, invalid("message content is empty")
	}
	if utf8.RuneCountInString(in.Content) > MaxContentRunes {
		return nil, invalid(fmt.Sprintf("message is longer than %d characters", MaxContentRunes))
	}
	atts, err := s.normalizeAttachments(in.Attachments)
	if err != nil {
		return nil, err
	}

	var replyTo *string
	if in.ReplyToID != "" {
		target, err := s.msgs.GetByID(ctx, in.ReplyToID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("chatService.send reply: %w", err)
		}
		if target == nil || target.ConversationID != c.ID {
			return nil, invalid("reply target not found")
		}
		id := target.ID
		replyTo = &id
	}

	sender, err := s.users.GetByID(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("chatService.send sender: %w", err)
	}

	m := &model.Message{
		ID:               s.newID(),
		ConversationID:   c.ID,
		SenderID:         viewerID,
		SenderName:       sender.Username,
		SenderAvatar:     sender.AvatarURL,
		Content:          in.Content,
		Kind:             model.KindFor(atts),
		Attachments:      atts,
		Reactions:        []model.Reaction{},
		ReadBy:           []model.ReadReceipt{},
		ReplyToMessageID: replyTo,
		CreatedAt:        s.now(),
	}
	if in.ForwardedFrom != "" {
		f := in.ForwardedFrom
		m.ForwardedFrom = &f
	}
	if err := s.msgs.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("chatService.send: %w", err)
	}
	metrics.MessagesSent.Inc()
	if err := s.convs.UpdateLastMessage(ctx, c.ID, &model.LastMessage{
		MessageID: m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("chatService.send snapshot: %w", err)
	}
	if err := s.typing.ClearTyping(ctx, c.ID, viewerID); err != nil {
		logger.Errorf("chatService.send clear typing conv=%s user=%s: %v", c.ID, viewerID, err)
	}

	members := c.MemberIDs()
	s.events.Publish(members, model.Event{Type: model.EventMessagesChanged, ConversationID: c.ID, MessageID: m.ID})
	s.events.Publish(members, model.Event{Type: model.EventConversationChanged, ConversationID: c.ID})
	s.notifyRecipients(ctx, c, m, in.MentionedUserIDs)
	return m, nil
}

func (s *ChatService) normalizeAttachments(in []model.Attachment) ([]model.Attachment, error) {
	out := make([]model.Attachment, 0, len(in))
	for _, a := range in {
		if strings.TrimSpace(a.URL) == "" {
			return nil, invalid("attachment url is required")
		}
		switch a.Type {
		case model.AttachmentImage, model.AttachmentFile, model.AttachmentVoice, model.AttachmentSticker:
		case "":
			a.Type = model.AttachmentFile
		default:
			return nil, invalid("unknown attachment type: " + string(a.Type))
		}
		if a.Size < 0 {
			return nil, invalid("attachment size is negative")
		}
		if a.ID == "" {
			a.ID = s.newID()
		}
		out = append(out, a)
	}
	return out, nil
}

// notifyRecipients pushes to mentioned members, or to the other member of a direct conversation,
// skipping members who muted the conversation. Delivery runs in the background.
func (s *ChatService) notifyRecipients(ctx context.Context, c *model.Conversation, m *model.Message, mentioned []string) {
	if s.notifier == nil {
		return
	}
	memberships, err := s.convs.Memberships(ctx, c.ID)
	if err != nil {
		logger.Errorf("chatService.notify memberships conv=%s: %v", c.ID, err)
		return
	}
	muted := make(map[string]bool, len(memberships))
	for _, mb := range memberships {
		muted[mb.UserID] = mb.IsMuted
	}

	var recipients []string
	if c.IsGroup {
		for _, id := range dedupe(mentioned, m.SenderID) {
			if _, member := muted[id]; member {
				recipients = append(recipients, id)
			}
		}
	} else {
		for _, id := range c.MemberIDs() {
			if id != m.SenderID {
				recipients = append(recipients, id)
			}
		}
	}

	title := m.SenderName
	if c.IsGroup {
		title = c.Name + ": " + m.SenderName
	}
	n := model.Notification{
		Title: title,
		Body:  notificationBody(m),
		Data:  map[string]string{"conversation_id": c.ID, "message_id": m.ID},
	}
	for _, uid := range recipients {
		if muted[uid] {
			continue
		}
		go func(uid string) {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()
			if err := s.notifier.Notify(pctx, uid, n); err != nil {
				logger.Errorf("chatService.notify user=%s: %v", uid, err)
			}
		}(uid)
	}
}

func notificationBody(m *model.Message) string {
	if m.Content != "" {
		if utf8.RuneCountInString(m.Content) > 140 {
			r := []rune(m.Content)
			return string(r[:140]) + "…"
		}
		return m.Content
	}
	switch m.Kind {
	case model.MessageKindVoice:
		return "Voice message"
	case model.MessageKindSticker:
		return "Sticker"
	}
	return "Attachment"
}

// EditMessage replaces the content of the viewer's own message.
func (s *ChatService) EditMessage(ctx context.Context, viewerID, convID, msgID, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("chatService.EditMessage", time.Now())()
	m, err := s.ownMessage(ctx, viewerID, convID, msgID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, invalid("cannot edit a deleted message")
	}
	if strings.TrimSpace(content) == "" && len(m.Attachments) == 0 {
		return nil, invalid("message content is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return nil, invalid(fmt.Sprintf("message is longer than %d characters", MaxContentRunes))
	}
	editedAt := s.now()
	if err := s.msgs.UpdateContent(ctx, msgID, content, editedAt); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, invalid("cannot edit a deleted message")
		}
		return nil, fmt.Errorf("chatService.EditMessage: %w", err)
	}
	if err := s.refreshSnapshot(ctx, convID, msgID); err != nil {
		return nil, err
	}
	s.publishMessageChange(ctx, convID, msgID, true)
	return s.msgs.GetByID(ctx, msgID)
}

// DeleteMessage soft-deletes the viewer's own message. Deleting twice is a no-op.
func (s *ChatService) DeleteMessage(ctx context.Context, viewerID, convID, msgID string) (*model.Message, error) {
	defer logger.DeferLogDuration("chatService.DeleteMessage", time.Now())()
	m, err := s.ownMessage(ctx, viewerID, convID, msgID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return m, nil
	}
	if err := s.msgs.SoftDelete(ctx, msgID); err != nil {
		return nil, fmt.Errorf("chatService.DeleteMessage: %w", err)
	}
	if err := s.refreshSnapshot(ctx, convID, msgID); err != nil {
		return nil, err
	}
	s.publishMessageChange(ctx, convID, msgID, true)
	return s.msgs.GetByID(ctx, msgID)
}

// refreshSnapshot rewrites lastMessage when it mirrors msgID, so edits and deletions
// reach the conversation list too.
func (s *ChatService) refreshSnapshot(ctx context.Context, convID, msgID string) error {
	latest, err := s.msgs.Latest(ctx, convID)
	if err != nil {
		return fmt.Errorf("chatService.refreshSnapshot: %w", err)
	}
	if latest == nil || latest.ID != msgID {
		return nil
	}
	if err := s.convs.UpdateLastMessage(ctx, convID, &model.LastMessage{
		MessageID: latest.ID,
		Content:   latest.Content,
		SenderID:  latest.SenderID,
		CreatedAt: latest.CreatedAt,
	}); err != nil {
		return fmt.Errorf("chatService.refreshSnapshot: %w", err)
	}
	return nil
}

// ToggleReaction adds the viewer's emoji reaction or removes it when already present.
func (s *ChatService) ToggleReaction(ctx context.Context, viewerID, convID, msgID, emoji string) (*model.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, invalid("emoji is required")
	}
	if len(emoji) > MaxEmojiBytes {
		return nil, invalid("emoji is too long")
	}
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return nil, err
	}
	m, err := s.messageIn(ctx, convID, msgID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, invalid("cannot react to a deleted message")
	}
	if _, err := s.reactions.Toggle(ctx, msgID, viewerID, emoji, s.now()); err != nil {
		return nil, fmt.Errorf("chatService.ToggleReaction: %w", err)
	}
	s.publishMessageChange(ctx, convID, msgID, false)
	return s.msgs.GetByID(ctx, msgID)
}

// ForwardMessage copies a message into targetConvID, marking its provenance.
func (s *ChatService) ForwardMessage(ctx context.Context, viewerID, convID, msgID, targetConvID string) (*model.Message, error) {
	defer logger.DeferLogDuration("chatService.ForwardMessage", time.Now())()
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return nil, err
	}
	src, err := s.messageIn(ctx, convID, msgID)
	if err != nil {
		return nil, err
	}
	if src.IsDeleted {
		return nil, invalid("cannot forward a deleted message")
	}
	target, err := s.GetConversation(ctx, viewerID, targetConvID)
	if err != nil {
		return nil, err
	}
	atts := make([]model.Attachment, len(src.Attachments))
	for i, a := range src.Attachments {
		a.ID = ""
		atts[i] = a
	}
	origin := src.SenderName
	if src.ForwardedFrom != nil && *src.ForwardedFrom != "" {
		origin = *src.ForwardedFrom
	}
	return s.send(ctx, viewerID, target, SendInput{
		Content:       src.Content,
		Attachments:   atts,
		ForwardedFrom: origin,
	})
}

func (s *ChatService) publishMessageChange(ctx context.Context, convID, msgID string, listToo bool) {
	ids, err := s.convs.MemberIDs(ctx, convID)
	if err != nil {
		logger.Errorf("chatService.publish members conv=%s: %v", convID, err)
		return
	}
	s.events.Publish(ids, model.Event{Type: model.EventMessagesChanged, ConversationID: convID, MessageID: msgID})
	if listToo {
		s.events.Publish(ids, model.Event{Type: model.EventConversationChanged, ConversationID: convID})
	}
}

// --- typing ---

func (s *ChatService) SetTyping(ctx context.Context, viewerID, convID string, on bool) error {
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return err
	}
	var err error
	if on {
		err = s.typing.SetTyping(ctx, convID, viewerID, s.typingTTL)
	} else {
		err = s.typing.ClearTyping(ctx, convID, viewerID)
	}
	if err != nil {
		return fmt.Errorf("chatService.SetTyping: %w", err)
	}
	if ids, err := s.convs.MemberIDs(ctx, convID); err == nil {
		s.events.Publish(without(ids, viewerID), model.Event{Type: model.EventTypingChanged, ConversationID: convID, UserID: viewerID})
	}
	return nil
}

// ListTyping returns everyone but the viewer currently typing in the conversation.
func (s *ChatService) ListTyping(ctx context.Context, viewerID, convID string) ([]model.TypingUser, error) {
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return nil, err
	}
	ids, err := s.typing.ListTyping(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListTyping: %w", err)
	}
	ids = without(ids, viewerID)
	out := make([]model.TypingUser, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListTyping users: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, model.TypingUser{ID: id, Name: name})
		}
	}
	return out, nil
}

// --- users ---

func (s *ChatService) ListUsers(ctx context.Context) ([]model.UserPublic, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListUsers: %w", err)
	}
	out := make([]model.UserPublic, len(users))
	for i := range users {
		out[i] = users[i].ToPublic()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out, nil
}

func (s *ChatService) Me(ctx context.Context, viewerID string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, viewerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("chatService.Me: %w", err)
	}
	return u, nil
}

// --- helpers ---

func (s *ChatService) requireMember(ctx context.Context, viewerID, convID string) error {
	ok, err := s.convs.IsMember(ctx, convID, viewerID)
	if err != nil {
		return fmt.Errorf("chatService.requireMember: %w", err)
	}
	if !ok {
		return notFound("conversation not found")
	}
	return nil
}

func (s *ChatService) messageIn(ctx context.Context, convID, msgID string) (*model.Message, error) {
	m, err := s.msgs.GetByID(ctx, msgID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("chatService.messageIn: %w", err)
	}
	if m.ConversationID != convID {
		return nil, notFound("message not found")
	}
	return m, nil
}

func (s *ChatService) ownMessage(ctx context.Context, viewerID, convID, msgID string) (*model.Message, error) {
	if err := s.requireMember(ctx, viewerID, convID); err != nil {
		return nil, err
	}
	m, err := s.messageIn(ctx, convID, msgID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != viewerID {
		return nil, forbidden("only the sender can change this message")
	}
	return m, nil
}

// dedupe drops empty ids, duplicates and skip, keeping first-seen order.
func dedupe(ids []string, skip string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == skip {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
