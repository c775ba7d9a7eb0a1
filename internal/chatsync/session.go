package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

// Ошибки предусловий: запрос не отправляется, тост не показывается.
var (
	ErrNoSelection     = errors.New("no conversation selected")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNotSender       = errors.New("only the sender can change this message")
	ErrMessageNotFound = errors.New("message not found")
)

// DefaultTypingPollInterval — период опроса набора текста в выбранном разговоре.
const DefaultTypingPollInterval = 2 * time.Second

// Toaster показывает неблокирующее уведомление об ошибке.
type Toaster interface {
	Error(msg string)
}

// UnreadClearer сбрасывает внешний индикатор непрочитанного при открытии разговора.
type UnreadClearer interface {
	ClearUnread(convID string)
}

type nopToaster struct{}

func (nopToaster) Error(string) {}

type nopClearer struct{}

func (nopClearer) ClearUnread(string) {}

type Options struct {
	Toaster            Toaster
	UnreadClearer      UnreadClearer
	Clock              Clock
	TypingPollInterval time.Duration
	// OnInvalidate вызывается после сброса ключей кеша (мутация или событие с сервера).
	OnInvalidate func(keys ...string)
}

// Draft — локальное состояние ввода одного разговора. Переживает неудачную отправку.
type Draft struct {
	Text        string
	ReplyTo     string
	EditingID   string
	EditBuffer  string
	Attachments []model.Attachment
}

// Session — синхронизация одного пользователя с сервером: чтения через кеш,
// мутации с инвалидацией, опрос набора текста в выбранном разговоре.
type Session struct {
	api     *Client
	cache   *Cache
	viewer  model.User
	toaster Toaster
	clearer UnreadClearer
	clock   Clock
	poll    time.Duration
	notify  func(keys ...string)

	mu         sync.Mutex
	selected   string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	typingSig  *TypingSignal
	typing     []model.TypingUser
	drafts     map[string]*Draft
}

// NewSession загружает текущего пользователя и возвращает сессию.
func NewSession(ctx context.Context, api *Client, opts Options) (*Session, error) {
	me, err := api.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatsync.NewSession: %w", err)
	}
	s := &Session{
		api:     api,
		cache:   NewCache(),
		viewer:  *me,
		toaster: opts.Toaster,
		clearer: opts.UnreadClearer,
		clock:   opts.Clock,
		poll:    opts.TypingPollInterval,
		notify:  opts.OnInvalidate,
		drafts:  make(map[string]*Draft),
	}
	if s.toaster == nil {
		s.toaster = nopToaster{}
	}
	if s.clearer == nil {
		s.clearer = nopClearer{}
	}
	if s.clock == nil {
		s.clock = RealClock
	}
	if s.poll <= 0 {
		s.poll = DefaultTypingPollInterval
	}
	return s, nil
}

func (s *Session) Viewer() model.User { return s.viewer }

func (s *Session) API() *Client { return s.api }

func (s *Session) invalidate(keys ...string) {
	s.cache.Invalidate(keys...)
	if s.notify != nil {
		s.notify(keys...)
	}
}

// fail показывает тост с текстом сервера или запасным сообщением и возвращает err как есть.
func (s *Session) fail(fallback string, err error) error {
	msg, ok := ServerMessage(err)
	if !ok {
		msg = fallback
	}
	s.toaster.Error(msg)
	logger.Debugf("chatsync: %s: %v", fallback, err)
	return err
}

func (s *Session) allConversations(ctx context.Context) ([]model.Conversation, error) {
	return cached(ctx, s.cache, keyConversations, s.api.ListConversations)
}

// Conversations returns the viewer's conversations filtered and sorted for display.
func (s *Session) Conversations(ctx context.Context, opts ListOptions) ([]model.Conversation, error) {
	list, err := s.allConversations(ctx)
	if err != nil {
		return nil, err
	}
	return SortConversations(FilterConversations(list, opts)), nil
}

// Conversation returns one conversation from the cached list.
func (s *Session) Conversation(ctx context.Context, convID string) (*model.Conversation, error) {
	list, err := s.allConversations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == convID {
			c := list[i]
			return &c, nil
		}
	}
	return nil, &APIError{Status: http.StatusNotFound, Message: "conversation not found"}
}

func (s *Session) Users(ctx context.Context) ([]model.UserPublic, error) {
	return cached(ctx, s.cache, keyUsers, s.api.ListUsers)
}

func (s *Session) messagesOf(ctx context.Context, convID string) ([]model.Message, error) {
	return cached(ctx, s.cache, keyMessages(convID), func(ctx context.Context) ([]model.Message, error) {
		return s.api.ListMessages(ctx, convID)
	})
}

// Selected returns the id of the open conversation or "".
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Select открывает разговор: сбрасывает непрочитанное, загружает сообщения и запускает опрос набора.
func (s *Session) Select(ctx context.Context, convID string) error {
	if s.Selected() == convID {
		return nil
	}
	s.Deselect(ctx)

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.selected = convID
	s.pollCancel = cancel
	s.pollDone = done
	s.typing = nil
	s.typingSig = NewTypingSignal(s.clock, func(ctx context.Context, on bool) error {
		return s.api.SetTyping(ctx, convID, on)
	})
	s.mu.Unlock()

	s.clearer.ClearUnread(convID)
	go s.pollTyping(pollCtx, convID, done)

	msgs, err := s.messagesOf(ctx, convID)
	if err != nil {
		return err
	}
	var last string
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].ID
	}
	if err := s.api.MarkRead(ctx, convID, last); err != nil {
		logger.Debugf("chatsync: mark read %s: %v", convID, err)
		return nil
	}
	s.invalidate(keyConversations)
	return nil
}

func (s *Session) pollTyping(ctx context.Context, convID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		s.refreshTyping(ctx, convID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) refreshTyping(ctx context.Context, convID string) {
	s.cache.Invalidate(keyTyping(convID))
	users, err := cached(ctx, s.cache, keyTyping(convID), func(ctx context.Context) ([]model.TypingUser, error) {
		return s.api.ListTyping(ctx, convID)
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.Debugf("chatsync: typing poll %s: %v", convID, err)
		}
		return
	}
	others := slices.DeleteFunc(slices.Clone(users), func(u model.TypingUser) bool { return u.ID == s.viewer.ID })
	s.mu.Lock()
	if s.selected == convID {
		s.typing = others
	}
	s.mu.Unlock()
}

// Deselect закрывает разговор: останавливает опрос и снимает признак набора.
func (s *Session) Deselect(ctx context.Context) {
	s.mu.Lock()
	cancel, done, sig := s.pollCancel, s.pollDone, s.typingSig
	s.selected = ""
	s.pollCancel, s.pollDone, s.typingSig = nil, nil, nil
	s.typing = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if sig != nil {
		sig.Stop(ctx)
	}
}

// Close — аналог размонтирования: опрос остановлен, набор снят.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Deselect(ctx)
}

// Messages returns the selected conversation's messages.
func (s *Session) Messages(ctx context.Context) ([]model.Message, error) {
	convID := s.Selected()
	if convID == "" {
		return nil, ErrNoSelection
	}
	return s.messagesOf(ctx, convID)
}

// Typing returns who else is typing in the selected conversation, as of the last poll.
func (s *Session) Typing() []model.TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.typing)
}

func (s *Session) draftLocked(convID string) *Draft {
	d, ok := s.drafts[convID]
	if !ok {
		d = &Draft{}
		s.drafts[convID] = d
	}
	return d
}

// Draft returns a copy of the selected conversation's draft.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == "" {
		return Draft{}
	}
	d := *s.draftLocked(s.selected)
	d.Attachments = slices.Clone(d.Attachments)
	return d
}

// SetInput обновляет текст ввода и сообщает серверу о наборе.
func (s *Session) SetInput(ctx context.Context, text string) {
	s.mu.Lock()
	if s.selected == "" {
		s.mu.Unlock()
		return
	}
	s.draftLocked(s.selected).Text = text
	sig := s.typingSig
	s.mu.Unlock()
	if sig != nil && text != "" {
		sig.OnInput(ctx)
	}
}

func (s *Session) SetReplyTo(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != "" {
		s.draftLocked(s.selected).ReplyTo = msgID
	}
}

// BeginEdit копирует текст своего сообщения в буфер редактирования.
func (s *Session) BeginEdit(ctx context.Context, msgID string) error {
	m, err := s.ownMessage(ctx, msgID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.draftLocked(m.ConversationID)
	d.EditingID = m.ID
	d.EditBuffer = m.Content
	return nil
}

func (s *Session) SetEditBuffer(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != "" {
		s.draftLocked(s.selected).EditBuffer = text
	}
}

func (s *Session) CancelEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != "" {
		d := s.draftLocked(s.selected)
		d.EditingID, d.EditBuffer = "", ""
	}
}

// Attach загружает файл и добавляет вложение в черновик.
func (s *Session) Attach(ctx context.Context, filename, contentType string, r io.Reader) (*model.Attachment, error) {
	convID := s.Selected()
	if convID == "" {
		return nil, ErrNoSelection
	}
	a, err := s.api.Upload(ctx, filename, contentType, r)
	if err != nil {
		return nil, s.fail("Failed to upload file", err)
	}
	s.mu.Lock()
	d := s.draftLocked(convID)
	d.Attachments = append(d.Attachments, *a)
	s.mu.Unlock()
	return a, nil
}

// mentionCandidates — участники разговора, иначе все известные пользователи.
func (s *Session) mentionCandidates(ctx context.Context, convID string) []model.UserPublic {
	if c, err := s.Conversation(ctx, convID); err == nil && len(c.Members) > 0 {
		return c.Members
	}
	users, err := s.Users(ctx)
	if err != nil {
		logger.Debugf("chatsync: users for mentions: %v", err)
		return nil
	}
	return users
}

// Send отправляет черновик выбранного разговора.
func (s *Session) Send(ctx context.Context) (*model.Message, error) {
	s.mu.Lock()
	convID := s.selected
	if convID == "" {
		s.mu.Unlock()
		return nil, ErrNoSelection
	}
	d := *s.draftLocked(convID)
	sig := s.typingSig
	s.mu.Unlock()

	content := strings.TrimSpace(d.Text)
	if content == "" && len(d.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	req := SendRequest{
		Content:     content,
		Attachments: d.Attachments,
		ReplyToID:   d.ReplyTo,
	}
	if content != "" {
		mentions := DetectMentions(content, s.mentionCandidates(ctx, convID))
		req.MentionedUserIDs = slices.DeleteFunc(mentions, func(id string) bool { return id == s.viewer.ID })
	}
	if sig != nil {
		sig.Stop(ctx)
	}

	m, err := s.api.SendMessage(ctx, convID, req)
	if err != nil {
		return nil, s.fail("Failed to send message", err)
	}
	s.mu.Lock()
	nd := s.draftLocked(convID)
	nd.Text, nd.ReplyTo, nd.Attachments = "", "", nil
	s.mu.Unlock()
	s.invalidate(keyMessages(convID), keyConversations)
	m.DeliveryStatus = model.DeliverySent
	return m, nil
}

// SendVoice отправляет остановленную запись. При ошибке запись возвращается в рекордер.
func (s *Session) SendVoice(ctx context.Context, rec *Recorder) (*model.Message, error) {
	convID := s.Selected()
	if convID == "" {
		return nil, ErrNoSelection
	}
	blob, err := rec.TakeBlob()
	if err != nil {
		return nil, err
	}
	name := "voice" + extFor(blob.ContentType)
	a, err := s.api.Upload(ctx, name, blob.ContentType, bytes.NewReader(blob.Data))
	if err != nil {
		rec.PutBack(blob)
		return nil, s.fail("Failed to send voice message", err)
	}
	m, err := s.api.SendMessage(ctx, convID, SendRequest{Attachments: []model.Attachment{*a}})
	if err != nil {
		rec.PutBack(blob)
		return nil, s.fail("Failed to send voice message", err)
	}
	s.invalidate(keyMessages(convID), keyConversations)
	return m, nil
}

func extFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(contentType, "audio/webm"):
		return ".webm"
	}
	return ""
}

func (s *Session) findMessage(ctx context.Context, msgID string) (*model.Message, error) {
	msgs, err := s.Messages(ctx)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ID == msgID {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *Session) ownMessage(ctx context.Context, msgID string) (*model.Message, error) {
	m, err := s.findMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != s.viewer.ID {
		return nil, ErrNotSender
	}
	return m, nil
}

// Edit заменяет текст своего сообщения в выбранном разговоре.
func (s *Session) Edit(ctx context.Context, msgID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	m, err := s.ownMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	out, err := s.api.EditMessage(ctx, m.ConversationID, msgID, content)
	if err != nil {
		return nil, s.fail("Failed to edit message", err)
	}
	s.mu.Lock()
	if d := s.draftLocked(m.ConversationID); d.EditingID == msgID {
		d.EditingID, d.EditBuffer = "", ""
	}
	s.mu.Unlock()
	s.invalidate(keyMessages(m.ConversationID), keyConversations)
	return out, nil
}

// CommitEdit сохраняет буфер редактирования.
func (s *Session) CommitEdit(ctx context.Context) (*model.Message, error) {
	d := s.Draft()
	if d.EditingID == "" {
		return nil, ErrMessageNotFound
	}
	return s.Edit(ctx, d.EditingID, d.EditBuffer)
}

// Unsend мягко удаляет своё сообщение.
func (s *Session) Unsend(ctx context.Context, msgID string) error {
	m, err := s.ownMessage(ctx, msgID)
	if err != nil {
		return err
	}
	if err := s.api.DeleteMessage(ctx, m.ConversationID, msgID); err != nil {
		return s.fail("Failed to delete message", err)
	}
	s.mu.Lock()
	d := s.draftLocked(m.ConversationID)
	if d.EditingID == msgID {
		d.EditingID, d.EditBuffer = "", ""
	}
	if d.ReplyTo == msgID {
		d.ReplyTo = ""
	}
	s.mu.Unlock()
	s.invalidate(keyMessages(m.ConversationID), keyConversations)
	return nil
}

// React переключает реакцию зрителя на сообщение выбранного разговора.
func (s *Session) React(ctx context.Context, msgID, emoji string) (*model.Message, error) {
	convID := s.Selected()
	if convID == "" {
		return nil, ErrNoSelection
	}
	m, err := s.api.ToggleReaction(ctx, convID, msgID, emoji)
	if err != nil {
		return nil, s.fail("Failed to add reaction", err)
	}
	s.invalidate(keyMessages(convID))
	return m, nil
}

// Forward пересылает сообщение выбранного разговора в target.
func (s *Session) Forward(ctx context.Context, msgID, targetConvID string) (*model.Message, error) {
	convID := s.Selected()
	if convID == "" {
		return nil, ErrNoSelection
	}
	m, err := s.api.ForwardMessage(ctx, convID, msgID, targetConvID)
	if err != nil {
		return nil, s.fail("Failed to forward message", err)
	}
	s.invalidate(keyMessages(targetConvID), keyConversations)
	return m, nil
}

func (s *Session) setFlag(ctx context.Context, fallback string, convID string,
	call func(context.Context, string, bool) (*model.Conversation, error), v bool) (*model.Conversation, error) {
	c, err := call(ctx, convID, v)
	if err != nil {
		return nil, s.fail(fallback, err)
	}
	s.invalidate(keyConversations)
	return c, nil
}

func (s *Session) SetPinned(ctx context.Context, convID string, v bool) (*model.Conversation, error) {
	return s.setFlag(ctx, "Failed to update pin", convID, s.api.SetPinned, v)
}

func (s *Session) SetArchived(ctx context.Context, convID string, v bool) (*model.Conversation, error) {
	return s.setFlag(ctx, "Failed to update archive", convID, s.api.SetArchived, v)
}

func (s *Session) SetMuted(ctx context.Context, convID string, v bool) (*model.Conversation, error) {
	return s.setFlag(ctx, "Failed to update notifications", convID, s.api.SetMuted, v)
}

// MarkRead отмечает прочитанным до msgID (пустой — всё).
func (s *Session) MarkRead(ctx context.Context, convID, msgID string) error {
	if err := s.api.MarkRead(ctx, convID, msgID); err != nil {
		return s.fail("Failed to mark as read", err)
	}
	s.invalidate(keyConversations, keyMessages(convID))
	return nil
}

func (s *Session) CreateDirect(ctx context.Context, userID string) (*model.Conversation, error) {
	c, err := s.api.CreateDirect(ctx, userID)
	if err != nil {
		return nil, s.fail("Failed to create conversation", err)
	}
	s.invalidate(keyConversations)
	return c, nil
}

func (s *Session) CreateGroup(ctx context.Context, name string, memberIDs []string) (*model.Conversation, error) {
	c, err := s.api.CreateGroup(ctx, name, memberIDs)
	if err != nil {
		return nil, s.fail("Failed to create group", err)
	}
	s.invalidate(keyConversations)
	return c, nil
}

func (s *Session) Rename(ctx context.Context, convID, name string) (*model.Conversation, error) {
	c, err := s.api.Rename(ctx, convID, name)
	if err != nil {
		return nil, s.fail("Failed to rename conversation", err)
	}
	s.invalidate(keyConversations)
	return c, nil
}

// DeleteConversation удаляет разговор; если он открыт, он закрывается.
func (s *Session) DeleteConversation(ctx context.Context, convID string) error {
	if err := s.api.DeleteConversation(ctx, convID); err != nil {
		return s.fail("Failed to delete conversation", err)
	}
	if s.Selected() == convID {
		s.Deselect(ctx)
	}
	s.mu.Lock()
	delete(s.drafts, convID)
	s.mu.Unlock()
	s.invalidate(keyConversations, keyMessages(convID), keyTyping(convID))
	return nil
}
