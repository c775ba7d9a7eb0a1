// Package devstore хранит беседы, сообщения и участников в памяти процесса.
// Используется при STORAGE_DRIVER=memory и в тестах; семантика совпадает с repository (Postgres).
package devstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
)

type conversationRow struct {
	conv    model.Conversation // без Members и полей зрителя
	members map[string]*model.ConversationMember
	order   []string
}

type reactionRow struct {
	messageID string
	userID    string
	emoji     string
	at        time.Time
}

type readRow struct {
	userID string
	at     time.Time
}

// DB — общее состояние; хранилища ниже — его представления.
type DB struct {
	mu        sync.RWMutex
	users     map[string]model.User
	convs     map[string]*conversationRow
	messages  map[string]*model.Message
	byConv    map[string][]string
	reactions []reactionRow
	reads     map[string][]readRow
}

func New() *DB {
	return &DB{
		users:    make(map[string]model.User),
		convs:    make(map[string]*conversationRow),
		messages: make(map[string]*model.Message),
		byConv:   make(map[string][]string),
		reads:    make(map[string][]readRow),
	}
}

func (db *DB) Users() *UserStore                 { return &UserStore{db} }
func (db *DB) Conversations() *ConversationStore { return &ConversationStore{db} }
func (db *DB) Messages() *MessageStore           { return &MessageStore{db} }
func (db *DB) Reactions() *ReactionStore         { return &ReactionStore{db} }

// --- users ---

type UserStore struct{ db *DB }

func (s *UserStore) Upsert(ctx context.Context, u *model.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if old, ok := s.db.users[u.ID]; ok {
		u.CreatedAt = old.CreatedAt
		u.IsOnline = old.IsOnline
	}
	s.db.users[u.ID] = *u
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *UserStore) GetByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	seen := make(map[string]bool, len(ids))
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.db.users[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *UserStore) List(ctx context.Context) ([]model.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]model.User, 0, len(s.db.users))
	for _, u := range s.db.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *UserStore) SetOnline(ctx context.Context, userID string, online bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[userID]
	if !ok {
		return nil
	}
	u.IsOnline = online
	u.LastSeenAt = time.Now().UTC()
	s.db.users[userID] = u
	return nil
}

// --- conversations ---

type ConversationStore struct{ db *DB }

func (s *ConversationStore) Create(ctx context.Context, c *model.Conversation, memberIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row := &conversationRow{
		conv: model.Conversation{
			ID:        c.ID,
			Name:      c.Name,
			IsGroup:   c.IsGroup,
			CreatedBy: c.CreatedBy,
			CreatedAt: c.CreatedAt,
		},
		members: make(map[string]*model.ConversationMember, len(memberIDs)),
	}
	for _, uid := range memberIDs {
		if _, dup := row.members[uid]; dup {
			continue
		}
		row.members[uid] = &model.ConversationMember{ConversationID: c.ID, UserID: uid, JoinedAt: c.CreatedAt}
		row.order = append(row.order, uid)
	}
	s.db.convs[c.ID] = row
	return nil
}

// view собирает беседу глазами viewerID. Вызывать под блокировкой.
func (db *DB) view(row *conversationRow, viewerID string) model.Conversation {
	c := row.conv
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	c.Members = make([]model.UserPublic, 0, len(row.order))
	for _, uid := range row.order {
		if u, ok := db.users[uid]; ok {
			c.Members = append(c.Members, u.ToPublic())
		}
	}
	mb := row.members[viewerID]
	c.IsPinned, c.IsArchived, c.IsMuted = mb.IsPinned, mb.IsArchived, mb.IsMuted
	for _, id := range db.byConv[c.ID] {
		m := db.messages[id]
		if m.SenderID != viewerID && !m.IsDeleted && m.CreatedAt.After(mb.LastReadAt) {
			c.UnreadCount++
		}
	}
	return c
}

func (s *ConversationStore) GetByID(ctx context.Context, id, viewerID string) (*model.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	row, ok := s.db.convs[id]
	if !ok || row.members[viewerID] == nil {
		return nil, repository.ErrNotFound
	}
	c := s.db.view(row, viewerID)
	return &c, nil
}

func (s *ConversationStore) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]model.Conversation, 0, 16)
	for _, row := range s.db.convs {
		if row.members[userID] == nil {
			continue
		}
		out = append(out, s.db.view(row, userID))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			if !a.LastMessage.CreatedAt.Equal(b.LastMessage.CreatedAt) {
				return a.LastMessage.CreatedAt.After(b.LastMessage.CreatedAt)
			}
		case a.LastMessage != nil:
			return true
		case b.LastMessage != nil:
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out, nil
}

func (s *ConversationStore) FindDirect(ctx context.Context, a, b string) (string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var (
		found string
		at    time.Time
	)
	for id, row := range s.db.convs {
		if row.conv.IsGroup || row.members[a] == nil || row.members[b] == nil {
			continue
		}
		if found == "" || row.conv.CreatedAt.Before(at) {
			found, at = id, row.conv.CreatedAt
		}
	}
	if found == "" {
		return "", repository.ErrNotFound
	}
	return found, nil
}

func (s *ConversationStore) IsMember(ctx context.Context, convID, userID string) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	row, ok := s.db.convs[convID]
	return ok && row.members[userID] != nil, nil
}

func (s *ConversationStore) Memberships(ctx context.Context, convID string) ([]model.ConversationMember, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	row, ok := s.db.convs[convID]
	if !ok {
		return []model.ConversationMember{}, nil
	}
	out := make([]model.ConversationMember, 0, len(row.order))
	for _, uid := range row.order {
		out = append(out, *row.members[uid])
	}
	return out, nil
}

func (s *ConversationStore) MemberIDs(ctx context.Context, convID string) ([]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	row, ok := s.db.convs[convID]
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), row.order...), nil
}

func (s *ConversationStore) Rename(ctx context.Context, id, name string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.convs[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.conv.Name = name
	return nil
}

// Delete удаляет беседу каскадом, как ON DELETE CASCADE в Postgres.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.convs[id]; !ok {
		return repository.ErrNotFound
	}
	gone := make(map[string]bool, len(s.db.byConv[id]))
	for _, mid := range s.db.byConv[id] {
		gone[mid] = true
		delete(s.db.messages, mid)
		delete(s.db.reads, mid)
	}
	kept := s.db.reactions[:0]
	for _, r := range s.db.reactions {
		if !gone[r.messageID] {
			kept = append(kept, r)
		}
	}
	s.db.reactions = kept
	delete(s.db.byConv, id)
	delete(s.db.convs, id)
	return nil
}

func (s *ConversationStore) member(convID, userID string) (*model.ConversationMember, error) {
	row, ok := s.db.convs[convID]
	if !ok || row.members[userID] == nil {
		return nil, repository.ErrNotFound
	}
	return row.members[userID], nil
}

func (s *ConversationStore) SetPinned(ctx context.Context, convID, userID string, v bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	mb, err := s.member(convID, userID)
	if err != nil {
		return err
	}
	mb.IsPinned = v
	return nil
}

func (s *ConversationStore) SetArchived(ctx context.Context, convID, userID string, v bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	mb, err := s.member(convID, userID)
	if err != nil {
		return err
	}
	mb.IsArchived = v
	return nil
}

func (s *ConversationStore) SetMuted(ctx context.Context, convID, userID string, v bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	mb, err := s.member(convID, userID)
	if err != nil {
		return err
	}
	mb.IsMuted = v
	return nil
}

func (s *ConversationStore) UpdateLastMessage(ctx context.Context, convID string, lm *model.LastMessage) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	row, ok := s.db.convs[convID]
	if !ok {
		return nil
	}
	if lm == nil {
		row.conv.LastMessage = nil
		return nil
	}
	cp := *lm
	row.conv.LastMessage = &cp
	return nil
}

func (s *ConversationStore) MarkRead(ctx context.Context, convID, userID string, upTo time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	mb, err := s.member(convID, userID)
	if err != nil {
		return err
	}
	if upTo.After(mb.LastReadAt) {
		mb.LastReadAt = upTo
	}
	return nil
}

// --- messages ---

type MessageStore struct{ db *DB }

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *m
	cp.Attachments = append([]model.Attachment(nil), m.Attachments...)
	cp.Reactions = nil
	cp.ReadBy = nil
	cp.DeliveryStatus = ""
	s.db.messages[m.ID] = &cp
	s.db.byConv[m.ConversationID] = append(s.db.byConv[m.ConversationID], m.ID)
	ids := s.db.byConv[m.ConversationID]
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.db.messages[ids[i]], s.db.messages[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return nil
}

// hydrate копирует сообщение и подтягивает реакции и отметки. Вызывать под блокировкой.
func (db *DB) hydrate(m *model.Message) model.Message {
	out := *m
	out.IsEdited = out.EditedAt != nil
	out.Attachments = append([]model.Attachment{}, m.Attachments...)
	out.Reactions = []model.Reaction{}
	for _, r := range db.reactions {
		if r.messageID == m.ID {
			out.Reactions = append(out.Reactions, model.Reaction{
				Emoji: r.emoji, UserID: r.userID, UserName: db.users[r.userID].Username, CreatedAt: r.at,
			})
		}
	}
	out.ReadBy = []model.ReadReceipt{}
	for _, rr := range db.reads[m.ID] {
		out.ReadBy = append(out.ReadBy, model.ReadReceipt{UserID: rr.userID, UserName: db.users[rr.userID].Username, ReadAt: rr.at})
	}
	return out
}

func (s *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := s.db.hydrate(m)
	return &out, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, convID string) ([]model.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ids := s.db.byConv[convID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.db.hydrate(s.db.messages[id]))
	}
	return out, nil
}

func (s *MessageStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok || m.IsDeleted {
		return repository.ErrNotFound
	}
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	return nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	m.Content = ""
	m.Attachments = nil
	return nil
}

func (s *MessageStore) Latest(ctx context.Context, convID string) (*model.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ids := s.db.byConv[convID]
	if len(ids) == 0 {
		return nil, nil
	}
	out := s.db.hydrate(s.db.messages[ids[len(ids)-1]])
	return &out, nil
}

func (s *MessageStore) AddReceipts(ctx context.Context, convID, userID string, upTo, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range s.db.byConv[convID] {
		m := s.db.messages[id]
		if m.SenderID == userID || m.IsDeleted || m.CreatedAt.After(upTo) {
			continue
		}
		already := false
		for _, rr := range s.db.reads[id] {
			if rr.userID == userID {
				already = true
				break
			}
		}
		if !already {
			s.db.reads[id] = append(s.db.reads[id], readRow{userID: userID, at: at})
		}
	}
	return nil
}

// --- reactions ---

type ReactionStore struct{ db *DB }

func (s *ReactionStore) Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for i, r := range s.db.reactions {
		if r.messageID == messageID && r.userID == userID && r.emoji == emoji {
			s.db.reactions = append(s.db.reactions[:i], s.db.reactions[i+1:]...)
			return false, nil
		}
	}
	s.db.reactions = append(s.db.reactions, reactionRow{messageID: messageID, userID: userID, emoji: emoji, at: at})
	return true, nil
}

func (s *ReactionStore) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]model.Reaction, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	out := make(map[string][]model.Reaction)
	for _, r := range s.db.reactions {
		if want[r.messageID] {
			out[r.messageID] = append(out[r.messageID], model.Reaction{
				Emoji: r.emoji, UserID: r.userID, UserName: s.db.users[r.userID].Username, CreatedAt: r.at,
			})
		}
	}
	return out, nil
}
