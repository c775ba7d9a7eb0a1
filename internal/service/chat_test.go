package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/storage/devstore"
	"github.com/teamchat/internal/storage/memory"
)

type recordedEvent struct {
	to []string
	ev model.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(ids []string, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{to: append([]string(nil), ids...), ev: ev})
}

func (p *fakePublisher) count(t model.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.ev.Type == t {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]model.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, userID string, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]model.Notification)
	}
	n.sent[userID] = append(n.sent[userID], note)
	return nil
}

func (n *fakeNotifier) recipients() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.sent))
	for k, v := range n.sent {
		out[k] = len(v)
	}
	return out
}

type env struct {
	svc      *service.ChatService
	events   *fakePublisher
	notifier *fakeNotifier
	clock    *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := devstore.New()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	e := &env{events: &fakePublisher{}, notifier: &fakeNotifier{}, clock: &now}
	seq := 0
	e.svc = service.NewChatService(service.Deps{
		Conversations: db.Conversations(),
		Messages:      db.Messages(),
		Reactions:     db.Reactions(),
		Users:         db.Users(),
		Typing:        memory.NewWithClock(func() time.Time { return *e.clock }),
		Events:        e.events,
		Notifier:      e.notifier,
		TypingTTL:     6 * time.Second,
		Now: func() time.Time {
			*e.clock = e.clock.Add(time.Second)
			return *e.clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		},
	})
	for _, u := range []model.User{
		{ID: "alice", Username: "Alice"},
		{ID: "bob", Username: "Bob"},
		{ID: "carol", Username: "Carol"},
		{ID: "dave", Username: "Dave"},
	} {
		u := u
		require.NoError(t, db.Users().Upsert(context.Background(), &u))
	}
	return e
}

func TestCreateDirectIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c1, created, err := e.svc.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, c1.IsGroup)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c1.MemberIDs())

	c2, created, err := e.svc.CreateDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"direct with self", func() error { _, _, err := e.svc.CreateDirect(ctx, "alice", "alice"); return err }},
		{"direct unknown user", func() error { _, _, err := e.svc.CreateDirect(ctx, "alice", "zed"); return err }},
		{"group without name", func() error { _, err := e.svc.CreateGroup(ctx, "alice", "  ", []string{"bob", "carol"}); return err }},
		{"group too small", func() error { _, err := e.svc.CreateGroup(ctx, "alice", "Team", []string{"bob", "bob", "alice"}); return err }},
		{"group unknown member", func() error { _, err := e.svc.CreateGroup(ctx, "alice", "Team", []string{"bob", "zed"}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
		})
	}
}

func TestSendUpdatesSnapshotAndUnread(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _, err := e.svc.CreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	m, err := e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", m.SenderName)
	assert.Equal(t, model.MessageKindText, m.Kind)

	list, err := e.svc.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Hello", list[0].LastMessage.Content)
	assert.Equal(t, "alice", list[0].LastMessage.SenderID)
	assert.Equal(t, 1, list[0].UnreadCount)

	require.NoError(t, e.svc.MarkRead(ctx, "bob", c.ID, ""))
	got, err := e.svc.GetConversation(ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)

	msgs, err := e.svc.ListMessages(ctx, "alice", c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ReadBy, 1)
	assert.Equal(t, "bob", msgs[0].ReadBy[0].UserID)

	assert.Eventually(t, func() bool { return e.notifier.recipients()["bob"] == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, e.notifier.recipients()["alice"])
}

func TestSendValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _, _ := e.svc.CreateDirect(ctx, "alice", "bob")
	other, _, _ := e.svc.CreateDirect(ctx, "alice", "carol")
	foreign, err := e.svc.SendMessage(ctx, "alice", other.ID, service.SendInput{Content: "elsewhere"})
	require.NoError(t, err)

	_, err = e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{Content: "   "})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{Content: strings.Repeat("я", service.MaxContentRunes+1)})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{Content: "re", ReplyToID: foreign.ID})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = e.svc.SendMessage(ctx, "carol", c.ID, service.SendInput{Content: "intruder"})
	assert.ErrorIs(t, err, service.ErrNotFound)

	m, err := e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{
		Attachments: []model.Attachment{{Filename: "v.webm", URL: "https://s3/v.webm", Size: 10, Type: model.AttachmentVoice}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageKindVoice, m.Kind)
	assert.NotEmpty(t, m.Attachments[0].ID)
}

func TestEditAndDeleteAreSenderOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _, _ := e.svc.CreateDirect(ctx, "alice", "bob")
	m, err := e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{Content: "foo"})
	require.NoError(t, err)

	_, err = e.svc.EditMessage(ctx, "bob", c.ID, m.ID, "hacked")
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = e.svc.DeleteMessage(ctx, "bob", c.ID, m.ID)
	assert.ErrorIs(t, err, service.ErrForbidden)

	edited, err := e.svc.EditMessage(ctx, "alice", c.ID, m.ID, "bar")
	require.NoError(t, err)
	assert.Equal(t, "bar", edited.Content)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)

	conv, _ := e.svc.GetConversation(ctx, "bob", c.ID)
	assert.Equal(t, "bar", conv.LastMessage.Content)

	deleted, err := e.svc.DeleteMessage(ctx, "alice", c.ID, m.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)
	assert.Equal(t, m.ID, deleted.ID)
	assert.Equal(t, "alice", deleted.SenderID)

	conv, _ = e.svc.GetConversation(ctx, "bob", c.ID)
	assert.Empty(t, conv.LastMessage.Content, "deleted content must not survive in the snapshot")

	_, err = e.svc.EditMessage(ctx, "alice", c.ID, m.ID, "resurrect")
	assert.ErrorIs(t, err, service.ErrValidation)

	again, err := e.svc.DeleteMessage(ctx, "alice", c.ID, m.ID)
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)
}

func TestToggleReactionRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _, _ := e.svc.CreateDirect(ctx, "alice", "bob")
	m, _ := e.svc.SendMessage(ctx, "alice", c.ID, service.SendInput{Content: "hi"})

	after, err := e.svc.ToggleReaction(ctx, "bob", c.ID, m.ID, "👍")
	require.NoError(t, err)
	require.Len(t, after.Reactions, 1)
	assert.Equal(t, "Bob", after.Reactions[0].UserName)

	back, err := e.svc.ToggleReaction(ctx, "bob", c.ID, m.ID, "👍")
	require.NoError(t, err)
	assert.Empty(t, back.Reactions)

	_, err = e.svc.ToggleReaction(ctx, "bob", c.ID, m.ID, "")
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestGroupPushGoesToUnmutedMentions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g, err := e.svc.CreateGroup(ctx, "alice", "Deal team", []string{"bob", "carol", "dave"})
	require.NoError(t, err)
	_, err = e.svc.SetMuted(ctx, "carol", g.ID, true)
	require.NoError(t, err)

	_, err = e.svc.SendMessage(ctx, "alice", g.ID, service.SendInput{
		Content:          "@Bob @Carol look",
		MentionedUserIDs: []string{"bob", "carol", "alice", "zed"},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return e.notifier.recipients()["bob"] == 1 }, time.Second, 10*time.Millisecond)
	got := e.notifier.recipients()
	assert.Zero(t, got["carol"], "muted")
	assert.Zero(t, got["dave"], "not mentioned")
	assert.Zero(t, got["zed"], "not a member")
}

func TestFlagsAreIndependentAndPerViewer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _, _ := e.svc.CreateDirect(ctx, "alice", "bob")

	got, err := e.svc.SetPinned(ctx, "alice", c.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsPinned)
	got, err = e.svc.SetArchived(ctx, "alice", c.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsPinned)
	assert.True(t, got.IsArchived)
	assert.False(t, got.IsMuted)

	forBob, err := e.svc.GetConversation(ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.False(t, forBob.IsPinned)
	assert.False(t, forBob.IsArchived)

	_, err = e.svc.SetPinned(ctx, "carol", c.ID, true)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestTypingExcludesViewerAndExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g, err := e.svc.CreateGroup(ctx, "alice", "Team", []string{"bob", "carol"})
	require.NoError(t, err)

	require.NoError(t, e.svc.SetTyping(ctx, "bob", g.ID, true))
	require.NoError(t, e.svc.SetTyping(ctx, "alice", g.ID, true))

	typing, err := e.svc.ListTyping(ctx, "alice", g.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.TypingUser{{ID: "bob", Name: "Bob"}}, typing)

	*e.clock = e.clock.Add(7 * time.Second)
	typing, err = e.svc.ListTyping(ctx, "alice", g.ID)
	require.NoError(t, err)
	assert.Empty(t, typing, "server-side TTL expired the entry")

	require.NoError(t, e.svc.SetTyping(ctx, "bob", g.ID, true))
	_, err = e.svc.SendMessage(ctx, "bob", g.ID, service.SendInput{Content: "done"})
	require.NoError(t, err)
	typing, _ = e.svc.ListTyping(ctx, "alice", g.ID)
	assert.Empty(t, typing, "sending clears the sender's typing entry")

	assert.ErrorIs(t, e.svc.SetTyping(ctx, "dave", g.ID, true), service.ErrNotFound)
	assert.Positive(t, e.events.count(model.EventTypingChanged))
}

func TestForwardAndDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, _, _ := e.svc.CreateDirect(ctx, "alice", "bob")
	dst, _, _ := e.svc.CreateDirect(ctx, "alice", "carol")
	m, _ := e.svc.SendMessage(ctx, "bob", src.ID, service.SendInput{Content: "numbers attached"})

	fwd, err := e.svc.ForwardMessage(ctx, "alice", src.ID, m.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, fwd.ConversationID)
	assert.Equal(t, "alice", fwd.SenderID)
	require.NotNil(t, fwd.ForwardedFrom)
	assert.Equal(t, "Bob", *fwd.ForwardedFrom)

	require.NoError(t, e.svc.Delete(ctx, "alice", src.ID))
	_, err = e.svc.GetConversation(ctx, "bob", src.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
	assert.Equal(t, 1, e.events.count(model.EventConversationDeleted))
}
