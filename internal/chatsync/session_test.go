package chatsync

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/handler"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/storage/devstore"
	"github.com/teamchat/internal/storage/memory"
	"github.com/teamchat/internal/ws"
)

const testSecret = "chatsync-test-secret"

type server struct {
	url string
	hub *ws.Hub
}

func startServer(t *testing.T) *server {
	t.Helper()
	db := devstore.New()
	mem := memory.New()
	hub := ws.NewHub(db.Users(), db.Conversations(), 100)
	hctx, cancel := context.WithCancel(context.Background())
	go hub.Run(hctx)
	t.Cleanup(cancel)

	chat := service.NewChatService(service.Deps{
		Conversations: db.Conversations(),
		Messages:      db.Messages(),
		Reactions:     db.Reactions(),
		Users:         db.Users(),
		Typing:        mem,
		Events:        hub,
	})
	cfg := &config.Config{
		Auth:               config.AuthConfig{JWTSecret: testSecret, CookieName: "session"},
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
		CORSAllowedOrigins: "*",
		TypingTTL:          6 * time.Second,
		MaxUploadSize:      1 << 20,
	}
	srv := httptest.NewServer(handler.NewRouter(handler.RouterDeps{
		Config:   cfg,
		Chat:     chat,
		Users:    db.Users(),
		Hub:      hub,
		PushSubs: mem,
	}))
	t.Cleanup(srv.Close)

	for _, u := range []struct{ id, name string }{{"alice", "Alice"}, {"bob", "Bob"}, {"carol", "Carol"}} {
		require.NoError(t, db.Users().Upsert(context.Background(), &model.User{ID: u.id, Username: u.name}))
	}
	return &server{url: srv.URL, hub: hub}
}

func (s *server) client(t *testing.T, userID, name string) *Client {
	t.Helper()
	tok, err := middleware.NewToken(testSecret, userID, name, "", time.Hour)
	require.NoError(t, err)
	c, err := NewClient(s.url, "session", tok)
	require.NoError(t, err)
	return c
}

type clearLog struct {
	mu  sync.Mutex
	ids []string
}

func (c *clearLog) ClearUnread(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (s *server) session(t *testing.T, userID, name string, opts Options) *Session {
	t.Helper()
	sess, err := NewSession(context.Background(), s.client(t, userID, name), opts)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestSessionDirectConversationScenario(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	clearer := &clearLog{}
	toasts := &toastLog{}
	alice := srv.session(t, "alice", "Alice", Options{Toaster: toasts, UnreadClearer: clearer})

	conv, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.Select(ctx, conv.ID))
	assert.Equal(t, []string{conv.ID}, clearer.ids)

	alice.SetInput(ctx, "Hello")
	sent, err := alice.Send(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, sent.DeliveryStatus)
	assert.Empty(t, alice.Draft().Text)

	list, err := alice.Conversations(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].HasMember("bob"))
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Hello", list[0].LastMessage.Content)
	assert.Equal(t, "Bob", DisplayName(list[0], "alice"))

	msgs, err := alice.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Empty(t, toasts.get())
}

func TestSessionEditAndUnsend(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	toasts := &toastLog{}
	alice := srv.session(t, "alice", "Alice", Options{Toaster: toasts})

	conv, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.Select(ctx, conv.ID))
	alice.SetInput(ctx, "foo")
	sent, err := alice.Send(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.BeginEdit(ctx, sent.ID))
	assert.Equal(t, "foo", alice.Draft().EditBuffer)
	alice.SetEditBuffer("bar")
	_, err = alice.CommitEdit(ctx)
	require.NoError(t, err)
	assert.Empty(t, alice.Draft().EditingID)

	msgs, err := alice.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bar", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)

	require.NoError(t, alice.Unsend(ctx, sent.ID))
	msgs, err = alice.Messages(ctx)
	require.NoError(t, err)
	out := RenderTranscript(msgs, "alice", time.Now(), time.UTC)
	assert.Contains(t, out, DeletedPlaceholder)
	assert.NotContains(t, out, "bar")
	assert.NotContains(t, out, "foo")

	// сервер отказывает в правке удалённого сообщения: тост с его текстом
	_, err = alice.Edit(ctx, sent.ID, "resurrect")
	require.Error(t, err)
	assert.Equal(t, []string{"cannot edit a deleted message"}, toasts.get())
}

func TestSessionPreconditionsSkipRequest(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	toasts := &toastLog{}
	alice := srv.session(t, "alice", "Alice", Options{Toaster: toasts})
	bob := srv.session(t, "bob", "Bob", Options{})

	_, err := alice.Send(ctx)
	assert.ErrorIs(t, err, ErrNoSelection)

	conv, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, bob.Select(ctx, conv.ID))
	bob.SetInput(ctx, "from bob")
	bobMsg, err := bob.Send(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.Select(ctx, conv.ID))
	alice.SetInput(ctx, "   ")
	_, err = alice.Send(ctx)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = alice.Edit(ctx, bobMsg.ID, "hijack")
	assert.ErrorIs(t, err, ErrNotSender)
	assert.ErrorIs(t, alice.Unsend(ctx, bobMsg.ID), ErrNotSender)
	assert.ErrorIs(t, alice.Unsend(ctx, "missing"), ErrMessageNotFound)
	assert.Empty(t, toasts.get())

	msgs, err := alice.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from bob", msgs[0].Content)
}

func TestSessionFailedSendKeepsDraft(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	toasts := &toastLog{}
	alice := srv.session(t, "alice", "Alice", Options{Toaster: toasts})

	conv, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.Select(ctx, conv.ID))
	alice.SetReplyTo("no-such-message")
	alice.SetInput(ctx, "keep me")

	_, err = alice.Send(ctx)
	require.Error(t, err)
	msg, ok := ServerMessage(err)
	require.True(t, ok)
	assert.Equal(t, "reply target not found", msg)
	assert.Equal(t, []string{"reply target not found"}, toasts.get())

	d := alice.Draft()
	assert.Equal(t, "keep me", d.Text)
	assert.Equal(t, "no-such-message", d.ReplyTo)
}

func TestSessionMentionsAndFlags(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	alice := srv.session(t, "alice", "Alice", Options{})

	group, err := alice.CreateGroup(ctx, "Deals", []string{"bob", "carol"})
	require.NoError(t, err)
	direct, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, alice.Select(ctx, group.ID))
	alice.SetInput(ctx, "@Bob and @Carol, see email@Alice.com")
	_, err = alice.Send(ctx)
	require.NoError(t, err)

	_, err = alice.SetPinned(ctx, direct.ID, true)
	require.NoError(t, err)
	list, err := alice.Conversations(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, direct.ID, list[0].ID, "pinned first")

	_, err = alice.SetArchived(ctx, group.ID, true)
	require.NoError(t, err)
	active, err := alice.Conversations(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{direct.ID}, ids(active))
	archived, err := alice.Conversations(ctx, ListOptions{Archived: true})
	require.NoError(t, err)
	assert.Equal(t, []string{group.ID}, ids(archived))

	_, err = alice.Rename(ctx, group.ID, "Deals 2024")
	require.NoError(t, err)
	found, err := alice.Conversations(ctx, ListOptions{Archived: true, Query: "2024"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, alice.DeleteConversation(ctx, group.ID))
	assert.Empty(t, alice.Selected())
	all, err := alice.Conversations(ctx, ListOptions{Archived: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSessionReactAndForward(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	alice := srv.session(t, "alice", "Alice", Options{})

	a, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	b, err := alice.CreateDirect(ctx, "carol")
	require.NoError(t, err)
	require.NoError(t, alice.Select(ctx, a.ID))
	alice.SetInput(ctx, "numbers attached")
	sent, err := alice.Send(ctx)
	require.NoError(t, err)

	_, err = alice.React(ctx, sent.ID, "👍")
	require.NoError(t, err)
	msgs, err := alice.Messages(ctx)
	require.NoError(t, err)
	groups := GroupReactions(msgs[0].Reactions, "alice")
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Mine)

	_, err = alice.React(ctx, sent.ID, "👍")
	require.NoError(t, err)
	msgs, err = alice.Messages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs[0].Reactions)

	fwd, err := alice.Forward(ctx, sent.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, fwd.ConversationID)
	require.NoError(t, alice.Select(ctx, b.ID))
	msgs, err = alice.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(RenderPlain(Classify(&msgs[0])), "Forwarded from"))
}

func TestSessionTypingPoll(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	alice := srv.session(t, "alice", "Alice", Options{TypingPollInterval: 20 * time.Millisecond})
	bob := srv.session(t, "bob", "Bob", Options{})

	conv, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.Select(ctx, conv.ID))
	require.NoError(t, bob.Select(ctx, conv.ID))

	bob.SetInput(ctx, "h")
	require.Eventually(t, func() bool {
		typing := alice.Typing()
		return len(typing) == 1 && typing[0].ID == "bob"
	}, 2*time.Second, 10*time.Millisecond)

	bob.Deselect(ctx)
	require.Eventually(t, func() bool { return len(alice.Typing()) == 0 }, 2*time.Second, 10*time.Millisecond)

	alice.Deselect(ctx)
	assert.Empty(t, alice.Typing())
	_, err = alice.Messages(ctx)
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestWatchInvalidatesOnServerEvents(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invalidated := make(chan []string, 32)
	alice := srv.session(t, "alice", "Alice", Options{OnInvalidate: func(keys ...string) { invalidated <- keys }})
	bob := srv.session(t, "bob", "Bob", Options{})

	conv, err := alice.CreateDirect(ctx, "bob")
	require.NoError(t, err)
	<-invalidated

	watchErr := make(chan error, 1)
	go func() { watchErr <- alice.Watch(ctx, "") }()
	require.Eventually(t, func() bool { return srv.hub.Connected("alice") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Select(ctx, conv.ID))
	bob.SetInput(ctx, "ping")
	_, err = bob.Send(ctx)
	require.NoError(t, err)

	want := keyMessages(conv.ID)
	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case keys := <-invalidated:
			for _, k := range keys {
				found = found || k == want
			}
		case <-deadline:
			t.Fatalf("no invalidation of %s", want)
		}
	}

	cancel()
	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
