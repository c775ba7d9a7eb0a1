package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/model"
)

type presenceLog struct {
	mu    sync.Mutex
	calls []string
}

func (p *presenceLog) SetOnline(_ context.Context, userID string, online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "off"
	if online {
		state = "on"
	}
	p.calls = append(p.calls, userID+":"+state)
	return nil
}

func (p *presenceLog) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type staticContacts map[string][]model.Conversation

func (s staticContacts) ListForUser(_ context.Context, userID string) ([]model.Conversation, error) {
	return s[userID], nil
}

func startHub(t *testing.T, p Presence, c Contacts) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(p, c, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		client := NewClient(hub, conn, r.URL.Query().Get("user"))
		client.Start(cctx, ccancel)
		hub.Register(client)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.done
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishReachesEveryConnectionOfUser(t *testing.T) {
	hub, srv := startHub(t, nil, nil)
	a1 := dial(t, srv, "alice")
	a2 := dial(t, srv, "alice")
	b := dial(t, srv, "bob")
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.total == 3
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish([]string{"alice"}, model.Event{Type: model.EventMessagesChanged, ConversationID: "c1", MessageID: "m1"})

	for _, conn := range []*websocket.Conn{a1, a2} {
		var ev model.Event
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, model.EventMessagesChanged, ev.Type)
		assert.Equal(t, "c1", ev.ConversationID)
		assert.Equal(t, "m1", ev.MessageID)
	}

	require.NoError(t, b.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var ev model.Event
	assert.Error(t, b.ReadJSON(&ev))
}

func TestPresenceFollowsFirstAndLastConnection(t *testing.T) {
	p := &presenceLog{}
	contacts := staticContacts{
		"alice": {{ID: "c1", Members: []model.UserPublic{{ID: "alice"}, {ID: "bob"}}}},
	}
	hub, srv := startHub(t, p, contacts)

	bob := dial(t, srv, "bob")
	a1 := dial(t, srv, "alice")
	a2 := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return len(p.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"bob:on", "alice:on"}, p.snapshot())

	var ev model.Event
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, bob.ReadJSON(&ev))
	assert.Equal(t, model.EventUserStatus, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
	require.NotNil(t, ev.Online)
	assert.True(t, *ev.Online)

	a1.Close()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, hub.Connected("alice"))
	assert.Len(t, p.snapshot(), 2)

	a2.Close()
	require.Eventually(t, func() bool { return !hub.Connected("alice") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(p.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice:off", p.snapshot()[2])
}

func TestDrainCoalescesQueuedInvalidations(t *testing.T) {
	c := &Client{send: make(chan model.Event, 8)}
	on, off := true, false
	c.send <- model.Event{Type: model.EventConversationChanged, ConversationID: "c1"}
	c.send <- model.Event{Type: model.EventUserStatus, UserID: "bob", Online: &on}
	c.send <- model.Event{Type: model.EventMessagesChanged, ConversationID: "c1", MessageID: "m3"}
	c.send <- model.Event{Type: model.EventUserStatus, UserID: "bob", Online: &off}
	c.send <- model.Event{Type: model.EventMessagesChanged, ConversationID: "c2"}

	batch := c.drain(model.Event{Type: model.EventMessagesChanged, ConversationID: "c1", MessageID: "m2"})

	require.Len(t, batch, 4)
	assert.Equal(t, model.EventMessagesChanged, batch[0].Type)
	assert.Equal(t, "m3", batch[0].MessageID)
	assert.Equal(t, model.EventConversationChanged, batch[1].Type)
	assert.Equal(t, model.EventUserStatus, batch[2].Type)
	assert.False(t, *batch[2].Online)
	assert.Equal(t, "c2", batch[3].ConversationID)
	assert.Empty(t, c.send)
}
