package ws

import (
	"context"
	"sync"
	"time"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
)

const presenceTimeout = 5 * time.Second

// Presence хранит флаг онлайн пользователя.
type Presence interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Contacts отдаёт разговоры пользователя: по ним рассылается смена статуса.
type Contacts interface {
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
}

// Hub держит соединения потока событий по пользователям и рассылает им события инвалидации.
// Клиенты ничего не шлют серверу: поток только укорачивает задержку поверх поллинга.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	presence   Presence
	contacts   Contacts
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub: presence и contacts могут быть nil (тогда статус онлайн не ведётся).
func NewHub(presence Presence, contacts Contacts, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		presence:   presence,
		contacts:   contacts,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	firstClient := len(h.clients[c.userID]) == 0
	if firstClient {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	if firstClient {
		h.setPresence(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		h.setPresence(c.userID, false)
	}
}

func (h *Hub) setPresence(userID string, online bool) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.SetOnline(ctx, userID, online); err != nil {
		logger.Errorf("ws set online=%v user=%s: %v", online, userID, err)
	}
	h.broadcastUserStatus(ctx, userID, online)
}

// broadcastUserStatus шлёт user.status всем, кто делит с пользователем хотя бы один разговор.
func (h *Hub) broadcastUserStatus(ctx context.Context, userID string, online bool) {
	if h.contacts == nil {
		return
	}
	convs, err := h.contacts.ListForUser(ctx, userID)
	if err != nil {
		logger.Errorf("ws get conversations for status broadcast user=%s: %v", userID, err)
		return
	}
	notified := make(map[string]struct{}, 16)
	for _, conv := range convs {
		for _, m := range conv.Members {
			if m.ID == userID {
				continue
			}
			notified[m.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(notified))
	for id := range notified {
		ids = append(ids, id)
	}
	h.Publish(ids, model.Event{Type: model.EventUserStatus, UserID: userID, Online: &online})
}

// Publish рассылает событие всем подключениям перечисленных пользователей. Не блокирует.
func (h *Hub) Publish(userIDs []string, ev model.Event) {
	for _, uid := range userIDs {
		h.sendToUser(uid, ev)
	}
}

// Connected reports whether the user has at least one open stream.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) sendToUser(userID string, ev model.Event) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev model.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
