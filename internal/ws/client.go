package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// клиент ничего не шлёт, кроме служебных кадров
	maxMessageSize = 512
	sendBufSize    = 256
)

// Client — одно соединение потока событий пользователя.
// Жизненный цикл: NewClient -> Start -> Register; выход любого из насосов закрывает соединение.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan model.Event
	userID string

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan model.Event, sendBufSize),
		userID: userID,
		done:   make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump()
}

func (c *Client) Wait() { c.wg.Wait() }

// Close идемпотентен и безопасен из любой горутины.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// readPump держит соединение живым: pong и close. Данные от клиента отбрасываются.
func (c *Client) readPump() {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("ws read user=%s: %v", c.userID, err)
			}
			return
		}
	}
}

// coalesceKey — события с одинаковым ключом взаимозаменяемы: получатель всё равно перечитает ресурс.
type coalesceKey struct {
	typ    model.EventType
	convID string
	userID string
}

// drain забирает уже стоящие в очереди события и схлопывает дубликаты, сохраняя порядок первых вхождений.
// Для дубликата остаётся последняя версия (важно для user.status).
func (c *Client) drain(first model.Event) []model.Event {
	batch := []model.Event{first}
	idx := map[coalesceKey]int{{first.Type, first.ConversationID, first.UserID}: 0}
	for {
		select {
		case ev := <-c.send:
			k := coalesceKey{ev.Type, ev.ConversationID, ev.UserID}
			if i, ok := idx[k]; ok {
				batch[i] = ev
				continue
			}
			idx[k] = len(batch)
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (c *Client) writeEvent(ev model.Event) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(ev); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for _, e := range c.drain(ev) {
				if err := c.writeEvent(e); err != nil {
					logger.Debugf("ws write user=%s: %v", c.userID, err)
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
