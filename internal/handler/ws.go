package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/ws"
)

// EventsHandler поднимает поток событий инвалидации (/ws) для авторизованного пользователя.
type EventsHandler struct {
	hub       *ws.Hub
	anyOrigin bool
	origins   map[string]struct{}
	upgrader  websocket.Upgrader
}

// NewEventsHandler: origins в формате CORS_ALLOWED_ORIGINS (список через запятую или "*").
func NewEventsHandler(hub *ws.Hub, origins string) *EventsHandler {
	h := &EventsHandler{hub: hub, origins: make(map[string]struct{})}
	for _, o := range splitOrigins(origins) {
		if o == "*" {
			h.anyOrigin = true
			continue
		}
		h.origins[strings.ToLower(o)] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 4096,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

// originAllowed: запросы без Origin (CLI, серверные клиенты) пропускаются.
func (h *EventsHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if h.anyOrigin || origin == "" {
		return true
	}
	_, ok := h.origins[strings.ToLower(origin)]
	return ok
}

func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	switch {
	case userID == "":
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	case !websocket.IsWebSocketUpgrade(r):
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	case !h.originAllowed(r):
		logger.Debugf("ws: origin %q rejected for user=%s", r.Header.Get("Origin"), userID)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам ответил клиенту
		logger.Errorf("ws upgrade user=%s: %v", userID, err)
		return
	}

	// после hijack контекст запроса не живёт: время жизни клиента определяет хаб
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
