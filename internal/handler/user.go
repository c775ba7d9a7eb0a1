package handler

import (
	"net/http"

	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/service"
)

type UserHandler struct {
	chat *service.ChatService
}

func NewUserHandler(chat *service.ChatService) *UserHandler {
	return &UserHandler{chat: chat}
}

// List — известные чату пользователи (автодополнение упоминаний, выбор участников).
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.chat.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, "users.List", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.chat.Me(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "users.Me", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
