package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/service"
)

type MessageHandler struct {
	chat *service.ChatService
}

func NewMessageHandler(chat *service.ChatService) *MessageHandler {
	return &MessageHandler{chat: chat}
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required"`
}

type ForwardRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chat.ListMessages(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "messages.List", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req service.SendInput
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.chat.SendMessage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, "messages.Send", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.chat.EditMessage(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "msgId"), req.Content)
	if err != nil {
		writeServiceError(w, "messages.Edit", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Delete — unsend: содержимое и вложения удаляются, сообщение остаётся в ленте с is_deleted.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	m, err := h.chat.DeleteMessage(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "msgId"))
	if err != nil {
		writeServiceError(w, "messages.Delete", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.chat.ToggleReaction(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "msgId"), req.Emoji)
	if err != nil {
		writeServiceError(w, "messages.ToggleReaction", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Forward(w http.ResponseWriter, r *http.Request) {
	var req ForwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.chat.ForwardMessage(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "msgId"), req.ConversationID)
	if err != nil {
		writeServiceError(w, "messages.Forward", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
