package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/service"
)

type ConversationHandler struct {
	chat *service.ChatService
}

func NewConversationHandler(chat *service.ChatService) *ConversationHandler {
	return &ConversationHandler{chat: chat}
}

// CreateConversationRequest: user_id — личный разговор, name + member_ids — группа.
type CreateConversationRequest struct {
	UserID    string   `json:"user_id" validate:"max=200"`
	Name      string   `json:"name" validate:"max=400"`
	MemberIDs []string `json:"member_ids" validate:"omitempty,max=500,dive,required"`
}

type RenameRequest struct {
	Name string `json:"name" validate:"max=400"`
}

// FlagRequest — новое значение pin/archive/mute. Значение обязательно: это не переключатель.
type FlagRequest struct {
	Value *bool `json:"value" validate:"required"`
}

type MarkReadRequest struct {
	MessageID string `json:"message_id"`
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chat.ListConversations(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "conversations.List", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chat.GetConversation(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "conversations.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	viewerID := middleware.GetUserID(r.Context())
	if req.UserID == "" && req.Name == "" && len(req.MemberIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_id or member_ids is required")
		return
	}
	if req.UserID != "" {
		conv, created, err := h.chat.CreateDirect(r.Context(), viewerID, req.UserID)
		if err != nil {
			writeServiceError(w, "conversations.CreateDirect", err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, conv)
		return
	}
	conv, err := h.chat.CreateGroup(r.Context(), viewerID, req.Name, req.MemberIDs)
	if err != nil {
		writeServiceError(w, "conversations.CreateGroup", err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conv, err := h.chat.Rename(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeServiceError(w, "conversations.Rename", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, "conversations.Delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Pin(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "conversations.Pin", h.chat.SetPinned)
}

func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "conversations.Archive", h.chat.SetArchived)
}

func (h *ConversationHandler) Mute(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "conversations.Mute", h.chat.SetMuted)
}

func (h *ConversationHandler) setFlag(w http.ResponseWriter, r *http.Request, op string,
	set func(ctx context.Context, viewerID, convID string, v bool) (*model.Conversation, error)) {
	var req FlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conv, err := set(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), *req.Value)
	if err != nil {
		writeServiceError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.chat.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.MessageID); err != nil {
		writeServiceError(w, "conversations.MarkRead", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type TypingRequest struct {
	Typing *bool `json:"typing" validate:"required"`
}

func (h *ConversationHandler) ListTyping(w http.ResponseWriter, r *http.Request) {
	users, err := h.chat.ListTyping(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "conversations.ListTyping", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *ConversationHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.chat.SetTyping(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), *req.Typing); err != nil {
		writeServiceError(w, "conversations.SetTyping", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
