package handlers

import (
	"net/http"
	"strconv"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/services"
)

// ChatHandler serves conversation history and the contact list. Sending,
// deleting and clearing go over the WebSocket.
type ChatHandler struct {
	chatService services.ChatService
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(chatService services.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// History godoc
// GET /api/messages/{peerId}?before=&limit=
// Oldest first within the page; has_more says an older page exists.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "user not found in context")
		return
	}

	peerID := r.PathValue("peerId")
	beforeID := r.URL.Query().Get("before")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.chatService.History(r.Context(), user.ID, peerID, beforeID, limit)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, page)
}

// Contacts godoc
// GET /api/contacts
func (h *ChatHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "user not found in context")
		return
	}

	contacts, err := h.chatService.Contacts(r.Context(), user.ID)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusOK, contacts)
}
