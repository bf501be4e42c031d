package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"unitynets-realtime/internal/chat"
	"unitynets-realtime/internal/identity"
)

type ConversationHandler struct {
	store    *chat.ConversationStore
	messages *chat.MessageService
}

func NewConversationHandler(store *chat.ConversationStore, messages *chat.MessageService) *ConversationHandler {
	return &ConversationHandler{store: store, messages: messages}
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, _ := identity.UserID(c)
	views, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

type directRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// Direct resolves or creates the direct conversation with another user.
func (h *ConversationHandler) Direct(c *gin.Context) {
	var req directRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	otherID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondBadRequest(c, "invalid user_id")
		return
	}
	userID, _ := identity.UserID(c)
	convID, err := h.store.GetOrCreateDirect(c.Request.Context(), userID, otherID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": convID})
}

type groupRequest struct {
	Name      string   `json:"name" binding:"required"`
	MemberIDs []string `json:"member_ids"`
}

func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	members := make([]uuid.UUID, 0, len(req.MemberIDs))
	for _, raw := range req.MemberIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondBadRequest(c, "invalid member id")
			return
		}
		members = append(members, id)
	}
	userID, _ := identity.UserID(c)
	convID, err := h.store.CreateGroup(c.Request.Context(), userID, req.Name, members)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": convID})
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	convID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := identity.UserID(c)
	if err := h.messages.MarkRead(c.Request.Context(), convID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Pin(c *gin.Context) {
	h.participantAction(c, h.store.Pin)
}

func (h *ConversationHandler) Unpin(c *gin.Context) {
	h.participantAction(c, h.store.Unpin)
}

type muteRequest struct {
	Minutes int `json:"minutes"`
}

func (h *ConversationHandler) Mute(c *gin.Context) {
	convID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Minutes <= 0 {
		respondBadRequest(c, "invalid mute duration")
		return
	}
	userID, _ := identity.UserID(c)
	until := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
	if err := h.store.Mute(c.Request.Context(), convID, userID, until); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Unmute(c *gin.Context) {
	h.participantAction(c, h.store.Unmute)
}

func (h *ConversationHandler) participantAction(c *gin.Context, fn func(ctx context.Context, conversationID, userID uuid.UUID) error) {
	convID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := identity.UserID(c)
	if err := fn(c.Request.Context(), convID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
