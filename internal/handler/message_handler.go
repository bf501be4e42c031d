package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"unitynets-realtime/internal/chat"
	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/identity"
)

type MessageHandler struct {
	messages *chat.MessageService
}

func NewMessageHandler(messages *chat.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// List returns one fixed-size page of messages for a conversation, ascending
// by creation time. Pass before (RFC3339) to page further back.
func (h *MessageHandler) List(c *gin.Context) {
	convID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondBadRequest(c, "invalid before timestamp")
			return
		}
		before = parsed
	}
	page, err := h.messages.LoadPage(c.Request.Context(), convID, before)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": page})
}

type sendRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type"`
	Metadata  string `json:"metadata"`
	ReplyToID string `json:"reply_to_id"`
}

func (h *MessageHandler) Send(c *gin.Context) {
	convID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	userID, _ := identity.UserID(c)

	m := message.Message{
		ConversationID: convID,
		SenderID:       userID,
		Type:           message.Type(req.Type),
		Metadata:       req.Metadata,
	}
	if req.Content != "" {
		m.Content.String = req.Content
		m.Content.Valid = true
	}
	if req.ReplyToID != "" {
		replyTo, err := uuid.Parse(req.ReplyToID)
		if err != nil {
			respondBadRequest(c, "invalid reply_to_id")
			return
		}
		m.ReplyToID = uuid.NullUUID{UUID: replyTo, Valid: true}
	}

	if err := h.messages.Send(c.Request.Context(), &m); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

type editRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *MessageHandler) Edit(c *gin.Context) {
	msgID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	userID, _ := identity.UserID(c)
	m, err := h.messages.Edit(c.Request.Context(), msgID, userID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": m})
}

func (h *MessageHandler) Delete(c *gin.Context) {
	msgID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	userID, _ := identity.UserID(c)
	m, err := h.messages.SoftDelete(c.Request.Context(), msgID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": m})
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *MessageHandler) ToggleReaction(c *gin.Context) {
	msgID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	userID, _ := identity.UserID(c)
	m, err := h.messages.ToggleReaction(c.Request.Context(), msgID, userID, req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": m})
}
