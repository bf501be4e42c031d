package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"unitynets-realtime/internal/identity"
	"unitynets-realtime/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades authenticated HTTP requests to feed connections.
type WebSocketHandler struct {
	hub      *Hub
	identity *identity.Service
	log      *logger.Logger
}

func NewWebSocketHandler(hub *Hub, identitySvc *identity.Service, log *logger.Logger) *WebSocketHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &WebSocketHandler{hub: hub, identity: identitySvc, log: log}
}

func (h *WebSocketHandler) Handle(c *gin.Context) {
	token := h.extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, err := h.identity.ParseToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("server: websocket upgrade for %s: %v", userID, err)
		return
	}

	h.hub.register <- NewClient(h.hub, conn, userID, h.log)
}

func (h *WebSocketHandler) extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
