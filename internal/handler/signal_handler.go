package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"unitynets-realtime/internal/config"
	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/identity"
	"unitynets-realtime/internal/signaling"
	unity_errors "unitynets-realtime/pkg/errors"
)

// SignalHandler exposes the signal channel over HTTP for clients that drive
// their own call loop instead of the in-process controller.
type SignalHandler struct {
	channel *signaling.Channel
	callCfg config.CallConfig
}

func NewSignalHandler(channel *signaling.Channel, callCfg config.CallConfig) *SignalHandler {
	return &SignalHandler{channel: channel, callCfg: callCfg}
}

// CallConfig hands clients the deployment's ICE servers and ring timeout so
// their call loop agrees with the server on both.
func (h *SignalHandler) CallConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stun_servers":    h.callCfg.STUNServers,
		"ring_timeout_ms": h.callCfg.RingTimeout.Milliseconds(),
	})
}

type createSignalRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	ReceiverID     string `json:"receiver_id" binding:"required"`
	CallType       string `json:"call_type" binding:"required"`
}

func (h *SignalHandler) Create(c *gin.Context) {
	var req createSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		respondBadRequest(c, "invalid conversation_id")
		return
	}
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		respondBadRequest(c, "invalid receiver_id")
		return
	}
	callType := signal.CallType(req.CallType)
	if callType != signal.CallTypeVoice && callType != signal.CallTypeVideo {
		respondBadRequest(c, "invalid call_type")
		return
	}

	userID, _ := identity.UserID(c)
	signalID, err := h.channel.CreateSignal(c.Request.Context(), convID, userID, receiverID, callType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signal_id": signalID})
}

func (h *SignalHandler) Get(c *gin.Context) {
	signalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	s, err := h.channel.GetSignal(c.Request.Context(), signalID)
	if err != nil {
		respondError(c, err)
		return
	}
	userID, _ := identity.UserID(c)
	if userID != s.CallerID && userID != s.ReceiverID {
		respondError(c, unity_errors.ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": s})
}

type descriptionRequest struct {
	Type string `json:"type" binding:"required"`
	SDP  string `json:"sdp" binding:"required"`
}

func (h *SignalHandler) WriteOffer(c *gin.Context) {
	h.writeDescription(c, h.channel.WriteOffer)
}

func (h *SignalHandler) WriteAnswer(c *gin.Context) {
	h.writeDescription(c, h.channel.WriteAnswer)
}

type candidateRequest struct {
	Candidate     string `json:"candidate" binding:"required"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

func (h *SignalHandler) AppendCandidate(c *gin.Context) {
	signalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	userID, _ := identity.UserID(c)
	cand := signal.ICECandidate{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
		SenderID:      userID.String(),
	}
	if err := h.channel.AppendCandidate(c.Request.Context(), signalID, cand); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *SignalHandler) UpdateStatus(c *gin.Context) {
	signalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	status := signal.Status(req.Status)
	switch status {
	case signal.StatusAccepted, signal.StatusRejected, signal.StatusEnded, signal.StatusMissed:
	default:
		respondBadRequest(c, "invalid status")
		return
	}
	if err := h.channel.UpdateStatus(c.Request.Context(), signalID, status); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SignalHandler) writeDescription(c *gin.Context, write func(ctx context.Context, signalID uuid.UUID, desc signal.SessionDescription) error) {
	signalID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req descriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request")
		return
	}
	desc := signal.SessionDescription{Type: req.Type, SDP: req.SDP}
	if err := write(c.Request.Context(), signalID, desc); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
