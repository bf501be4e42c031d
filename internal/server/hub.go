// Package server carries realtime feed events over WebSocket to connected
// clients, routing each Redis channel to the users entitled to see it.
package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unitynets-realtime/internal/realtime"
	"unitynets-realtime/internal/repository"
	"unitynets-realtime/pkg/events"
	"unitynets-realtime/pkg/logger"
)

const maxConnectionsPerUser = 4

// Envelope is the frame delivered to WebSocket clients: the feed channel the
// event arrived on plus the event itself.
type Envelope struct {
	Channel string       `json:"channel"`
	Event   events.Event `json:"event"`
}

type inbound struct {
	channel string
	event   events.Event
}

// Hub maintains the set of active clients and fans feed events out to them.
type Hub struct {
	clients    map[uuid.UUID]map[string]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound

	feed       *realtime.Feed
	convs      repository.ConversationRepository
	readMarker ReadMarker
	log        *logger.Logger

	mu sync.RWMutex
}

func NewHub(feed *realtime.Feed, convs repository.ConversationRepository, readMarker ReadMarker, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		clients:    make(map[uuid.UUID]map[string]*Client),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		inbound:    make(chan inbound, 256),
		feed:       feed,
		convs:      convs,
		readMarker: readMarker,
		log:        log,
	}
}

// Run subscribes to the feed and dispatches until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	patterns := []string{"signal:user:*", "conversation:*:messages", realtime.ConversationsChannel}
	go func() {
		err := h.feed.Subscribe(ctx, patterns, func(_ context.Context, channel string, e events.Event) error {
			select {
			case h.inbound <- inbound{channel: channel, event: e}:
			default:
				h.log.Warnf("server: inbound event buffer full, dropping %s", e.Type)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			h.log.ErrorCtx(ctx, "server: feed subscription ended", zap.Error(err))
		}
	}()

	for {
		select {
		case client := <-h.register:
			h.handleRegister(ctx, client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		case in := <-h.inbound:
			h.dispatch(ctx, in)
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		}
	}
}

func (h *Hub) handleRegister(ctx context.Context, client *Client) {
	h.mu.Lock()
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[string]*Client)
	}
	// Oldest connection gives way when the cap is hit.
	if len(h.clients[client.userID]) >= maxConnectionsPerUser {
		for id, old := range h.clients[client.userID] {
			delete(h.clients[client.userID], id)
			old.close()
			break
		}
	}
	h.clients[client.userID][client.clientID] = client
	h.mu.Unlock()

	h.loadConversations(ctx, client)

	h.log.Infof("server: client connected user=%s client=%s", client.userID, client.clientID)
	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userClients, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := userClients[client.clientID]; !ok {
		return
	}
	delete(userClients, client.clientID)
	client.close()
	if len(userClients) == 0 {
		delete(h.clients, client.userID)
	}
	h.log.Infof("server: client disconnected user=%s client=%s", client.userID, client.clientID)
}

func (h *Hub) dispatch(ctx context.Context, in inbound) {
	data, err := json.Marshal(Envelope{Channel: in.channel, Event: in.event})
	if err != nil {
		h.log.Warnf("server: marshal envelope: %v", err)
		return
	}

	switch {
	case strings.HasPrefix(in.channel, "signal:user:"):
		raw := strings.TrimPrefix(in.channel, "signal:user:")
		userID, err := uuid.Parse(raw)
		if err != nil {
			return
		}
		h.sendToUser(userID, data)

	case strings.HasPrefix(in.channel, "conversation:") && strings.HasSuffix(in.channel, ":messages"):
		raw := strings.TrimSuffix(strings.TrimPrefix(in.channel, "conversation:"), ":messages")
		convID, err := uuid.Parse(raw)
		if err != nil {
			return
		}
		h.sendToConversation(convID, data)

	case in.channel == realtime.ConversationsChannel:
		// Membership may have changed; refresh every connected client's
		// conversation set before relaying.
		h.refreshConversations(ctx)
		h.sendToAll(data)
	}
}

func (h *Hub) sendToUser(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients[userID] {
		client.enqueue(data, h.log)
	}
}

func (h *Hub) sendToConversation(convID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userClients := range h.clients {
		for _, client := range userClients {
			if client.inConversation(convID) {
				client.enqueue(data, h.log)
			}
		}
	}
}

func (h *Hub) sendToAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userClients := range h.clients {
		for _, client := range userClients {
			client.enqueue(data, h.log)
		}
	}
}

func (h *Hub) loadConversations(ctx context.Context, client *Client) {
	convs, err := h.convs.GetUserConversations(ctx, client.userID)
	if err != nil {
		h.log.Warnf("server: load conversations for %s: %v", client.userID, err)
		return
	}
	ids := make(map[uuid.UUID]bool, len(convs))
	for _, c := range convs {
		ids[c.ID] = true
	}
	client.setConversations(ids)
}

func (h *Hub) refreshConversations(ctx context.Context) {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, userClients := range h.clients {
		for _, client := range userClients {
			all = append(all, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range all {
		h.loadConversations(ctx, client)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userClients := range h.clients {
		for _, client := range userClients {
			client.close()
		}
	}
	h.clients = make(map[uuid.UUID]map[string]*Client)
}
