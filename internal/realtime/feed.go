// Package realtime is the push side of the store contract: every table
// mutation worth observing is published as a typed change event on a Redis
// channel, and the client-side stores (signal channel observation,
// conversation list, message streams) subscribe to the slices they care
// about.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"unitynets-realtime/pkg/events"
)

// Event types carried on the feed.
const (
	EventSignalCreated       = "signal.created"
	EventSignalUpdated       = "signal.updated"
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventParticipantChanged  = "participant.changed"
	EventConversationTouched = "conversation.touched"
)

// Channel naming. Signal events fan out per user so each side can subscribe
// to its own role: the receiver reacts to new RINGING inserts, the caller to
// ACCEPTED/terminal updates.
func UserSignalChannel(userID uuid.UUID) string {
	return fmt.Sprintf("signal:user:%s", userID)
}

func ConversationMessageChannel(conversationID uuid.UUID) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

// ConversationsChannel is deliberately broad: conversation lists are small
// per user, so participant changes and new messages trigger a full list
// refresh rather than targeted patching. Scalability simplification, not a
// correctness requirement.
const ConversationsChannel = "conversations:changed"

type Feed struct {
	broker events.Broker
}

func NewFeed(broker events.Broker) *Feed {
	return &Feed{broker: broker}
}

func (f *Feed) Publish(ctx context.Context, channel, eventType string, payload interface{}) error {
	return f.broker.Publish(ctx, channel, events.Event{Type: eventType, Payload: payload})
}

func (f *Feed) Subscribe(ctx context.Context, patterns []string, handler events.Handler) error {
	return f.broker.Subscribe(ctx, patterns, handler)
}

// DecodePayload re-marshals the generic event payload into a typed struct.
// Payloads cross the broker as JSON, so the receive side always sees
// map[string]interface{} until decoded.
func DecodePayload(e events.Event, dest interface{}) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
