package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/realtime"
	"unitynets-realtime/internal/repository"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/logger"
)

// PageSize is the fixed message page size.
const PageSize = 50

// MessageService is the write side of the message stream: it persists
// mutations, keeps conversation metadata (recency, unread counters) in step,
// and fans every change out on the realtime feed.
type MessageService struct {
	messages repository.MessageRepository
	convs    repository.ConversationRepository
	feed     *realtime.Feed
	log      *logger.Logger
}

func NewMessageService(messages repository.MessageRepository, convs repository.ConversationRepository, feed *realtime.Feed, log *logger.Logger) *MessageService {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageService{messages: messages, convs: convs, feed: feed, log: log}
}

// LoadPage fetches up to PageSize messages created before the offset, newest
// first from the store, reversed to ascending for display.
func (s *MessageService) LoadPage(ctx context.Context, conversationID uuid.UUID, before time.Time) ([]message.Message, error) {
	page, err := s.messages.GetConversationMessages(ctx, conversationID, before, PageSize)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// Send persists the message, bumps conversation recency and the other
// participants' unread counters, and publishes the insert.
func (s *MessageService) Send(ctx context.Context, m *message.Message) error {
	if m.ConversationID == uuid.Nil || m.SenderID == uuid.Nil {
		return unity_errors.ErrInvalidInput
	}
	ok, err := s.convs.IsParticipant(ctx, m.ConversationID, m.SenderID)
	if err != nil {
		return err
	}
	if !ok {
		return unity_errors.ErrForbidden
	}
	if m.Type == "" {
		m.Type = message.TypeText
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return err
	}

	now := time.Now()
	if err := s.convs.Touch(ctx, m.ConversationID, now); err != nil {
		s.log.Warnf("chat: touch conversation %s: %v", m.ConversationID, err)
	}
	if err := s.convs.IncrementUnread(ctx, m.ConversationID, m.SenderID); err != nil {
		s.log.Warnf("chat: unread bump for %s: %v", m.ConversationID, err)
	}

	s.publish(ctx, realtime.EventMessageCreated, *m)
	return nil
}

// Edit updates content; the repository enforces sender-only.
func (s *MessageService) Edit(ctx context.Context, messageID, senderID uuid.UUID, content string) (message.Message, error) {
	m, err := s.messages.Edit(ctx, messageID, senderID, content)
	if err != nil {
		return message.Message{}, err
	}
	s.publish(ctx, realtime.EventMessageUpdated, m)
	return m, nil
}

// SoftDelete tombstones the message: content cleared, flags set, row kept
// for ordering and count integrity.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (message.Message, error) {
	m, err := s.messages.SoftDelete(ctx, messageID, senderID)
	if err != nil {
		return message.Message{}, err
	}
	s.publish(ctx, realtime.EventMessageUpdated, m)
	return m, nil
}

// ToggleReaction flips the user's reaction under emoji; the emoji key
// disappears with its last member.
func (s *MessageService) ToggleReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (message.Message, error) {
	if emoji == "" {
		return message.Message{}, unity_errors.ErrInvalidInput
	}
	m, err := s.messages.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return message.Message{}, err
	}
	s.publish(ctx, realtime.EventMessageUpdated, m)
	return m, nil
}

// MarkRead stamps the viewer into read_by across the conversation and zeroes
// their unread counter. This is the only place the counter resets.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	touched, err := s.messages.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if err := s.convs.ResetUnread(ctx, conversationID, userID, time.Now()); err != nil {
		return err
	}
	if len(touched) > 0 {
		s.publishChanged(ctx)
	}
	return nil
}

// CallStarted appends a call_started system message. Satisfies
// signaling.CallLogger.
func (s *MessageService) CallStarted(ctx context.Context, sig signal.CallSignal) error {
	return s.appendCallLog(ctx, sig, message.TypeCallStarted, map[string]interface{}{
		"signal_id": sig.ID.String(),
		"call_type": sig.CallType,
	})
}

// CallEnded appends a call_ended system message with the final status and
// duration when the call connected.
func (s *MessageService) CallEnded(ctx context.Context, sig signal.CallSignal) error {
	meta := map[string]interface{}{
		"signal_id": sig.ID.String(),
		"call_type": sig.CallType,
		"status":    sig.Status,
	}
	if sig.StartedAt.Valid && sig.EndedAt.Valid {
		meta["duration_seconds"] = int(sig.EndedAt.Time.Sub(sig.StartedAt.Time).Seconds())
	}
	return s.appendCallLog(ctx, sig, message.TypeCallEnded, meta)
}

func (s *MessageService) appendCallLog(ctx context.Context, sig signal.CallSignal, typ message.Type, meta map[string]interface{}) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	m := message.Message{
		ConversationID: sig.ConversationID,
		SenderID:       sig.CallerID,
		Type:           typ,
		Content:        sql.NullString{},
		Metadata:       string(raw),
	}
	if err := s.messages.Create(ctx, &m); err != nil {
		return fmt.Errorf("call log append: %w", err)
	}
	if err := s.convs.Touch(ctx, sig.ConversationID, time.Now()); err != nil {
		s.log.Warnf("chat: touch conversation %s: %v", sig.ConversationID, err)
	}
	s.publish(ctx, realtime.EventMessageCreated, m)
	return nil
}

func (s *MessageService) publish(ctx context.Context, eventType string, m message.Message) {
	if s.feed == nil {
		return
	}
	channel := realtime.ConversationMessageChannel(m.ConversationID)
	if err := s.feed.Publish(ctx, channel, eventType, m); err != nil {
		s.log.Warnf("chat: publish %s for %s: %v", eventType, m.ID, err)
	}
}

func (s *MessageService) publishChanged(ctx context.Context) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, realtime.ConversationsChannel, realtime.EventParticipantChanged, nil); err != nil {
		s.log.Warnf("chat: publish conversations changed: %v", err)
	}
}
