// Package chat holds the conversation store and the per-conversation message
// stream, both kept in sync through the realtime feed with the same
// optimistic-mutation, replace-on-confirm discipline.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"unitynets-realtime/internal/domain/conversation"
	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/realtime"
	"unitynets-realtime/internal/repository"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/events"
	"unitynets-realtime/pkg/logger"
)

// ConversationView is one row of the conversation list for a viewer: roster,
// last message preview, and the viewer's unread count.
type ConversationView struct {
	Conversation conversation.Conversation
	LastMessage  *message.Message
	UnreadCount  int
	Pinned       bool
}

type ConversationStore struct {
	convs    repository.ConversationRepository
	messages repository.MessageRepository
	feed     *realtime.Feed
	notifier *Notifier
	log      *logger.Logger
}

func NewConversationStore(convs repository.ConversationRepository, messages repository.MessageRepository, feed *realtime.Feed, notifier *Notifier, log *logger.Logger) *ConversationStore {
	if log == nil {
		log = logger.NewNop()
	}
	if notifier == nil {
		notifier = NewNotifier(nil)
	}
	return &ConversationStore{convs: convs, messages: messages, feed: feed, notifier: notifier, log: log}
}

// ListConversations joins the viewer's participation with rosters and last
// messages, sorted pinned-first then by recency. Fetch failures notify once
// per distinct error signature.
func (s *ConversationStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]ConversationView, error) {
	convs, err := s.convs.GetUserConversations(ctx, userID)
	if err != nil {
		s.notifier.Notify(ErrorSignature{Message: err.Error(), Code: "conversation_list"})
		return nil, err
	}
	s.notifier.Reset()

	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		view := ConversationView{Conversation: c}
		for _, p := range c.Participants {
			if p.UserID == userID {
				view.UnreadCount = p.UnreadCount
				view.Pinned = p.PinnedAt.Valid
			}
		}
		last, err := s.messages.GetLatestMessage(ctx, c.ID)
		if err == nil {
			view.LastMessage = &last
		} else if !errors.Is(err, unity_errors.ErrNotFound) {
			s.log.Warnf("chat: last message for %s: %v", c.ID, err)
		}
		views = append(views, view)
	}
	return views, nil
}

// GetOrCreateDirect resolves the direct conversation between two users,
// creating it if missing. Idempotent: both call orders and repeated calls
// land on the same row via the direct-key unique index.
func (s *ConversationStore) GetOrCreateDirect(ctx context.Context, userID, otherUserID uuid.UUID) (uuid.UUID, error) {
	if userID == otherUserID || userID == uuid.Nil || otherUserID == uuid.Nil {
		return uuid.Nil, unity_errors.ErrInvalidInput
	}
	key := conversation.DirectKey(userID, otherUserID)

	existing, err := s.convs.GetByDirectKey(ctx, key)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, unity_errors.ErrNotFound) {
		return uuid.Nil, err
	}

	conv := conversation.Conversation{
		ID:        uuid.New(),
		Type:      conversation.TypeDirect,
		DirectKey: sql.NullString{String: key, Valid: true},
		CreatedBy: uuid.NullUUID{UUID: userID, Valid: true},
	}
	if err := s.convs.Create(ctx, &conv); err != nil {
		if errors.Is(err, unity_errors.ErrAlreadyExists) {
			// Lost the creation race; the other side's row wins.
			existing, err := s.convs.GetByDirectKey(ctx, key)
			if err != nil {
				return uuid.Nil, err
			}
			return existing.ID, nil
		}
		return uuid.Nil, err
	}

	for _, memberID := range []uuid.UUID{userID, otherUserID} {
		p := conversation.Participant{
			ConversationID: conv.ID,
			UserID:         memberID,
			Role:           conversation.RoleMember,
		}
		if err := s.convs.AddParticipant(ctx, &p); err != nil && !errors.Is(err, unity_errors.ErrAlreadyExists) {
			return uuid.Nil, err
		}
	}

	s.publishChanged(ctx)
	return conv.ID, nil
}

// CreateGroup creates a group conversation with the creator as owner.
func (s *ConversationStore) CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (uuid.UUID, error) {
	if name == "" || creatorID == uuid.Nil {
		return uuid.Nil, unity_errors.ErrInvalidInput
	}

	conv := conversation.Conversation{
		ID:        uuid.New(),
		Type:      conversation.TypeGroup,
		Subject:   sql.NullString{String: name, Valid: true},
		CreatedBy: uuid.NullUUID{UUID: creatorID, Valid: true},
	}
	if err := s.convs.Create(ctx, &conv); err != nil {
		return uuid.Nil, err
	}

	owner := conversation.Participant{
		ConversationID: conv.ID,
		UserID:         creatorID,
		Role:           conversation.RoleOwner,
	}
	if err := s.convs.AddParticipant(ctx, &owner); err != nil {
		return uuid.Nil, err
	}
	for _, memberID := range memberIDs {
		if memberID == creatorID {
			continue
		}
		p := conversation.Participant{
			ConversationID: conv.ID,
			UserID:         memberID,
			Role:           conversation.RoleMember,
		}
		if err := s.convs.AddParticipant(ctx, &p); err != nil && !errors.Is(err, unity_errors.ErrAlreadyExists) {
			return uuid.Nil, err
		}
	}

	s.publishChanged(ctx)
	return conv.ID, nil
}

func (s *ConversationStore) Pin(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := s.convs.PinConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	s.publishChanged(ctx)
	return nil
}

func (s *ConversationStore) Unpin(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := s.convs.UnpinConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	s.publishChanged(ctx)
	return nil
}

func (s *ConversationStore) Mute(ctx context.Context, conversationID, userID uuid.UUID, until time.Time) error {
	if err := s.convs.MuteConversation(ctx, conversationID, userID, until); err != nil {
		return err
	}
	s.publishChanged(ctx)
	return nil
}

func (s *ConversationStore) Unmute(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := s.convs.UnmuteConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	s.publishChanged(ctx)
	return nil
}

// Watch triggers onRefresh on every message insert or participant change.
// The subscription is deliberately broad and re-fetches the whole list;
// conversation lists are small per user.
func (s *ConversationStore) Watch(ctx context.Context, onRefresh func()) error {
	patterns := []string{realtime.ConversationsChannel, "conversation:*:messages"}
	return s.feed.Subscribe(ctx, patterns, func(ctx context.Context, channel string, e events.Event) error {
		onRefresh()
		return nil
	})
}

func (s *ConversationStore) publishChanged(ctx context.Context) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, realtime.ConversationsChannel, realtime.EventParticipantChanged, nil); err != nil {
		s.log.Warnf("chat: publish conversations changed: %v", err)
	}
}
