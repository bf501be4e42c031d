package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"unitynets-realtime/internal/domain/conversation"
	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/domain/user"
)

type UserRepository interface {
	Create(ctx context.Context, u *user.User) error
	GetByID(ctx context.Context, id uuid.UUID) (user.User, error)
	GetByEmail(ctx context.Context, email string) (user.User, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type SignalRepository interface {
	Create(ctx context.Context, s *signal.CallSignal) error
	GetByID(ctx context.Context, id uuid.UUID) (signal.CallSignal, error)
	// MergeSignalData re-reads signal_data under a row lock, applies mutate,
	// and writes the whole document back. Fails on signals already in a
	// terminal status.
	MergeSignalData(ctx context.Context, id uuid.UUID, mutate func(*signal.Data) error) (signal.CallSignal, error)
	// UpdateStatus applies a monotonic status transition: once a signal is
	// terminal, every further transition fails.
	UpdateStatus(ctx context.Context, id uuid.UUID, status signal.Status) (signal.CallSignal, error)
}

type ConversationRepository interface {
	Create(ctx context.Context, c *conversation.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	GetByDirectKey(ctx context.Context, key string) (conversation.Conversation, error)
	GetUserConversations(ctx context.Context, userID uuid.UUID) ([]conversation.Conversation, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	AddParticipant(ctx context.Context, p *conversation.Participant) error
	GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	PinConversation(ctx context.Context, conversationID, userID uuid.UUID) error
	UnpinConversation(ctx context.Context, conversationID, userID uuid.UUID) error
	MuteConversation(ctx context.Context, conversationID, userID uuid.UUID, until time.Time) error
	UnmuteConversation(ctx context.Context, conversationID, userID uuid.UUID) error
	// IncrementUnread bumps the unread counter for every participant except
	// the sender.
	IncrementUnread(ctx context.Context, conversationID, senderID uuid.UUID) error
	// ResetUnread zeroes the viewer's unread counter and stamps last_read_at.
	ResetUnread(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *message.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)
	// GetConversationMessages fetches up to limit rows created strictly
	// before the offset position, newest first.
	GetConversationMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]message.Message, error)
	GetLatestMessage(ctx context.Context, conversationID uuid.UUID) (message.Message, error)
	// Edit updates content for the original sender only; any other caller
	// gets ErrForbidden.
	Edit(ctx context.Context, messageID, senderID uuid.UUID, content string) (message.Message, error)
	// SoftDelete tombstones the message (sender only): content cleared,
	// flags set, row kept.
	SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (message.Message, error)
	// ToggleReaction flips userID's reaction under emoji, dropping the emoji
	// key when its member set empties.
	ToggleReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (message.Message, error)
	// MarkRead adds userID to read_by for every unread message in the
	// conversation not sent by them. Returns the ids touched.
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error)
}
