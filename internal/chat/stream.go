package chat

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/domain/user"
	"unitynets-realtime/internal/realtime"
	"unitynets-realtime/pkg/events"
	"unitynets-realtime/pkg/logger"
)

// MessageWriter is the slice of the message service the stream drives.
type MessageWriter interface {
	Send(ctx context.Context, m *message.Message) error
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error
	LoadPage(ctx context.Context, conversationID uuid.UUID, before time.Time) ([]message.Message, error)
}

// ProfileResolver decorates inbound messages with sender metadata.
type ProfileResolver interface {
	Profile(ctx context.Context, id uuid.UUID) (user.Profile, error)
}

// StreamMessage is one display row: the message plus resolved sender
// metadata and whether it is still an optimistic temp.
type StreamMessage struct {
	message.Message
	Sender user.Profile
	Temp   bool
}

// Stream is the per-conversation message view: paginated history, optimistic
// sends reconciled against push-delivered inserts, and read marking as a
// side effect of receiving while open.
type Stream struct {
	conversationID uuid.UUID
	selfID         uuid.UUID
	writer         MessageWriter
	profiles       ProfileResolver
	feed           *realtime.Feed
	pending        *PendingSet[message.Message]
	notifier       *Notifier
	log            *logger.Logger

	mu     sync.Mutex
	msgs   []StreamMessage
	oldest time.Time
}

func NewStream(conversationID, selfID uuid.UUID, writer MessageWriter, profiles ProfileResolver, feed *realtime.Feed, notifier *Notifier, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewNop()
	}
	if notifier == nil {
		notifier = NewNotifier(nil)
	}
	return &Stream{
		conversationID: conversationID,
		selfID:         selfID,
		writer:         writer,
		profiles:       profiles,
		feed:           feed,
		pending:        NewPendingSet[message.Message](),
		notifier:       notifier,
		log:            log,
	}
}

// LoadMore fetches the next page of history before the current offset and
// prepends it in ascending order.
func (s *Stream) LoadMore(ctx context.Context) (int, error) {
	s.mu.Lock()
	before := s.oldest
	s.mu.Unlock()

	page, err := s.writer.LoadPage(ctx, s.conversationID, before)
	if err != nil {
		s.notifier.Notify(ErrorSignature{Message: err.Error(), Code: "message_page"})
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}

	rows := make([]StreamMessage, 0, len(page))
	for _, m := range page {
		rows = append(rows, StreamMessage{Message: m, Sender: s.resolveSender(ctx, m.SenderID)})
	}

	s.mu.Lock()
	s.msgs = append(rows, s.msgs...)
	s.oldest = page[0].CreatedAt
	s.mu.Unlock()
	return len(page), nil
}

// Send shows the message immediately under a temp id, then replaces it with
// the server-confirmed row, or rolls it back and notifies on failure.
// Exactly one message is visible per attempt at every point.
func (s *Stream) Send(ctx context.Context, content string, typ message.Type, metadata string, replyTo *uuid.UUID) (message.Message, error) {
	temp := message.Message{
		ConversationID: s.conversationID,
		SenderID:       s.selfID,
		Type:           typ,
		Content:        sql.NullString{String: content, Valid: true},
		Metadata:       metadata,
		ReadBy:         message.UUIDSet{s.selfID},
		Reactions:      message.ReactionSet{},
		CreatedAt:      time.Now(),
	}
	if replyTo != nil {
		temp.ReplyToID = uuid.NullUUID{UUID: *replyTo, Valid: true}
	}

	op := s.pending.Issue(temp)
	temp.ID = op.TempID

	s.mu.Lock()
	s.msgs = append(s.msgs, StreamMessage{Message: temp, Temp: true})
	s.mu.Unlock()

	confirmed := temp
	confirmed.ID = uuid.Nil // server assigns the real id
	err := s.writer.Send(ctx, &confirmed)

	s.pending.Resolve(op.TempID)
	if err != nil {
		// Roll back: the failed attempt leaves no message behind, and does
		// not disturb other pending sends.
		s.removeByID(op.TempID)
		s.notifier.Notify(ErrorSignature{Message: err.Error(), Code: "message_send"})
		return message.Message{}, err
	}

	s.replaceTemp(op.TempID, confirmed)
	return confirmed, nil
}

// Watch subscribes to this conversation's push events until ctx is
// cancelled. Unsubscribing on view exit is the caller cancelling ctx.
func (s *Stream) Watch(ctx context.Context) error {
	channel := realtime.ConversationMessageChannel(s.conversationID)
	return s.feed.Subscribe(ctx, []string{channel}, func(ctx context.Context, _ string, e events.Event) error {
		var m message.Message
		if err := realtime.DecodePayload(e, &m); err != nil {
			return err
		}
		s.handleEvent(ctx, e.Type, m)
		return nil
	})
}

// handleEvent reconciles one push-delivered change into the local view.
func (s *Stream) handleEvent(ctx context.Context, eventType string, m message.Message) {
	switch eventType {
	case realtime.EventMessageCreated:
		s.handleInsert(ctx, m)
	case realtime.EventMessageUpdated:
		s.handleUpdate(m)
	}
}

func (s *Stream) handleInsert(ctx context.Context, m message.Message) {
	if m.SenderID == s.selfID {
		// Our own insert: reconcile against the optimistic temp instead of
		// duplicating. The push can arrive before or after the write call
		// returns.
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.msgs {
			if existing.ID == m.ID {
				return
			}
		}
		for i, existing := range s.msgs {
			if existing.Temp {
				s.msgs[i] = StreamMessage{Message: m, Sender: s.msgs[i].Sender}
				return
			}
		}
		s.msgs = append(s.msgs, StreamMessage{Message: m})
		return
	}

	// Never display a message without resolvable sender metadata; a failed
	// profile fetch falls back to a placeholder.
	sender := s.resolveSender(ctx, m.SenderID)

	s.mu.Lock()
	for _, existing := range s.msgs {
		if existing.ID == m.ID {
			s.mu.Unlock()
			return
		}
	}
	s.msgs = append(s.msgs, StreamMessage{Message: m, Sender: sender})
	s.mu.Unlock()

	// Receiving while the stream is open marks the conversation read.
	if err := s.writer.MarkRead(ctx, s.conversationID, s.selfID); err != nil {
		s.log.Warnf("chat: mark read for %s: %v", s.conversationID, err)
	}
}

func (s *Stream) handleUpdate(m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.msgs {
		if existing.ID == m.ID {
			s.msgs[i] = StreamMessage{Message: m, Sender: existing.Sender, Temp: existing.Temp}
			return
		}
	}
}

// Messages returns the current view, oldest first.
func (s *Stream) Messages() []StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Stream) removeByID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.msgs {
		if existing.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return
		}
	}
}

func (s *Stream) replaceTemp(tempID uuid.UUID, confirmed message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.msgs {
		if existing.ID == tempID {
			s.msgs[i] = StreamMessage{Message: confirmed, Sender: existing.Sender}
			return
		}
	}
	// The push event replaced the temp already; make sure the confirmed row
	// is present exactly once.
	for _, existing := range s.msgs {
		if existing.ID == confirmed.ID {
			return
		}
	}
	s.msgs = append(s.msgs, StreamMessage{Message: confirmed})
}

func (s *Stream) resolveSender(ctx context.Context, senderID uuid.UUID) user.Profile {
	if senderID == s.selfID || s.profiles == nil {
		return user.Profile{ID: senderID}
	}
	p, err := s.profiles.Profile(ctx, senderID)
	if err != nil {
		s.log.Warnf("chat: sender profile %s: %v", senderID, err)
		return user.Profile{ID: senderID, DisplayName: "Unknown user"}
	}
	return p
}
