package chat

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"unitynets-realtime/internal/domain/conversation"
	"unitynets-realtime/internal/domain/message"
	unity_errors "unitynets-realtime/pkg/errors"
)

// memoryStore backs the in-memory conversation and message repositories used
// across the chat tests, mirroring the data-layer invariants of the real
// Postgres implementations.
type memoryStore struct {
	mu           sync.Mutex
	convs        map[uuid.UUID]*conversation.Conversation
	directKeys   map[string]uuid.UUID
	participants map[uuid.UUID]map[uuid.UUID]*conversation.Participant
	messages     map[uuid.UUID]*message.Message
	clock        time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		convs:        make(map[uuid.UUID]*conversation.Conversation),
		directKeys:   make(map[string]uuid.UUID),
		participants: make(map[uuid.UUID]map[uuid.UUID]*conversation.Participant),
		messages:     make(map[uuid.UUID]*message.Message),
		clock:        time.Now(),
	}
}

// tick returns strictly increasing timestamps so ordering is deterministic.
func (s *memoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

type memoryConvRepo struct {
	store *memoryStore
}

func (r *memoryConvRepo) Create(_ context.Context, c *conversation.Conversation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DirectKey.Valid {
		if _, dup := r.store.directKeys[c.DirectKey.String]; dup {
			return unity_errors.ErrAlreadyExists
		}
		r.store.directKeys[c.DirectKey.String] = c.ID
	}
	now := r.store.tick()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	r.store.convs[c.ID] = &cp
	r.store.participants[c.ID] = make(map[uuid.UUID]*conversation.Participant)
	return nil
}

func (r *memoryConvRepo) GetByID(_ context.Context, id uuid.UUID) (conversation.Conversation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.convs[id]
	if !ok {
		return conversation.Conversation{}, unity_errors.ErrNotFound
	}
	return r.withParticipants(*c), nil
}

func (r *memoryConvRepo) GetByDirectKey(_ context.Context, key string) (conversation.Conversation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	id, ok := r.store.directKeys[key]
	if !ok {
		return conversation.Conversation{}, unity_errors.ErrNotFound
	}
	return r.withParticipants(*r.store.convs[id]), nil
}

func (r *memoryConvRepo) GetUserConversations(_ context.Context, userID uuid.UUID) ([]conversation.Conversation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []conversation.Conversation
	for id, c := range r.store.convs {
		if _, ok := r.store.participants[id][userID]; ok {
			out = append(out, r.withParticipants(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi := r.store.participants[out[i].ID][userID]
		pj := r.store.participants[out[j].ID][userID]
		if pi.PinnedAt.Valid != pj.PinnedAt.Valid {
			return pi.PinnedAt.Valid
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *memoryConvRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.convs[id]
	if !ok {
		return unity_errors.ErrNotFound
	}
	c.UpdatedAt = at
	return nil
}

func (r *memoryConvRepo) AddParticipant(_ context.Context, p *conversation.Participant) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	members, ok := r.store.participants[p.ConversationID]
	if !ok {
		return unity_errors.ErrNotFound
	}
	if _, dup := members[p.UserID]; dup {
		return unity_errors.ErrAlreadyExists
	}
	p.JoinedAt = r.store.tick()
	cp := *p
	members[p.UserID] = &cp
	return nil
}

func (r *memoryConvRepo) GetParticipant(_ context.Context, conversationID, userID uuid.UUID) (conversation.Participant, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.participants[conversationID][userID]
	if !ok {
		return conversation.Participant{}, unity_errors.ErrNotFound
	}
	return *p, nil
}

func (r *memoryConvRepo) IsParticipant(_ context.Context, conversationID, userID uuid.UUID) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, ok := r.store.participants[conversationID][userID]
	return ok, nil
}

func (r *memoryConvRepo) participant(conversationID, userID uuid.UUID) (*conversation.Participant, error) {
	p, ok := r.store.participants[conversationID][userID]
	if !ok {
		return nil, unity_errors.ErrNotFound
	}
	return p, nil
}

func (r *memoryConvRepo) PinConversation(_ context.Context, conversationID, userID uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.PinnedAt = sql.NullTime{Time: r.store.tick(), Valid: true}
	return nil
}

func (r *memoryConvRepo) UnpinConversation(_ context.Context, conversationID, userID uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.PinnedAt = sql.NullTime{}
	return nil
}

func (r *memoryConvRepo) MuteConversation(_ context.Context, conversationID, userID uuid.UUID, until time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.MutedUntil = sql.NullTime{Time: until, Valid: true}
	return nil
}

func (r *memoryConvRepo) UnmuteConversation(_ context.Context, conversationID, userID uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.MutedUntil = sql.NullTime{}
	return nil
}

func (r *memoryConvRepo) IncrementUnread(_ context.Context, conversationID, senderID uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for userID, p := range r.store.participants[conversationID] {
		if userID != senderID {
			p.UnreadCount++
		}
	}
	return nil
}

func (r *memoryConvRepo) ResetUnread(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, err := r.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.UnreadCount = 0
	p.LastReadAt = sql.NullTime{Time: at, Valid: true}
	return nil
}

func (r *memoryConvRepo) withParticipants(c conversation.Conversation) conversation.Conversation {
	for _, p := range r.store.participants[c.ID] {
		c.Participants = append(c.Participants, *p)
	}
	return c
}

type memoryMsgRepo struct {
	store *memoryStore
}

func (r *memoryMsgRepo) Create(_ context.Context, m *message.Message) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReadBy == nil {
		m.ReadBy = message.UUIDSet{}
	}
	if !m.ReadBy.Contains(m.SenderID) {
		m.ReadBy = append(m.ReadBy, m.SenderID)
	}
	if m.Reactions == nil {
		m.Reactions = message.ReactionSet{}
	}
	m.CreatedAt = r.store.tick()
	cp := *m
	r.store.messages[m.ID] = &cp
	return nil
}

func (r *memoryMsgRepo) GetByID(_ context.Context, id uuid.UUID) (message.Message, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return message.Message{}, unity_errors.ErrNotFound
	}
	return *m, nil
}

func (r *memoryMsgRepo) GetConversationMessages(_ context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]message.Message, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []message.Message
	for _, m := range r.store.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryMsgRepo) GetLatestMessage(_ context.Context, conversationID uuid.UUID) (message.Message, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var latest *message.Message
	for _, m := range r.store.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return message.Message{}, unity_errors.ErrNotFound
	}
	return *latest, nil
}

func (r *memoryMsgRepo) editable(messageID, senderID uuid.UUID) (*message.Message, error) {
	m, ok := r.store.messages[messageID]
	if !ok {
		return nil, unity_errors.ErrNotFound
	}
	if m.SenderID != senderID || m.IsDeleted {
		return nil, unity_errors.ErrForbidden
	}
	return m, nil
}

func (r *memoryMsgRepo) Edit(_ context.Context, messageID, senderID uuid.UUID, content string) (message.Message, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, err := r.editable(messageID, senderID)
	if err != nil {
		return message.Message{}, err
	}
	m.Content = sql.NullString{String: content, Valid: true}
	m.IsEdited = true
	m.EditedAt = sql.NullTime{Time: r.store.tick(), Valid: true}
	return *m, nil
}

func (r *memoryMsgRepo) SoftDelete(_ context.Context, messageID, senderID uuid.UUID) (message.Message, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, err := r.editable(messageID, senderID)
	if err != nil {
		return message.Message{}, err
	}
	m.Content = sql.NullString{}
	m.IsDeleted = true
	m.DeletedAt = sql.NullTime{Time: r.store.tick(), Valid: true}
	return *m, nil
}

func (r *memoryMsgRepo) ToggleReaction(_ context.Context, messageID, userID uuid.UUID, emoji string) (message.Message, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[messageID]
	if !ok {
		return message.Message{}, unity_errors.ErrNotFound
	}
	if m.Reactions == nil {
		m.Reactions = message.ReactionSet{}
	}
	m.Reactions.Toggle(emoji, userID)
	return *m, nil
}

func (r *memoryMsgRepo) MarkRead(_ context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var touched []uuid.UUID
	for _, m := range r.store.messages {
		if m.ConversationID != conversationID || m.SenderID == userID || m.ReadBy.Contains(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, userID)
		touched = append(touched, m.ID)
	}
	return touched, nil
}
