package chat

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/realtime"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/events"
)

type chatFixture struct {
	svc    *MessageService
	convs  *memoryConvRepo
	msgs   *memoryMsgRepo
	convID uuid.UUID
	alice  uuid.UUID
	bob    uuid.UUID
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	ctx := context.Background()
	store := newMemoryStore()
	convs := &memoryConvRepo{store: store}
	msgs := &memoryMsgRepo{store: store}
	feed := realtime.NewFeed(events.NewMemoryBroker())

	cs := NewConversationStore(convs, msgs, feed, nil, nil)
	alice := uuid.New()
	bob := uuid.New()
	convID, err := cs.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)

	return &chatFixture{
		svc:    NewMessageService(msgs, convs, feed, nil),
		convs:  convs,
		msgs:   msgs,
		convID: convID,
		alice:  alice,
		bob:    bob,
	}
}

func (f *chatFixture) send(t *testing.T, from uuid.UUID, content string) message.Message {
	t.Helper()
	m := message.Message{
		ConversationID: f.convID,
		SenderID:       from,
		Type:           message.TypeText,
		Content:        sql.NullString{String: content, Valid: true},
	}
	require.NoError(t, f.svc.Send(context.Background(), &m))
	return m
}

func TestSendRequiresParticipation(t *testing.T) {
	f := newChatFixture(t)
	m := message.Message{
		ConversationID: f.convID,
		SenderID:       uuid.New(),
		Content:        sql.NullString{String: "hi", Valid: true},
	}
	err := f.svc.Send(context.Background(), &m)
	assert.ErrorIs(t, err, unity_errors.ErrForbidden)
}

func TestSendBumpsUnreadForOthersOnly(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	f.send(t, f.alice, "hello")
	f.send(t, f.alice, "anyone there?")

	pa, err := f.convs.GetParticipant(ctx, f.convID, f.alice)
	require.NoError(t, err)
	assert.Zero(t, pa.UnreadCount)

	pb, err := f.convs.GetParticipant(ctx, f.convID, f.bob)
	require.NoError(t, err)
	assert.Equal(t, 2, pb.UnreadCount)
}

func TestMarkReadResetsCounterAndStampsReceipts(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	sent := f.send(t, f.alice, "hello")

	require.NoError(t, f.svc.MarkRead(ctx, f.convID, f.bob))

	pb, err := f.convs.GetParticipant(ctx, f.convID, f.bob)
	require.NoError(t, err)
	assert.Zero(t, pb.UnreadCount)
	assert.True(t, pb.LastReadAt.Valid)

	m, err := f.msgs.GetByID(ctx, sent.ID)
	require.NoError(t, err)
	assert.True(t, m.ReadBy.Contains(f.alice), "sender reads their own message at creation")
	assert.True(t, m.ReadBy.Contains(f.bob))
}

func TestEditIsSenderOnly(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	sent := f.send(t, f.alice, "typo")

	_, err := f.svc.Edit(ctx, sent.ID, f.bob, "hijacked")
	assert.ErrorIs(t, err, unity_errors.ErrForbidden)

	edited, err := f.svc.Edit(ctx, sent.ID, f.alice, "fixed")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "fixed", edited.Content.String)

	_, err = f.svc.Edit(ctx, uuid.New(), f.alice, "ghost")
	assert.ErrorIs(t, err, unity_errors.ErrNotFound)
}

func TestSoftDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	sent := f.send(t, f.alice, "remove me")

	deleted, err := f.svc.SoftDelete(ctx, sent.ID, f.alice)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.False(t, deleted.Content.Valid)

	// The row survives for ordering; further edits are refused.
	_, err = f.msgs.GetByID(ctx, sent.ID)
	require.NoError(t, err)
	_, err = f.svc.Edit(ctx, sent.ID, f.alice, "resurrect")
	assert.ErrorIs(t, err, unity_errors.ErrForbidden)
}

func TestToggleReaction(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	sent := f.send(t, f.alice, "react to this")

	m, err := f.svc.ToggleReaction(ctx, sent.ID, f.bob, "thumbsup")
	require.NoError(t, err)
	assert.Len(t, m.Reactions["thumbsup"], 1)

	m, err = f.svc.ToggleReaction(ctx, sent.ID, f.bob, "thumbsup")
	require.NoError(t, err)
	_, present := m.Reactions["thumbsup"]
	assert.False(t, present, "empty reaction key is removed")
}

func TestLoadPageReturnsAscendingWindow(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	for i := 0; i < PageSize+5; i++ {
		f.send(t, f.alice, "msg")
	}

	page, err := f.svc.LoadPage(ctx, f.convID, time.Time{})
	require.NoError(t, err)
	require.Len(t, page, PageSize)
	for i := 1; i < len(page); i++ {
		assert.True(t, page[i].CreatedAt.After(page[i-1].CreatedAt))
	}

	older, err := f.svc.LoadPage(ctx, f.convID, page[0].CreatedAt)
	require.NoError(t, err)
	assert.Len(t, older, 5)
}

func TestCallLogMessages(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	started := time.Now().Add(-90 * time.Second)
	sig := signal.CallSignal{
		ID:             uuid.New(),
		ConversationID: f.convID,
		CallerID:       f.alice,
		ReceiverID:     f.bob,
		CallType:       signal.CallTypeVoice,
		Status:         signal.StatusEnded,
		StartedAt:      sql.NullTime{Time: started, Valid: true},
		EndedAt:        sql.NullTime{Time: started.Add(75 * time.Second), Valid: true},
	}

	require.NoError(t, f.svc.CallStarted(ctx, sig))
	require.NoError(t, f.svc.CallEnded(ctx, sig))

	page, err := f.svc.LoadPage(ctx, f.convID, time.Time{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, message.TypeCallStarted, page[0].Type)
	assert.Equal(t, message.TypeCallEnded, page[1].Type)
	assert.Contains(t, page[1].Metadata, "duration_seconds")
	assert.Contains(t, page[1].Metadata, "75")
}
