package chat

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitynets-realtime/internal/domain/conversation"
	"unitynets-realtime/internal/realtime"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/events"
)

func newTestStore(t *testing.T) (*ConversationStore, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	feed := realtime.NewFeed(events.NewMemoryBroker())
	cs := NewConversationStore(&memoryConvRepo{store: store}, &memoryMsgRepo{store: store}, feed, nil, nil)
	return cs, store
}

func TestGetOrCreateDirectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cs, _ := newTestStore(t)
	alice := uuid.New()
	bob := uuid.New()

	first, err := cs.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)

	// Same pair, both orders, repeated calls: always the same conversation.
	again, err := cs.GetOrCreateDirect(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	reversed, err := cs.GetOrCreateDirect(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, first, reversed)

	views, err := cs.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, conversation.TypeDirect, views[0].Conversation.Type)
	assert.Len(t, views[0].Conversation.Participants, 2)
}

func TestGetOrCreateDirectRejectsSelf(t *testing.T) {
	ctx := context.Background()
	cs, _ := newTestStore(t)
	alice := uuid.New()

	_, err := cs.GetOrCreateDirect(ctx, alice, alice)
	assert.ErrorIs(t, err, unity_errors.ErrInvalidInput)
}

func TestCreateGroupMakesCreatorOwner(t *testing.T) {
	ctx := context.Background()
	cs, store := newTestStore(t)
	creator := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}

	convID, err := cs.CreateGroup(ctx, creator, "planning", members)
	require.NoError(t, err)

	repo := &memoryConvRepo{store: store}
	p, err := repo.GetParticipant(ctx, convID, creator)
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleOwner, p.Role)

	for _, id := range members {
		p, err := repo.GetParticipant(ctx, convID, id)
		require.NoError(t, err)
		assert.Equal(t, conversation.RoleMember, p.Role)
	}
}

func TestPinnedConversationsSortFirst(t *testing.T) {
	ctx := context.Background()
	cs, _ := newTestStore(t)
	alice := uuid.New()

	older, err := cs.GetOrCreateDirect(ctx, alice, uuid.New())
	require.NoError(t, err)
	newer, err := cs.GetOrCreateDirect(ctx, alice, uuid.New())
	require.NoError(t, err)

	views, err := cs.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, newer, views[0].Conversation.ID)

	require.NoError(t, cs.Pin(ctx, older, alice))
	views, err = cs.ListConversations(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, older, views[0].Conversation.ID)
	assert.True(t, views[0].Pinned)
}

func TestListNotifiesOnceOnRepeatedFailure(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	feed := realtime.NewFeed(events.NewMemoryBroker())

	var notified int
	notifier := NewNotifier(func(ErrorSignature) { notified++ })
	cs := NewConversationStore(failingConvRepo{&memoryConvRepo{store: store}}, &memoryMsgRepo{store: store}, feed, notifier, nil)

	for i := 0; i < 3; i++ {
		_, err := cs.ListConversations(ctx, uuid.New())
		require.Error(t, err)
	}
	assert.Equal(t, 1, notified)
}

type failingConvRepo struct {
	*memoryConvRepo
}

func (failingConvRepo) GetUserConversations(context.Context, uuid.UUID) ([]conversation.Conversation, error) {
	return nil, assert.AnError
}
