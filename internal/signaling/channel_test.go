package signaling

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/domain/user"
	"unitynets-realtime/internal/realtime"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/events"
)

type memorySignalRepo struct {
	mu       sync.Mutex
	signals  map[uuid.UUID]*signal.CallSignal
	mergeErr error
}

func newMemorySignalRepo() *memorySignalRepo {
	return &memorySignalRepo{signals: make(map[uuid.UUID]*signal.CallSignal)}
}

func (r *memorySignalRepo) Create(_ context.Context, s *signal.CallSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, ok := r.signals[s.ID]; ok {
		return unity_errors.ErrAlreadyExists
	}
	s.CreatedAt = time.Now()
	cp := *s
	r.signals[s.ID] = &cp
	return nil
}

func (r *memorySignalRepo) GetByID(_ context.Context, id uuid.UUID) (signal.CallSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return signal.CallSignal{}, unity_errors.ErrNotFound
	}
	return *s, nil
}

func (r *memorySignalRepo) MergeSignalData(_ context.Context, id uuid.UUID, mutate func(*signal.Data) error) (signal.CallSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mergeErr != nil {
		return signal.CallSignal{}, r.mergeErr
	}
	s, ok := r.signals[id]
	if !ok {
		return signal.CallSignal{}, unity_errors.ErrNotFound
	}
	if s.Status.IsTerminal() {
		return signal.CallSignal{}, unity_errors.ErrTerminalSignal
	}
	if err := mutate(&s.SignalData); err != nil {
		return signal.CallSignal{}, err
	}
	s.UpdatedAt = time.Now()
	return *s, nil
}

func (r *memorySignalRepo) UpdateStatus(_ context.Context, id uuid.UUID, status signal.Status) (signal.CallSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return signal.CallSignal{}, unity_errors.ErrNotFound
	}
	if s.Status.IsTerminal() {
		return signal.CallSignal{}, unity_errors.ErrTerminalSignal
	}
	now := time.Now()
	if status == signal.StatusAccepted && !s.StartedAt.Valid {
		s.StartedAt = sql.NullTime{Time: now, Valid: true}
	}
	if status.IsTerminal() {
		s.EndedAt = sql.NullTime{Time: now, Valid: true}
	}
	s.Status = status
	s.UpdatedAt = now
	return *s, nil
}

type memoryUserRepo struct {
	users map[uuid.UUID]user.User
}

func (r *memoryUserRepo) Create(_ context.Context, u *user.User) error {
	r.users[u.ID] = *u
	return nil
}

func (r *memoryUserRepo) GetByID(_ context.Context, id uuid.UUID) (user.User, error) {
	u, ok := r.users[id]
	if !ok {
		return user.User{}, unity_errors.ErrNotFound
	}
	return u, nil
}

func (r *memoryUserRepo) GetByEmail(_ context.Context, email string) (user.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, unity_errors.ErrNotFound
}

func (r *memoryUserRepo) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := r.users[id]
	return ok, nil
}

type recordedCall struct {
	kind string
	sig  signal.CallSignal
}

type recordingCallLogger struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (l *recordingCallLogger) CallStarted(_ context.Context, s signal.CallSignal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, recordedCall{kind: "started", sig: s})
	return nil
}

func (l *recordingCallLogger) CallEnded(_ context.Context, s signal.CallSignal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, recordedCall{kind: "ended", sig: s})
	return nil
}

func newTestChannel(t *testing.T) (*Channel, *memorySignalRepo, uuid.UUID, uuid.UUID) {
	t.Helper()
	repo := newMemorySignalRepo()
	callerID := uuid.New()
	receiverID := uuid.New()
	users := &memoryUserRepo{users: map[uuid.UUID]user.User{
		callerID:   {ID: callerID, Email: "a@example.com", DisplayName: "A"},
		receiverID: {ID: receiverID, Email: "b@example.com", DisplayName: "B"},
	}}
	feed := realtime.NewFeed(events.NewMemoryBroker())
	return NewChannel(repo, users, feed, nil), repo, callerID, receiverID
}

func TestCreateSignalStartsRinging(t *testing.T) {
	ctx := context.Background()
	ch, repo, callerID, receiverID := newTestChannel(t)

	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	s, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusRinging, s.Status)
	assert.Nil(t, s.SignalData.Offer)
	assert.Empty(t, s.SignalData.Candidates)
}

func TestCreateSignalRejectsSelfAndUnknownUsers(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, _ := newTestChannel(t)

	_, err := ch.CreateSignal(ctx, uuid.New(), callerID, callerID, signal.CallTypeVoice)
	assert.ErrorIs(t, err, unity_errors.ErrInvalidInput)

	_, err = ch.CreateSignal(ctx, uuid.New(), callerID, uuid.New(), signal.CallTypeVoice)
	assert.ErrorIs(t, err, unity_errors.ErrInvalidInput)
}

func TestWriteOfferIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, receiverID := newTestChannel(t)
	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	offer := signal.SessionDescription{Type: "offer", SDP: "v=0 first"}
	require.NoError(t, ch.WriteOffer(ctx, id, offer))

	err = ch.WriteOffer(ctx, id, signal.SessionDescription{Type: "offer", SDP: "v=0 second"})
	assert.ErrorIs(t, err, unity_errors.ErrAlreadyExists)

	s, err := ch.GetSignal(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s.SignalData.Offer)
	assert.Equal(t, "v=0 first", s.SignalData.Offer.SDP)
}

func TestWriteAnswerRequiresOffer(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, receiverID := newTestChannel(t)
	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	err = ch.WriteAnswer(ctx, id, signal.SessionDescription{Type: "answer", SDP: "v=0"})
	assert.ErrorIs(t, err, unity_errors.ErrAnswerWithoutOffer)

	require.NoError(t, ch.WriteOffer(ctx, id, signal.SessionDescription{Type: "offer", SDP: "v=0"}))
	require.NoError(t, ch.WriteAnswer(ctx, id, signal.SessionDescription{Type: "answer", SDP: "v=0"}))

	err = ch.WriteAnswer(ctx, id, signal.SessionDescription{Type: "answer", SDP: "v=0 again"})
	assert.ErrorIs(t, err, unity_errors.ErrAlreadyExists)
}

func TestAppendCandidateAccumulates(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, receiverID := newTestChannel(t)
	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cand := signal.ICECandidate{Candidate: "candidate", SenderID: callerID.String(), SDPMLineIndex: uint16(i)}
		require.NoError(t, ch.AppendCandidate(ctx, id, cand))
	}

	s, err := ch.GetSignal(ctx, id)
	require.NoError(t, err)
	require.Len(t, s.SignalData.Candidates, 3)
	for i, cand := range s.SignalData.Candidates {
		assert.Equal(t, uint16(i), cand.SDPMLineIndex)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, receiverID := newTestChannel(t)
	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	require.NoError(t, ch.UpdateStatus(ctx, id, signal.StatusAccepted))
	require.NoError(t, ch.UpdateStatus(ctx, id, signal.StatusEnded))

	for _, status := range []signal.Status{signal.StatusRinging, signal.StatusAccepted, signal.StatusRejected} {
		err := ch.UpdateStatus(ctx, id, status)
		assert.ErrorIs(t, err, unity_errors.ErrTerminalSignal)
	}

	s, err := ch.GetSignal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, signal.StatusEnded, s.Status)
	assert.True(t, s.StartedAt.Valid)
	assert.True(t, s.EndedAt.Valid)
}

func TestTerminalSignalBlocksWrites(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, receiverID := newTestChannel(t)
	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, ch.UpdateStatus(ctx, id, signal.StatusRejected))

	err = ch.WriteOffer(ctx, id, signal.SessionDescription{Type: "offer", SDP: "v=0"})
	assert.ErrorIs(t, err, unity_errors.ErrTerminalSignal)
	err = ch.AppendCandidate(ctx, id, signal.ICECandidate{Candidate: "candidate"})
	assert.ErrorIs(t, err, unity_errors.ErrTerminalSignal)
}

func TestStoreFailureSurfacesAsSignalWrite(t *testing.T) {
	ctx := context.Background()
	ch, repo, callerID, receiverID := newTestChannel(t)
	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	repo.mergeErr = assert.AnError
	err = ch.AppendCandidate(ctx, id, signal.ICECandidate{Candidate: "candidate"})
	assert.ErrorIs(t, err, unity_errors.ErrSignalWrite)

	// Invariant violations keep their own identity.
	repo.mergeErr = nil
	require.NoError(t, ch.WriteOffer(ctx, id, signal.SessionDescription{Type: "offer", SDP: "v=0"}))
	err = ch.WriteOffer(ctx, id, signal.SessionDescription{Type: "offer", SDP: "v=0 again"})
	assert.ErrorIs(t, err, unity_errors.ErrAlreadyExists)
	assert.NotErrorIs(t, err, unity_errors.ErrSignalWrite)
}

func TestPublishReachesBothParties(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _, callerID, receiverID := newTestChannel(t)

	var mu sync.Mutex
	received := make(map[uuid.UUID][]string)
	for _, id := range []uuid.UUID{callerID, receiverID} {
		id := id
		err := ch.ObserveForUser(ctx, id, func(eventType string, _ signal.CallSignal) {
			mu.Lock()
			received[id] = append(received[id], eventType)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	_, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{realtime.EventSignalCreated}, received[callerID])
	assert.Equal(t, []string{realtime.EventSignalCreated}, received[receiverID])
}

func TestCallLoggerFiresOnAcceptAndTerminal(t *testing.T) {
	ctx := context.Background()
	ch, _, callerID, receiverID := newTestChannel(t)
	logger := &recordingCallLogger{}
	ch.SetCallLogger(logger)

	id, err := ch.CreateSignal(ctx, uuid.New(), callerID, receiverID, signal.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, ch.UpdateStatus(ctx, id, signal.StatusAccepted))
	require.NoError(t, ch.UpdateStatus(ctx, id, signal.StatusEnded))

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.calls, 2)
	assert.Equal(t, "started", logger.calls[0].kind)
	assert.Equal(t, "ended", logger.calls[1].kind)
	assert.Equal(t, signal.StatusEnded, logger.calls[1].sig.Status)
}
