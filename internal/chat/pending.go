package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingOp is one optimistic local mutation awaiting server confirmation.
type PendingOp[T any] struct {
	TempID   uuid.UUID
	Value    T
	IssuedAt time.Time
}

// PendingSet generalizes the optimistic-then-reconcile pattern: issue a temp
// id, replace on success, roll back on failure. The same discipline applies
// to message sends and any other optimistic entity mutation.
type PendingSet[T any] struct {
	mu  sync.Mutex
	ops map[uuid.UUID]PendingOp[T]
}

func NewPendingSet[T any]() *PendingSet[T] {
	return &PendingSet[T]{ops: make(map[uuid.UUID]PendingOp[T])}
}

// Issue registers value under a fresh temp id.
func (s *PendingSet[T]) Issue(value T) PendingOp[T] {
	op := PendingOp[T]{TempID: uuid.New(), Value: value, IssuedAt: time.Now()}
	s.mu.Lock()
	s.ops[op.TempID] = op
	s.mu.Unlock()
	return op
}

// Resolve removes and returns the pending op for tempID. Called once on
// success (replace) or failure (rollback); a second call reports absence.
func (s *PendingSet[T]) Resolve(tempID uuid.UUID) (PendingOp[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[tempID]
	if ok {
		delete(s.ops, tempID)
	}
	return op, ok
}

func (s *PendingSet[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}
