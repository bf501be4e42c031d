package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"unitynets-realtime/internal/domain/signal"
	unity_errors "unitynets-realtime/pkg/errors"
)

type PostgresSignalRepository struct {
	db *gorm.DB
}

func NewSignalRepository(db *gorm.DB) SignalRepository {
	return &PostgresSignalRepository{db: db}
}

func (r *PostgresSignalRepository) Create(ctx context.Context, s *signal.CallSignal) error {
	if s.CallerID == s.ReceiverID {
		return unity_errors.ErrInvalidInput
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = signal.StatusRinging
	}
	res := r.db.WithContext(ctx).Create(s)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return unity_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresSignalRepository) GetByID(ctx context.Context, id uuid.UUID) (signal.CallSignal, error) {
	var s signal.CallSignal
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return signal.CallSignal{}, unity_errors.ErrNotFound
		}
		return signal.CallSignal{}, err
	}
	return s, nil
}

// MergeSignalData implements the read-modify-write discipline on the whole
// signal_data document. The store has no partial JSON merge, so concurrent
// candidate appends from both ends are serialized by re-reading the current
// document under SELECT ... FOR UPDATE immediately before writing.
func (r *PostgresSignalRepository) MergeSignalData(ctx context.Context, id uuid.UUID, mutate func(*signal.Data) error) (signal.CallSignal, error) {
	var out signal.CallSignal
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s signal.CallSignal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return unity_errors.ErrNotFound
			}
			return err
		}
		if s.Status.IsTerminal() {
			return unity_errors.ErrTerminalSignal
		}
		if err := mutate(&s.SignalData); err != nil {
			return err
		}
		s.UpdatedAt = time.Now()
		if err := tx.Model(&signal.CallSignal{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"signal_data": s.SignalData,
				"updated_at":  s.UpdatedAt,
			}).Error; err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return signal.CallSignal{}, err
	}
	return out, nil
}

func (r *PostgresSignalRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status signal.Status) (signal.CallSignal, error) {
	var out signal.CallSignal
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s signal.CallSignal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return unity_errors.ErrNotFound
			}
			return err
		}
		if s.Status.IsTerminal() {
			return unity_errors.ErrTerminalSignal
		}
		if s.Status == status {
			out = s
			return nil
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     status,
			"updated_at": now,
		}
		if status == signal.StatusAccepted && !s.StartedAt.Valid {
			updates["started_at"] = now
			s.StartedAt = sql.NullTime{Time: now, Valid: true}
		}
		if status.IsTerminal() {
			updates["ended_at"] = now
			s.EndedAt = sql.NullTime{Time: now, Valid: true}
		}
		if err := tx.Model(&signal.CallSignal{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return err
		}
		s.Status = status
		s.UpdatedAt = now
		out = s
		return nil
	})
	if err != nil {
		return signal.CallSignal{}, err
	}
	return out, nil
}
