package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"unitynets-realtime/internal/domain/message"
	unity_errors "unitynets-realtime/pkg/errors"
)

type PostgresMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) Create(ctx context.Context, m *message.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReadBy == nil {
		m.ReadBy = message.UUIDSet{}
	}
	// The sender has read their own message from creation.
	if !m.ReadBy.Contains(m.SenderID) {
		m.ReadBy = append(m.ReadBy, m.SenderID)
	}
	if m.Reactions == nil {
		m.Reactions = message.ReactionSet{}
	}
	res := r.db.WithContext(ctx).Create(m)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return unity_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	var m message.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, unity_errors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepository) GetConversationMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]message.Message, error) {
	var messages []message.Message
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	err := q.Order("created_at DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *PostgresMessageRepository) GetLatestMessage(ctx context.Context, conversationID uuid.UUID) (message.Message, error) {
	var m message.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, unity_errors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

// Edit enforces sender-only at the data layer: the WHERE clause carries the
// sender id, so a mismatch surfaces as ErrForbidden rather than relying on
// the caller to have checked.
func (r *PostgresMessageRepository) Edit(ctx context.Context, messageID, senderID uuid.UUID, content string) (message.Message, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("id = ? AND sender_id = ? AND is_deleted = false", messageID, senderID).
		Updates(map[string]interface{}{
			"content":   content,
			"is_edited": true,
			"edited_at": now,
		})
	if res.Error != nil {
		return message.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return message.Message{}, r.editFailureReason(ctx, messageID)
	}
	return r.GetByID(ctx, messageID)
}

func (r *PostgresMessageRepository) SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (message.Message, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("id = ? AND sender_id = ? AND is_deleted = false", messageID, senderID).
		Updates(map[string]interface{}{
			"content":    sql.NullString{},
			"is_deleted": true,
			"deleted_at": now,
		})
	if res.Error != nil {
		return message.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return message.Message{}, r.editFailureReason(ctx, messageID)
	}
	return r.GetByID(ctx, messageID)
}

// editFailureReason distinguishes a missing row from an authorization
// violation after a zero-row update.
func (r *PostgresMessageRepository) editFailureReason(ctx context.Context, messageID uuid.UUID) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("id = ?", messageID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return unity_errors.ErrNotFound
	}
	return unity_errors.ErrForbidden
}

func (r *PostgresMessageRepository) ToggleReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (message.Message, error) {
	var out message.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m message.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", messageID).
			First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return unity_errors.ErrNotFound
			}
			return err
		}
		if m.Reactions == nil {
			m.Reactions = message.ReactionSet{}
		}
		m.Reactions.Toggle(emoji, userID)
		if err := tx.Model(&message.Message{}).
			Where("id = ?", messageID).
			Update("reactions", m.Reactions).Error; err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return message.Message{}, err
	}
	return out, nil
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	var touched []uuid.UUID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unread []message.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND sender_id != ? AND NOT read_by @> ?",
				conversationID, userID, `["`+userID.String()+`"]`).
			Find(&unread).Error; err != nil {
			return err
		}
		for _, m := range unread {
			m.ReadBy = append(m.ReadBy, userID)
			if err := tx.Model(&message.Message{}).
				Where("id = ?", m.ID).
				Update("read_by", m.ReadBy).Error; err != nil {
				return err
			}
			touched = append(touched, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}
