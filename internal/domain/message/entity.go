package message

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeText        Type = "TEXT"
	TypeImage       Type = "IMAGE"
	TypeVideo       Type = "VIDEO"
	TypeVoice       Type = "VOICE"
	TypeFile        Type = "FILE"
	TypeCallStarted Type = "CALL_STARTED"
	TypeCallEnded   Type = "CALL_ENDED"
	TypeSystem      Type = "SYSTEM"
)

// UUIDSet is a JSONB-persisted set of user ids (read receipts).
type UUIDSet []uuid.UUID

func (s UUIDSet) Contains(id uuid.UUID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

func (s UUIDSet) Value() (driver.Value, error) {
	if s == nil {
		s = UUIDSet{}
	}
	return json.Marshal(s)
}

func (s *UUIDSet) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// ReactionSet maps an emoji to the set of user ids who reacted with it.
// Invariant: no emoji key ever holds an empty set; the key is removed the
// moment its last member leaves.
type ReactionSet map[string][]uuid.UUID

// Toggle adds userID under emoji if absent, removes it if present. Returns
// true if the user is reacted after the call.
func (r ReactionSet) Toggle(emoji string, userID uuid.UUID) bool {
	users := r[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(r, emoji)
			} else {
				r[emoji] = users
			}
			return false
		}
	}
	r[emoji] = append(users, userID)
	return true
}

func (r ReactionSet) Value() (driver.Value, error) {
	if r == nil {
		r = ReactionSet{}
	}
	return json.Marshal(r)
}

func (r *ReactionSet) Scan(value interface{}) error {
	return scanJSON(value, r)
}

func scanJSON(value, dest interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("message: unsupported jsonb column type")
	}
	return json.Unmarshal(raw, dest)
}

// Message represents the messages table. Deletes are tombstones: content is
// cleared and flags set, the row itself stays for ordering and counts.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_conv_created"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null"`
	Type           Type      `gorm:"type:varchar(16);not null;default:'TEXT'"`
	Content        sql.NullString
	Metadata       string        `gorm:"type:jsonb;default:'{}'"`
	ReadBy         UUIDSet       `gorm:"type:jsonb;not null;default:'[]'"`
	Reactions      ReactionSet   `gorm:"type:jsonb;not null;default:'{}'"`
	ReplyToID      uuid.NullUUID `gorm:"type:uuid"`
	IsEdited       bool          `gorm:"default:false"`
	IsDeleted      bool          `gorm:"default:false"`
	IsPinned       bool          `gorm:"default:false"`
	IsForwarded    bool          `gorm:"default:false"`
	CreatedAt      time.Time     `gorm:"index:idx_conv_created"`
	EditedAt       sql.NullTime
	DeletedAt      sql.NullTime
}

func (Message) TableName() string {
	return "messages"
}
