package conversation

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeDirect Type = "DIRECT"
	TypeGroup  Type = "GROUP"
)

type Role string

const (
	RoleMember Role = "MEMBER"
	RoleAdmin  Role = "ADMIN"
	RoleOwner  Role = "OWNER"
)

// Conversation represents the conversations table
type Conversation struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Type        Type      `gorm:"type:varchar(16);not null"`
	Subject     sql.NullString
	Description sql.NullString
	AvatarURL   sql.NullString
	// DirectKey is the sorted pair of participant ids for DIRECT
	// conversations; the unique index makes get-or-create idempotent
	// regardless of which side initiates.
	DirectKey sql.NullString `gorm:"uniqueIndex"`
	CreatedBy uuid.NullUUID  `gorm:"type:uuid"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`

	// Relationships
	Participants []Participant
}

// Participant represents the participants table
type Participant struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Role           Role      `gorm:"type:varchar(16);not null;default:'MEMBER'"`
	JoinedAt       time.Time
	MutedUntil     sql.NullTime
	PinnedAt       sql.NullTime
	UnreadCount    int `gorm:"default:0"`
	LastReadAt     sql.NullTime
}

// DirectKey derives the idempotency key for a direct conversation between two
// users. Order-independent: DirectKey(a, b) == DirectKey(b, a).
func DirectKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if strings.Compare(x, y) > 0 {
		x, y = y, x
	}
	return fmt.Sprintf("%s:%s", x, y)
}

func (Conversation) TableName() string {
	return "conversations"
}

func (Participant) TableName() string {
	return "participants"
}
