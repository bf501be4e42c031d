package user

import (
	"time"

	"github.com/google/uuid"
)

// User represents the users table
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Email        string    `gorm:"uniqueIndex;not null"`
	DisplayName  string    `gorm:"not null"`
	AvatarURL    string
	TrustScore   float64 `gorm:"default:0"`
	PasswordHash string  `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is the public projection used to decorate call and chat
// participants.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	TrustScore  float64   `json:"trust_score"`
}

func (u User) Profile() Profile {
	return Profile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		TrustScore:  u.TrustScore,
	}
}

func (User) TableName() string {
	return "users"
}
