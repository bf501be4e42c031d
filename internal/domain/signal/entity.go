package signal

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type CallType string

const (
	CallTypeVoice CallType = "VOICE"
	CallTypeVideo CallType = "VIDEO"
)

type Status string

const (
	StatusRinging  Status = "RINGING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusEnded    Status = "ENDED"
	StatusMissed   Status = "MISSED"
)

// IsTerminal reports whether the status is absorbing. A signal in a terminal
// status never transitions again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusEnded, StatusMissed:
		return true
	}
	return false
}

// SessionDescription is one side's SDP negotiation payload.
type SessionDescription struct {
	Type string `json:"type"` // offer, answer
	SDP  string `json:"sdp"`
}

// ICECandidate is a network path descriptor proposed by one peer.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
	SenderID      string `json:"sender_id"`
}

// Data is the handshake payload of one call attempt: at most one offer, at
// most one answer (only after the offer exists), and an append-only list of
// candidates from either side. It is persisted as a single JSON document and
// mutated read-modify-write under a row lock.
type Data struct {
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	Candidates []ICECandidate      `json:"candidates,omitempty"`
}

func (d Data) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *Data) Scan(value interface{}) error {
	if value == nil {
		*d = Data{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("signal: unsupported signal_data column type")
	}
	return json.Unmarshal(raw, d)
}

// CallSignal is one row per call attempt: the durable mailbox both peers use
// to exchange session descriptions and ICE candidates before a direct
// connection exists.
type CallSignal struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index"`
	CallerID       uuid.UUID `gorm:"type:uuid;not null;index"`
	ReceiverID     uuid.UUID `gorm:"type:uuid;not null;index"`
	CallType       CallType  `gorm:"type:varchar(16);not null"`
	Status         Status    `gorm:"type:varchar(16);not null;default:'RINGING'"`
	SignalData     Data      `gorm:"type:jsonb;not null;default:'{}'"`
	StartedAt      sql.NullTime
	EndedAt        sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CallSignal) TableName() string {
	return "call_signals"
}
